// Package mail is the boundary to the mail-fetch service, which returns
// normalized message records for a subject's mailbox.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"email-triage/internal/models"
)

// Fetcher is what the processors consume.
type Fetcher interface {
	GetEmail(ctx context.Context, subjectID, emailID string) (models.EmailMessage, error)
	GetThread(ctx context.Context, subjectID, threadID string) ([]models.EmailMessage, error)
}

// HTTPFetcher talks to the mail service over JSON/HTTP.
type HTTPFetcher struct {
	baseURL string
	http    *http.Client
}

// NewHTTPFetcher builds the adapter.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) GetEmail(ctx context.Context, subjectID, emailID string) (models.EmailMessage, error) {
	var out models.EmailMessage
	err := f.get(ctx, fmt.Sprintf("/v1/subjects/%s/emails/%s", url.PathEscape(subjectID), url.PathEscape(emailID)), &out)
	return out, err
}

func (f *HTTPFetcher) GetThread(ctx context.Context, subjectID, threadID string) ([]models.EmailMessage, error) {
	var out []models.EmailMessage
	err := f.get(ctx, fmt.Sprintf("/v1/subjects/%s/threads/%s", url.PathEscape(subjectID), url.PathEscape(threadID)), &out)
	return out, err
}

func (f *HTTPFetcher) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: mail service returned %d", models.ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("mail service returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", models.ErrTransient, err)
	}
	return nil
}
