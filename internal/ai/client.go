// Package ai is the boundary to the scoring/summarization service. The
// core depends on the Client interface only; the HTTP adapter and the
// retry decorator are the concrete collaborators wired at startup.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"email-triage/internal/models"
)

// ScoreResponse is the provider's verdict for one email.
type ScoreResponse struct {
	Score     float64 `json:"score"` // 1-10
	Reasoning string  `json:"reasoning"`
	CostCents int     `json:"cost_cents"`
}

// SummaryResponse is the provider's summary for one thread.
type SummaryResponse struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// Client is what the processors and the triage pipeline consume.
type Client interface {
	ScoreEmail(ctx context.Context, email models.EmailMessage) (ScoreResponse, error)
	SummarizeThread(ctx context.Context, messages []models.EmailMessage) (SummaryResponse, error)
}

// HTTPClient talks to the AI service over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient builds the adapter. A zero timeout defaults to 20s.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ScoreEmail(ctx context.Context, email models.EmailMessage) (ScoreResponse, error) {
	var out ScoreResponse
	if err := c.post(ctx, "/v1/score", scoreRequest{
		Sender:  email.Sender,
		Subject: email.Subject,
		Body:    firstN(email.Body, 4000),
	}, &out); err != nil {
		return ScoreResponse{}, err
	}
	if out.Score < 1 || out.Score > 10 {
		return ScoreResponse{}, fmt.Errorf("%w: provider returned score %v outside 1-10", models.ErrTransient, out.Score)
	}
	return out, nil
}

func (c *HTTPClient) SummarizeThread(ctx context.Context, messages []models.EmailMessage) (SummaryResponse, error) {
	req := summarizeRequest{}
	for _, m := range messages {
		req.Messages = append(req.Messages, threadMessage{
			Sender:  m.Sender,
			Subject: m.Subject,
			Body:    firstN(m.Body, 2000),
		})
	}
	var out SummaryResponse
	if err := c.post(ctx, "/v1/summarize", req, &out); err != nil {
		return SummaryResponse{}, err
	}
	return out, nil
}

type scoreRequest struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type summarizeRequest struct {
	Messages []threadMessage `json:"messages"`
}

type threadMessage struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: ai service returned %d", models.ErrTransient, resp.StatusCode)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ai service returned %d: %s", resp.StatusCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", models.ErrTransient, err)
	}
	return nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
