package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"email-triage/internal/ai"
	"email-triage/internal/mail"
	"email-triage/internal/models"
)

// SummaryStore persists thread summaries.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, sum models.ThreadSummary) error
}

// SummarizeHandler produces a thread summary, falling back to a
// deterministic one when the AI collaborator fails. A thread is never
// left unsummarized.
type SummarizeHandler struct {
	mail  mail.Fetcher
	aic   ai.Client
	store SummaryStore
	log   *zap.Logger
}

func NewSummarizeHandler(fetcher mail.Fetcher, aic ai.Client, store SummaryStore, log *zap.Logger) *SummarizeHandler {
	return &SummarizeHandler{mail: fetcher, aic: aic, store: store, log: log}
}

func (h *SummarizeHandler) Handle(ctx context.Context, job models.Job) error {
	payload, ok := job.Payload.(models.SummarizationPayload)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T for summarization job", models.ErrValidation, job.Payload)
	}

	messages, err := h.mail.GetThread(ctx, job.SubjectID, payload.ThreadID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: thread %s not found for subject %s", models.ErrValidation, payload.ThreadID, job.SubjectID)
		}
		return fmt.Errorf("fetch thread %s: %w", payload.ThreadID, err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("%w: thread %s has no messages", models.ErrValidation, payload.ThreadID)
	}

	sum := models.ThreadSummary{
		ThreadID:  payload.ThreadID,
		SubjectID: job.SubjectID,
	}
	resp, err := h.aic.SummarizeThread(ctx, messages)
	if err != nil {
		h.log.Warn("ai summary failed, using fallback",
			zap.String("thread_id", payload.ThreadID),
			zap.Error(err),
		)
		sum.Summary, sum.KeyPoints = fallbackSummary(messages)
		sum.Fallback = true
	} else {
		sum.Summary = resp.Summary
		sum.KeyPoints = resp.KeyPoints
	}

	if err := h.store.UpsertSummary(ctx, sum); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	return nil
}

// fallbackSummary derives a summary from message count, participants,
// and the thread subject alone.
func fallbackSummary(messages []models.EmailMessage) (string, []string) {
	seen := make(map[string]struct{})
	var participants []string
	for _, m := range messages {
		if _, ok := seen[m.Sender]; ok {
			continue
		}
		seen[m.Sender] = struct{}{}
		participants = append(participants, m.Sender)
	}
	sort.Strings(participants)

	subject := messages[0].Subject
	summary := fmt.Sprintf("Thread %q with %d messages from %d participants.",
		subject, len(messages), len(participants))

	keyPoints := []string{
		fmt.Sprintf("Subject: %s", subject),
		fmt.Sprintf("Messages: %d", len(messages)),
	}
	for _, p := range participants {
		keyPoints = append(keyPoints, "Participant: "+p)
	}
	return summary, keyPoints
}
