package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"email-triage/internal/models"
)

// Submitter is the slice of the pool the webhook handler needs to
// fan out scoring work.
type Submitter interface {
	SubmitScoring(subjectID, emailID string, opts SubmitOptions) (string, error)
}

// WebhookHandler expands an inbound notification's email ids into
// individual scoring jobs. Fan-out instead of inline processing keeps
// notification ingestion latency independent of AI latency and lets the
// scheduler apply its own prioritization.
type WebhookHandler struct {
	pool Submitter
	log  *zap.Logger
}

func NewWebhookHandler(pool Submitter, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{pool: pool, log: log}
}

func (h *WebhookHandler) Handle(ctx context.Context, job models.Job) error {
	payload, ok := job.Payload.(models.WebhookPayload)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T for webhook job", models.ErrValidation, job.Payload)
	}

	var failed int
	for _, emailID := range payload.EmailIDs {
		_, err := h.pool.SubmitScoring(job.SubjectID, emailID, SubmitOptions{Priority: job.Priority})
		if err != nil {
			failed++
			h.log.Warn("webhook fan-out submission failed",
				zap.String("history_id", payload.HistoryID),
				zap.String("email_id", emailID),
				zap.Error(err),
			)
		}
	}
	// A notification with no email ids is a no-op, not a failure.
	if len(payload.EmailIDs) > 0 && failed == len(payload.EmailIDs) {
		return fmt.Errorf("%w: all %d fan-out submissions failed", models.ErrTransient, failed)
	}
	return nil
}
