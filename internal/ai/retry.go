package ai

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"email-triage/internal/models"
)

// Retrying wraps a Client with API-level retries for transient provider
// errors. This is separate from the queue's job retry: a flaky provider
// response should not burn a whole job attempt.
type Retrying struct {
	inner    Client
	attempts int
	delay    time.Duration
	log      *zap.Logger
}

// NewRetrying builds the decorator. attempts counts retries after the
// first call; delay doubles per retry.
func NewRetrying(inner Client, attempts int, delay time.Duration, log *zap.Logger) *Retrying {
	if attempts < 0 {
		attempts = 0
	}
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &Retrying{inner: inner, attempts: attempts, delay: delay, log: log}
}

func (r *Retrying) ScoreEmail(ctx context.Context, email models.EmailMessage) (ScoreResponse, error) {
	var out ScoreResponse
	err := r.do(ctx, "score", func() error {
		var err error
		out, err = r.inner.ScoreEmail(ctx, email)
		return err
	})
	return out, err
}

func (r *Retrying) SummarizeThread(ctx context.Context, messages []models.EmailMessage) (SummaryResponse, error) {
	var out SummaryResponse
	err := r.do(ctx, "summarize", func() error {
		var err error
		out, err = r.inner.SummarizeThread(ctx, messages)
		return err
	})
	return out, err
}

func (r *Retrying) do(ctx context.Context, op string, call func() error) error {
	delay := r.delay
	var err error
	for attempt := 0; ; attempt++ {
		err = call()
		if err == nil {
			return nil
		}
		if attempt >= r.attempts || !errors.Is(err, models.ErrTransient) {
			return err
		}
		r.log.Debug("retrying ai call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
