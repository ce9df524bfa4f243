// Package triage implements the batch auto-processor: emails accumulate
// into short batches, get rule-scored, a budget-bounded subset gets AI
// scoring, and the blended result is persisted and run through the
// subject's automation rules.
package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"email-triage/internal/ai"
	"email-triage/internal/config"
	"email-triage/internal/events"
	"email-triage/internal/models"
	"email-triage/internal/telemetry"
)

// ScoreStore persists one email's score plus its feed projection.
type ScoreStore interface {
	UpsertScore(ctx context.Context, res models.ScoringResult, email models.EmailMessage) error
}

// Budget grants a bounded number of AI calls against the daily allowance.
type Budget interface {
	Reserve(ctx context.Context, subjectID string, requested, costPerCall, budgetCents int) (int, error)
}

// RuleApplier runs the subject's automation rules over a scored email.
type RuleApplier interface {
	ApplyRules(ctx context.Context, email models.EmailMessage, result models.ScoringResult) ([]models.RuleExecution, error)
}

// Pipeline is the micro-batching auto-processor. One Run loop owns the
// batch buffer; Add hands emails to it.
type Pipeline struct {
	cfg    config.Config
	scorer *RuleScorer
	aic    ai.Client
	budget Budget
	store  ScoreStore
	rules  RuleApplier
	events events.Broadcaster
	log    *zap.Logger
	now    func() time.Time

	in chan models.EmailMessage
}

// NewPipeline wires the auto-processor.
func NewPipeline(cfg config.Config, scorer *RuleScorer, aic ai.Client, budget Budget, store ScoreStore, rules RuleApplier, bc events.Broadcaster, log *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		scorer: scorer,
		aic:    aic,
		budget: budget,
		store:  store,
		rules:  rules,
		events: bc,
		log:    log,
		now:    time.Now,
		in:     make(chan models.EmailMessage, cfg.Triage.MaxBatchSize*4),
	}
}

// WithClock injects a time source for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Add queues an email for the next batch. It blocks only when the buffer
// is full, providing backpressure to the ingestion path.
func (p *Pipeline) Add(ctx context.Context, email models.EmailMessage) error {
	select {
	case p.in <- email:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("triage pipeline unavailable: %w", ctx.Err())
	}
}

// Run drives micro-batching until the context is cancelled: a batch
// flushes when it reaches MaxBatchSize or when MaxWaitTime elapses,
// whichever comes first. A final partial batch is flushed on shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	var batch []models.EmailMessage
	timer := time.NewTimer(p.cfg.Triage.MaxWaitTime)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		res := p.ProcessBatch(ctx, batch)
		p.log.Info("batch flushed",
			zap.Int("size", len(batch)),
			zap.Int("processed", res.Processed),
			zap.Int("ai_scored", res.AIScored),
			zap.Int("errors", len(res.Errors)),
		)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			// The run context is already cancelled here; flushing with it
			// would fail every store write and drop the batch. The final
			// flush gets its own bounded context instead.
			flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Triage.MaxWaitTime)
			flush(flushCtx)
			cancel()
			return ctx.Err()
		case email := <-p.in:
			batch = append(batch, email)
			if len(batch) >= p.cfg.Triage.MaxBatchSize {
				flush(ctx)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.Triage.MaxWaitTime)
			}
		case <-timer.C:
			flush(ctx)
			timer.Reset(p.cfg.Triage.MaxWaitTime)
		}
	}
}

// working carries one email through the batch phases.
type working struct {
	email  models.EmailMessage
	result models.ScoringResult
}

// ProcessBatch runs the four phases over one batch. Per-email failures
// are collected in the result; nothing here aborts sibling emails.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch []models.EmailMessage) models.BatchResult {
	telemetry.BatchFlushes.Inc()
	out := models.BatchResult{}
	if len(batch) == 0 {
		return out
	}

	// Phase 1: rule scoring, always runs, arrival order.
	items := make([]*working, 0, len(batch))
	for _, email := range batch {
		score, reasons := p.scorer.Score(email)
		items = append(items, &working{
			email: email,
			result: models.ScoringResult{
				EmailID:   email.ID,
				SubjectID: email.SubjectID,
				RuleScore: score,
				Reasoning: strings.Join(reasons, "; "),
			},
		})
	}

	// Phase 2: AI scoring for budget-granted candidates.
	p.scoreCandidates(ctx, items)

	// Phases 3 and 4 per email, isolated.
	for _, it := range items {
		if err := p.finalize(ctx, it, &out); err != nil {
			continue
		}
		out.Processed++
		if it.result.AIScore != nil {
			out.AIScored++
		}
	}

	p.events.Publish(ctx, models.Event{
		Kind: models.EventBatchCompleted,
		Data: map[string]any{
			"size":      len(batch),
			"processed": out.Processed,
			"ai_scored": out.AIScored,
			"errors":    len(out.Errors),
		},
		At: p.now(),
	})
	return out
}

// scoreCandidates picks emails at or above the AI threshold, reserves
// budget per subject, and AI-scores the granted head of each subject's
// candidate list. Everything beyond the grant is silently demoted to
// rule-only scoring; AI failures degrade the same way.
func (p *Pipeline) scoreCandidates(ctx context.Context, items []*working) {
	t := p.cfg.Triage
	if t.CostPerCallCents > t.MaxCostPerEmail {
		// A single call would exceed the per-email ceiling; never issue it.
		return
	}

	bySubject := make(map[string][]*working)
	var order []string
	for _, it := range items {
		if it.result.RuleScore < t.AIThreshold {
			continue
		}
		if _, seen := bySubject[it.email.SubjectID]; !seen {
			order = append(order, it.email.SubjectID)
		}
		bySubject[it.email.SubjectID] = append(bySubject[it.email.SubjectID], it)
	}

	for _, subjectID := range order {
		candidates := bySubject[subjectID]
		granted, err := p.budget.Reserve(ctx, subjectID, len(candidates), t.CostPerCallCents, t.CostBudgetCents)
		if err != nil {
			// Budget store down: degrade to rule-only rather than spend blind.
			p.log.Warn("budget reserve failed", zap.String("subject_id", subjectID), zap.Error(err))
			continue
		}
		if demoted := len(candidates) - granted; demoted > 0 {
			telemetry.BudgetDemotions.Add(float64(demoted))
		}
		for _, it := range candidates[:granted] {
			telemetry.AICalls.Inc()
			resp, err := p.aic.ScoreEmail(ctx, it.email)
			if err != nil {
				it.result.Error = fmt.Sprintf("ai scoring degraded: %v", err)
				p.log.Warn("ai scoring failed",
					zap.String("email_id", it.email.ID),
					zap.Error(err),
				)
				continue
			}
			score := resp.Score
			it.result.AIScore = &score
			it.result.CostCents = t.CostPerCallCents
			if resp.Reasoning != "" {
				it.result.Reasoning = strings.TrimPrefix(it.result.Reasoning+"; ai: "+resp.Reasoning, "; ")
			}
		}
	}
}

// finalize blends, persists, and applies rules for one email. Returns a
// non-nil error only when the email could not be persisted; rule errors
// are recorded but do not fail the email.
func (p *Pipeline) finalize(ctx context.Context, it *working, out *models.BatchResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			out.Errors = append(out.Errors, models.BatchError{
				EmailID: it.email.ID,
				Stage:   "scoring",
				Message: err.Error(),
			})
		}
	}()

	it.result.FinalScore = Blend(it.result.RuleScore, it.result.AIScore, p.cfg)
	it.result.Tier = TierFor(it.result.FinalScore, p.cfg.Triage)
	it.result.ScoredAt = p.now()

	if err := p.store.UpsertScore(ctx, it.result, it.email); err != nil {
		// Scored but not persisted is a distinct failure mode from unscored.
		out.Errors = append(out.Errors, models.BatchError{
			EmailID: it.email.ID,
			Stage:   "persist",
			Message: err.Error(),
		})
		return err
	}

	if _, err := p.rules.ApplyRules(ctx, it.email, it.result); err != nil {
		out.Errors = append(out.Errors, models.BatchError{
			EmailID: it.email.ID,
			Stage:   "rules",
			Message: err.Error(),
		})
	}
	return nil
}
