package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"email-triage/internal/ai"
	"email-triage/internal/config"
	"email-triage/internal/mail"
	"email-triage/internal/models"
	"email-triage/internal/telemetry"
	"email-triage/internal/triage"
)

// ScoringHandler processes one email_scoring job: fetch, rule-score,
// AI-score under the budget gate, blend, persist.
type ScoringHandler struct {
	cfg    config.Config
	mail   mail.Fetcher
	aic    ai.Client
	scorer *triage.RuleScorer
	budget triage.Budget
	store  triage.ScoreStore
	log    *zap.Logger
	now    func() time.Time
}

// NewScoringHandler wires the processor. aic should already carry its
// own API-level retry.
func NewScoringHandler(cfg config.Config, fetcher mail.Fetcher, aic ai.Client, scorer *triage.RuleScorer, budget triage.Budget, store triage.ScoreStore, log *zap.Logger) *ScoringHandler {
	return &ScoringHandler{
		cfg:    cfg,
		mail:   fetcher,
		aic:    aic,
		scorer: scorer,
		budget: budget,
		store:  store,
		log:    log,
		now:    time.Now,
	}
}

func (h *ScoringHandler) Handle(ctx context.Context, job models.Job) error {
	payload, ok := job.Payload.(models.ScoringPayload)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T for scoring job", models.ErrValidation, job.Payload)
	}

	email, err := h.mail.GetEmail(ctx, job.SubjectID, payload.EmailID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Missing or not owned by the subject: structured failure,
			// no point retrying.
			return fmt.Errorf("%w: email %s not found for subject %s", models.ErrValidation, payload.EmailID, job.SubjectID)
		}
		return fmt.Errorf("fetch email %s: %w", payload.EmailID, err)
	}

	ruleScore, reasons := h.scorer.Score(email)
	result := models.ScoringResult{
		EmailID:   email.ID,
		SubjectID: email.SubjectID,
		RuleScore: ruleScore,
		Reasoning: strings.Join(reasons, "; "),
		ScoredAt:  h.now(),
	}

	t := h.cfg.Triage
	if ruleScore >= t.AIThreshold && t.CostPerCallCents <= t.MaxCostPerEmail {
		granted, err := h.budget.Reserve(ctx, job.SubjectID, 1, t.CostPerCallCents, t.CostBudgetCents)
		switch {
		case err != nil:
			h.log.Warn("budget reserve failed, scoring rule-only", zap.String("email_id", email.ID), zap.Error(err))
		case granted == 1:
			telemetry.AICalls.Inc()
			resp, err := h.aic.ScoreEmail(ctx, email)
			if err != nil {
				result.Error = fmt.Sprintf("ai scoring degraded: %v", err)
				h.log.Warn("ai scoring failed", zap.String("email_id", email.ID), zap.Error(err))
			} else {
				score := resp.Score
				result.AIScore = &score
				result.CostCents = t.CostPerCallCents
				if resp.Reasoning != "" {
					result.Reasoning = strings.TrimPrefix(result.Reasoning+"; ai: "+resp.Reasoning, "; ")
				}
			}
		default:
			telemetry.BudgetDemotions.Inc()
		}
	}

	result.FinalScore = triage.Blend(result.RuleScore, result.AIScore, h.cfg)
	result.Tier = triage.TierFor(result.FinalScore, t)

	if err := h.store.UpsertScore(ctx, result, email); err != nil {
		// Scored but not persisted: partial success, distinct from unscored.
		// The upsert on the next triage cycle heals the row.
		h.log.Error("score persisted failed after successful scoring",
			zap.String("email_id", email.ID),
			zap.Error(err),
		)
	}
	return nil
}
