// Package store is the Postgres adapter behind the core's persistence
// interfaces: scores, the denormalized feed projection, automation rules,
// their execution log, and pending actions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"email-triage/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertScore writes the score row and the denormalized feed projection
// in one transaction. Reprocessing supersedes the previous row; upsert
// semantics make retried jobs idempotent.
func (s *Store) UpsertScore(ctx context.Context, res models.ScoringResult, email models.EmailMessage) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO email_scores (email_id, subject_id, rule_score, ai_score, final_score, tier, reasoning, cost_cents, error, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (email_id) DO UPDATE SET
			rule_score = EXCLUDED.rule_score,
			ai_score = EXCLUDED.ai_score,
			final_score = EXCLUDED.final_score,
			tier = EXCLUDED.tier,
			reasoning = EXCLUDED.reasoning,
			cost_cents = EXCLUDED.cost_cents,
			error = EXCLUDED.error,
			scored_at = EXCLUDED.scored_at
	`, res.EmailID, res.SubjectID, res.RuleScore, res.AIScore, res.FinalScore, res.Tier, res.Reasoning, res.CostCents, res.Error, res.ScoredAt)
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO feed_entries (email_id, subject_id, sender, subject, snippet, tier, final_score, unread, starred, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (email_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			final_score = EXCLUDED.final_score,
			updated_at = NOW()
	`, res.EmailID, res.SubjectID, email.Sender, email.Subject, email.Snippet, res.Tier, res.FinalScore, email.Unread, email.Starred, email.ReceivedAt)
	if err != nil {
		return fmt.Errorf("upsert feed entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetScore fetches the current score for an email.
func (s *Store) GetScore(ctx context.Context, emailID string) (models.ScoringResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT email_id, subject_id, rule_score, ai_score, final_score, tier, reasoning, cost_cents, error, scored_at
		FROM email_scores WHERE email_id = $1
	`, emailID)

	var res models.ScoringResult
	var aiScore pgtype.Float8
	if err := row.Scan(&res.EmailID, &res.SubjectID, &res.RuleScore, &aiScore, &res.FinalScore, &res.Tier, &res.Reasoning, &res.CostCents, &res.Error, &res.ScoredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ScoringResult{}, models.ErrNotFound
		}
		return models.ScoringResult{}, fmt.Errorf("scan score: %w", err)
	}
	if aiScore.Valid {
		res.AIScore = &aiScore.Float64
	}
	return res, nil
}

// UpsertSummary stores a thread summary, superseding any previous one.
func (s *Store) UpsertSummary(ctx context.Context, sum models.ThreadSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO thread_summaries (thread_id, subject_id, summary, key_points, fallback, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (thread_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			key_points = EXCLUDED.key_points,
			fallback = EXCLUDED.fallback,
			updated_at = NOW()
	`, sum.ThreadID, sum.SubjectID, sum.Summary, sum.KeyPoints, sum.Fallback)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// ListRules returns a subject's rules ordered by priority, ties broken by
// insertion order.
func (s *Store) ListRules(ctx context.Context, subjectID string) ([]models.AutomationRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_id, name, trigger_field, operator, trigger_value, action_type, action_value,
		       priority, enabled, executions, last_run_at, created_at, updated_at
		FROM automation_rules
		WHERE subject_id = $1
		ORDER BY priority ASC, created_at ASC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationRule
	for rows.Next() {
		var r models.AutomationRule
		var lastRun pgtype.Timestamptz
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.Name, &r.TriggerField, &r.Operator, &r.TriggerValue,
			&r.ActionType, &r.ActionValue, &r.Priority, &r.Enabled, &r.Executions, &lastRun, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if lastRun.Valid {
			t := lastRun.Time
			r.LastRunAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRule inserts a rule and returns its id.
func (s *Store) CreateRule(ctx context.Context, r models.AutomationRule) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_rules (id, subject_id, name, trigger_field, operator, trigger_value, action_type, action_value, priority, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, id, r.SubjectID, r.Name, r.TriggerField, r.Operator, r.TriggerValue, r.ActionType, r.ActionValue, r.Priority, r.Enabled)
	if err != nil {
		return "", fmt.Errorf("insert rule: %w", err)
	}
	return id, nil
}

// UpdateRule rewrites a rule's trigger/action fields. The subject id is
// part of the key: a rule owned by another subject is not found.
func (s *Store) UpdateRule(ctx context.Context, r models.AutomationRule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_rules
		SET name = $3, trigger_field = $4, operator = $5, trigger_value = $6,
		    action_type = $7, action_value = $8, priority = $9, enabled = $10, updated_at = NOW()
		WHERE id = $1 AND subject_id = $2
	`, r.ID, r.SubjectID, r.Name, r.TriggerField, r.Operator, r.TriggerValue, r.ActionType, r.ActionValue, r.Priority, r.Enabled)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteRule removes a subject's rule. Cross-subject ids are not found.
func (s *Store) DeleteRule(ctx context.Context, subjectID, ruleID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM automation_rules WHERE id = $1 AND subject_id = $2`, ruleID, subjectID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// IncrementRuleExecutions bumps the rule's counters after a firing.
func (s *Store) IncrementRuleExecutions(ctx context.Context, ruleID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_rules SET executions = executions + 1, last_run_at = NOW() WHERE id = $1
	`, ruleID)
	return err
}

// AppendRuleExecution logs one rule firing.
func (s *Store) AppendRuleExecution(ctx context.Context, ex models.RuleExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_executions (rule_id, subject_id, email_id, action, succeeded, detail, ran_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ex.RuleID, ex.SubjectID, ex.EmailID, ex.Action, ex.Succeeded, ex.Detail, ex.RanAt)
	return err
}

// AppendPendingAction records an out-of-band effect. The unique key on
// (rule, email, action) makes re-application a no-op, so retrying a batch
// never duplicates externally-visible effects like forwards.
func (s *Store) AppendPendingAction(ctx context.Context, pa models.PendingAction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_actions (id, subject_id, rule_id, email_id, action_type, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id, email_id, action_type) DO NOTHING
	`, uuid.New().String(), pa.SubjectID, pa.RuleID, pa.EmailID, pa.ActionType, pa.Value, pa.CreatedAt)
	return err
}

// SetFeedPriority applies a set_priority rule action to the feed row.
func (s *Store) SetFeedPriority(ctx context.Context, subjectID, emailID string, priority int) error {
	return s.updateFeed(ctx, subjectID, emailID, `priority = $3`, priority)
}

// SetFeedTier overrides the tier on the feed row.
func (s *Store) SetFeedTier(ctx context.Context, subjectID, emailID string, tier models.Tier) error {
	return s.updateFeed(ctx, subjectID, emailID, `tier = $3`, string(tier))
}

// SetFeedFlag flips one of the boolean feed columns.
func (s *Store) SetFeedFlag(ctx context.Context, subjectID, emailID, flag string, value bool) error {
	switch flag {
	case "unread", "starred", "archived":
	default:
		return fmt.Errorf("%w: unknown feed flag %q", models.ErrValidation, flag)
	}
	return s.updateFeed(ctx, subjectID, emailID, flag+` = $3`, value)
}

// AddFeedLabel appends a label if not already present.
func (s *Store) AddFeedLabel(ctx context.Context, subjectID, emailID, label string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE feed_entries
		SET labels = array_append(labels, $3), updated_at = NOW()
		WHERE email_id = $1 AND subject_id = $2 AND NOT ($3 = ANY(labels))
	`, emailID, subjectID, label)
	if err != nil {
		return fmt.Errorf("add feed label: %w", err)
	}
	_ = tag // already-present label is not an error
	return nil
}

func (s *Store) updateFeed(ctx context.Context, subjectID, emailID, set string, value any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE feed_entries SET `+set+`, updated_at = NOW() WHERE email_id = $1 AND subject_id = $2`,
		emailID, subjectID, value)
	if err != nil {
		return fmt.Errorf("update feed entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Ping verifies connectivity for the liveness probe.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
