// Package rules evaluates user-defined trigger/action automations against
// scored emails. Actions never call external services directly: they
// mutate persisted state, append pending-action rows, or emit events, so
// re-applying a rule to the same scored state stays idempotent.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"email-triage/internal/config"
	"email-triage/internal/events"
	"email-triage/internal/models"
	"email-triage/internal/telemetry"
)

// Store is the persistence surface the engine consumes.
type Store interface {
	ListRules(ctx context.Context, subjectID string) ([]models.AutomationRule, error)
	CreateRule(ctx context.Context, r models.AutomationRule) (string, error)
	UpdateRule(ctx context.Context, r models.AutomationRule) error
	DeleteRule(ctx context.Context, subjectID, ruleID string) error
	IncrementRuleExecutions(ctx context.Context, ruleID string) error
	AppendRuleExecution(ctx context.Context, ex models.RuleExecution) error
	AppendPendingAction(ctx context.Context, pa models.PendingAction) error
	SetFeedPriority(ctx context.Context, subjectID, emailID string, priority int) error
	SetFeedTier(ctx context.Context, subjectID, emailID string, tier models.Tier) error
	SetFeedFlag(ctx context.Context, subjectID, emailID, flag string, value bool) error
	AddFeedLabel(ctx context.Context, subjectID, emailID, label string) error
}

// Engine loads, caches, and applies automation rules.
type Engine struct {
	store  Store
	cache  *ttlCache
	events events.Broadcaster
	log    *zap.Logger
	now    func() time.Time
}

// NewEngine builds the engine with the configured cache TTL.
func NewEngine(cfg config.Config, store Store, bc events.Broadcaster, log *zap.Logger) *Engine {
	now := time.Now
	return &Engine{
		store:  store,
		cache:  newTTLCache(cfg.Triage.RulesCacheTTL, now),
		events: bc,
		log:    log,
		now:    now,
	}
}

// LoadRules returns the subject's rules, validated, in execution order.
// Rules that fail load-time validation come back disabled so evaluation
// never sees a malformed trigger or action.
func (e *Engine) LoadRules(ctx context.Context, subjectID string) ([]models.AutomationRule, error) {
	if cached, ok := e.cache.get(subjectID); ok {
		return cached, nil
	}

	loaded, err := e.store.ListRules(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", subjectID, err)
	}
	for i := range loaded {
		if !loaded[i].Enabled {
			continue
		}
		if err := loaded[i].Validate(); err != nil {
			e.log.Warn("disabling malformed rule",
				zap.String("rule_id", loaded[i].ID),
				zap.String("subject_id", subjectID),
				zap.Error(err),
			)
			loaded[i].Enabled = false
		}
	}
	e.cache.set(subjectID, loaded)
	return loaded, nil
}

// Invalidate drops the subject's cached rule set.
func (e *Engine) Invalidate(subjectID string) {
	e.cache.invalidate(subjectID)
}

// SweepCache drops expired cache entries; run on a schedule.
func (e *Engine) SweepCache() {
	e.cache.sweep()
}

// CreateRule validates, persists, and invalidates the cache.
func (e *Engine) CreateRule(ctx context.Context, r models.AutomationRule) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	id, err := e.store.CreateRule(ctx, r)
	if err != nil {
		return "", err
	}
	e.cache.invalidate(r.SubjectID)
	return id, nil
}

// UpdateRule validates, persists, and invalidates the cache.
func (e *Engine) UpdateRule(ctx context.Context, r models.AutomationRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return err
	}
	e.cache.invalidate(r.SubjectID)
	return nil
}

// DeleteRule removes a rule and invalidates the cache. The store scopes
// the delete by subject, so another subject's rule id is not found.
func (e *Engine) DeleteRule(ctx context.Context, subjectID, ruleID string) error {
	if err := e.store.DeleteRule(ctx, subjectID, ruleID); err != nil {
		return err
	}
	e.cache.invalidate(subjectID)
	return nil
}

// ApplyRules evaluates every enabled rule in priority order. All matching
// rules fire; one rule's failure never blocks the next. Returns the
// execution log entries. The error is non-nil only when rules could not
// be loaded at all.
func (e *Engine) ApplyRules(ctx context.Context, email models.EmailMessage, result models.ScoringResult) ([]models.RuleExecution, error) {
	loaded, err := e.LoadRules(ctx, email.SubjectID)
	if err != nil {
		return nil, err
	}

	var executions []models.RuleExecution
	for _, r := range loaded {
		if !r.Enabled {
			continue
		}
		match, err := matches(r, email, result)
		if err != nil {
			e.log.Warn("trigger evaluation failed", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		if !match {
			continue
		}

		ex := models.RuleExecution{
			RuleID:    r.ID,
			SubjectID: email.SubjectID,
			EmailID:   email.ID,
			Action:    fmt.Sprintf("%s:%s", r.ActionType, r.ActionValue),
			Succeeded: true,
			RanAt:     e.now(),
		}
		if err := e.execute(ctx, r, email); err != nil {
			ex.Succeeded = false
			ex.Detail = err.Error()
			e.log.Warn("rule action failed",
				zap.String("rule_id", r.ID),
				zap.String("email_id", email.ID),
				zap.Error(err),
			)
		} else {
			telemetry.RuleExecutions.Inc()
			if err := e.store.IncrementRuleExecutions(ctx, r.ID); err != nil {
				e.log.Warn("increment rule executions", zap.String("rule_id", r.ID), zap.Error(err))
			}
		}
		if err := e.store.AppendRuleExecution(ctx, ex); err != nil {
			e.log.Warn("append rule execution", zap.String("rule_id", r.ID), zap.Error(err))
		}
		e.events.Publish(ctx, models.Event{
			Kind:      models.EventRuleExecuted,
			SubjectID: email.SubjectID,
			Data: map[string]any{
				"rule_id":   r.ID,
				"email_id":  email.ID,
				"action":    ex.Action,
				"succeeded": ex.Succeeded,
			},
			At: e.now(),
		})
		executions = append(executions, ex)
	}
	return executions, nil
}

// matches is the pure trigger predicate over the scored email record.
func matches(r models.AutomationRule, email models.EmailMessage, result models.ScoringResult) (bool, error) {
	switch r.TriggerField {
	case models.FieldSender, models.FieldSubject, models.FieldBody, models.FieldTier:
		var field string
		switch r.TriggerField {
		case models.FieldSender:
			field = email.Sender
		case models.FieldSubject:
			field = email.Subject
		case models.FieldBody:
			field = email.Body
		case models.FieldTier:
			field = string(result.Tier)
		}
		return matchText(r.Operator, field, r.TriggerValue)
	case models.FieldFinalScore:
		want, err := strconv.ParseFloat(r.TriggerValue, 64)
		if err != nil {
			return false, fmt.Errorf("parse trigger value: %w", err)
		}
		switch r.Operator {
		case models.OpEquals:
			return result.FinalScore == want, nil
		case models.OpGreaterThan:
			return result.FinalScore > want, nil
		case models.OpLessThan:
			return result.FinalScore < want, nil
		}
		return false, fmt.Errorf("operator %q not valid for numeric field", r.Operator)
	case models.FieldImportant, models.FieldStarred, models.FieldUnread:
		want, err := strconv.ParseBool(r.TriggerValue)
		if err != nil {
			return false, fmt.Errorf("parse trigger value: %w", err)
		}
		var have bool
		switch r.TriggerField {
		case models.FieldImportant:
			have = email.Important
		case models.FieldStarred:
			have = email.Starred
		case models.FieldUnread:
			have = email.Unread
		}
		return have == want, nil
	}
	return false, fmt.Errorf("unknown trigger field %q", r.TriggerField)
}

func matchText(op models.Operator, field, value string) (bool, error) {
	switch op {
	case models.OpEquals:
		return strings.EqualFold(field, value), nil
	case models.OpContains:
		return strings.Contains(strings.ToLower(field), strings.ToLower(value)), nil
	case models.OpRegex:
		re, err := regexp.Compile(value)
		if err != nil {
			return false, fmt.Errorf("compile trigger regex: %w", err)
		}
		return re.MatchString(field), nil
	}
	return false, fmt.Errorf("operator %q not valid for text field", op)
}

// execute carries out the rule's action. Mutations go through the store;
// out-of-band effects become pending-action rows; notify emits an event.
func (e *Engine) execute(ctx context.Context, r models.AutomationRule, email models.EmailMessage) error {
	switch r.ActionType {
	case models.ActionSetPriority:
		p, err := strconv.Atoi(r.ActionValue)
		if err != nil {
			return fmt.Errorf("parse priority: %w", err)
		}
		return e.store.SetFeedPriority(ctx, email.SubjectID, email.ID, p)
	case models.ActionSetTier:
		return e.store.SetFeedTier(ctx, email.SubjectID, email.ID, models.Tier(r.ActionValue))
	case models.ActionMarkRead:
		return e.store.SetFeedFlag(ctx, email.SubjectID, email.ID, "unread", false)
	case models.ActionArchive:
		return e.store.SetFeedFlag(ctx, email.SubjectID, email.ID, "archived", true)
	case models.ActionStar:
		return e.store.SetFeedFlag(ctx, email.SubjectID, email.ID, "starred", true)
	case models.ActionAddLabel:
		return e.store.AddFeedLabel(ctx, email.SubjectID, email.ID, r.ActionValue)
	case models.ActionForwardTo:
		return e.store.AppendPendingAction(ctx, models.PendingAction{
			SubjectID:  email.SubjectID,
			RuleID:     r.ID,
			EmailID:    email.ID,
			ActionType: r.ActionType,
			Value:      r.ActionValue,
			CreatedAt:  e.now(),
		})
	case models.ActionNotify:
		e.events.Publish(ctx, models.Event{
			Kind:      models.EventRuleExecuted,
			SubjectID: email.SubjectID,
			Data: map[string]any{
				"notification": r.ActionValue,
				"email_id":     email.ID,
				"rule_id":      r.ID,
			},
			At: e.now(),
		})
		return nil
	}
	return fmt.Errorf("%w: unknown action type %q", models.ErrConfiguration, r.ActionType)
}
