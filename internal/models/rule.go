package models

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// TriggerField names the scored-email attribute a rule inspects.
type TriggerField string

const (
	FieldSender     TriggerField = "sender"
	FieldSubject    TriggerField = "subject"
	FieldBody       TriggerField = "body"
	FieldFinalScore TriggerField = "final_score"
	FieldTier       TriggerField = "tier"
	FieldImportant  TriggerField = "important"
	FieldStarred    TriggerField = "starred"
	FieldUnread     TriggerField = "unread"
)

// Operator compares a trigger field against the rule's value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIs          Operator = "is" // boolean equality
)

// ActionType names the effect a matched rule has. Mutating actions update
// persisted state directly; forward-like actions append a pending-action
// row for an out-of-band executor; notify emits an event.
type ActionType string

const (
	ActionSetPriority ActionType = "set_priority"
	ActionSetTier     ActionType = "set_tier"
	ActionMarkRead    ActionType = "mark_read"
	ActionArchive     ActionType = "archive"
	ActionStar        ActionType = "star"
	ActionAddLabel    ActionType = "add_label"
	ActionForwardTo   ActionType = "forward_to"
	ActionNotify      ActionType = "notify"
)

// AutomationRule is a user-owned trigger/action automation. Read-mostly;
// cached per subject and invalidated on any mutation.
type AutomationRule struct {
	ID           string       `json:"id"`
	SubjectID    string       `json:"subject_id"`
	Name         string       `json:"name"`
	TriggerField TriggerField `json:"trigger_field"`
	Operator     Operator     `json:"operator"`
	TriggerValue string       `json:"trigger_value"`
	ActionType   ActionType   `json:"action_type"`
	ActionValue  string       `json:"action_value"`
	Priority     int          `json:"priority"` // ascending execution order
	Enabled      bool         `json:"enabled"`
	Executions   int64        `json:"executions"`
	LastRunAt    *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Validate rejects rules whose trigger or action cannot be evaluated.
// Runs at load time so evaluation never sees a malformed rule.
func (r AutomationRule) Validate() error {
	switch r.TriggerField {
	case FieldSender, FieldSubject, FieldBody, FieldTier:
		switch r.Operator {
		case OpEquals, OpContains, OpRegex:
		default:
			return fmt.Errorf("%w: operator %q not valid for text field %q", ErrValidation, r.Operator, r.TriggerField)
		}
		if r.Operator == OpRegex {
			if _, err := regexp.Compile(r.TriggerValue); err != nil {
				return fmt.Errorf("%w: bad trigger regex: %v", ErrValidation, err)
			}
		}
	case FieldFinalScore:
		switch r.Operator {
		case OpEquals, OpGreaterThan, OpLessThan:
		default:
			return fmt.Errorf("%w: operator %q not valid for numeric field", ErrValidation, r.Operator)
		}
		if _, err := strconv.ParseFloat(r.TriggerValue, 64); err != nil {
			return fmt.Errorf("%w: trigger value %q is not numeric", ErrValidation, r.TriggerValue)
		}
	case FieldImportant, FieldStarred, FieldUnread:
		if r.Operator != OpIs && r.Operator != OpEquals {
			return fmt.Errorf("%w: operator %q not valid for boolean field", ErrValidation, r.Operator)
		}
		if _, err := strconv.ParseBool(r.TriggerValue); err != nil {
			return fmt.Errorf("%w: trigger value %q is not boolean", ErrValidation, r.TriggerValue)
		}
	default:
		return fmt.Errorf("%w: unknown trigger field %q", ErrValidation, r.TriggerField)
	}

	switch r.ActionType {
	case ActionSetPriority:
		if _, err := strconv.Atoi(r.ActionValue); err != nil {
			return fmt.Errorf("%w: set_priority value %q is not an integer", ErrValidation, r.ActionValue)
		}
	case ActionSetTier:
		switch Tier(r.ActionValue) {
		case TierHigh, TierMedium, TierLow:
		default:
			return fmt.Errorf("%w: set_tier value %q is not a tier", ErrValidation, r.ActionValue)
		}
	case ActionForwardTo, ActionAddLabel:
		if r.ActionValue == "" {
			return fmt.Errorf("%w: action %q requires a value", ErrValidation, r.ActionType)
		}
	case ActionMarkRead, ActionArchive, ActionStar, ActionNotify:
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrValidation, r.ActionType)
	}
	return nil
}

// PendingAction is an append-only row for out-of-band effects (forwarding,
// labeling through the provider). Keeps rule application synchronous and
// re-application idempotent: the executor dedupes on (rule, email).
type PendingAction struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subject_id"`
	RuleID     string     `json:"rule_id"`
	EmailID    string     `json:"email_id"`
	ActionType ActionType `json:"action_type"`
	Value      string     `json:"value"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RuleExecution is the observability log of one rule firing.
type RuleExecution struct {
	RuleID    string    `json:"rule_id"`
	SubjectID string    `json:"subject_id"`
	EmailID   string    `json:"email_id"`
	Action    string    `json:"action"`
	Succeeded bool      `json:"succeeded"`
	Detail    string    `json:"detail,omitempty"`
	RanAt     time.Time `json:"ran_at"`
}
