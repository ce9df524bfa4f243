package models

import "time"

// EventKind names a domain event broadcast for UI consumers.
type EventKind string

const (
	EventJobCompleted    EventKind = "job_completed"
	EventJobDeadLettered EventKind = "job_dead_lettered"
	EventBatchCompleted  EventKind = "batch_completed"
	EventRuleExecuted    EventKind = "rule_executed"
	EventBudgetRollover  EventKind = "budget_rollover"
)

// Event is the fire-and-forget record handed to the broadcaster. The
// concrete transport (pub/sub, log) lives outside the core.
type Event struct {
	Kind      EventKind      `json:"kind"`
	SubjectID string         `json:"subject_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}
