package models

import "time"

// EmailMessage is the normalized record returned by the mail-fetch service.
type EmailMessage struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subject_id"`
	ThreadID   string    `json:"thread_id"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	Body       string    `json:"body,omitempty"`
	Labels     []string  `json:"labels,omitempty"`
	Important  bool      `json:"important"`
	Starred    bool      `json:"starred"`
	Unread     bool      `json:"unread"`
	ReceivedAt time.Time `json:"received_at"`
}

// Tier is the coarse priority bucket derived from a blended score.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// ScoringResult is produced per email per triage cycle. Reprocessing
// supersedes the previous row rather than appending.
type ScoringResult struct {
	EmailID    string    `json:"email_id"`
	SubjectID  string    `json:"subject_id"`
	RuleScore  float64   `json:"rule_score"`         // 0-100, always computed
	AIScore    *float64  `json:"ai_score,omitempty"` // 1-10, only when AI ran
	FinalScore float64   `json:"final_score"`        // blended
	Tier       Tier      `json:"tier"`
	Reasoning  string    `json:"reasoning,omitempty"`
	CostCents  int       `json:"cost_cents"`
	Error      string    `json:"error,omitempty"` // set when scoring degraded
	ScoredAt   time.Time `json:"scored_at"`
}

// ThreadSummary is the output of the summarization processor.
type ThreadSummary struct {
	ThreadID  string   `json:"thread_id"`
	SubjectID string   `json:"subject_id"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Fallback  bool     `json:"fallback"` // true when the AI call failed
}

// BatchResult reports one flushed triage batch. Partial failures are
// collected here instead of aborting sibling emails.
type BatchResult struct {
	Processed int          `json:"processed"`
	AIScored  int          `json:"ai_scored"`
	Errors    []BatchError `json:"errors,omitempty"`
}

// BatchError records one email's failure within a batch.
type BatchError struct {
	EmailID string `json:"email_id"`
	Stage   string `json:"stage"` // "scoring", "persist", "rules"
	Message string `json:"message"`
}
