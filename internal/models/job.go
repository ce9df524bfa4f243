package models

import (
	"fmt"
	"time"
)

// JobType enumerates the closed set of work the pool knows how to run.
type JobType string

const (
	JobEmailScoring       JobType = "email_scoring"
	JobEmailSummarization JobType = "email_summarization"
	JobWebhookProcessing  JobType = "webhook_processing"
)

// ValidJobType reports whether t is one of the registered job types.
func ValidJobType(t JobType) bool {
	switch t {
	case JobEmailScoring, JobEmailSummarization, JobWebhookProcessing:
		return true
	}
	return false
}

// JobStatus enumerates queue partitions. A job is in exactly one at a time.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusDeadLetter JobStatus = "dead_letter"
)

// DefaultPriority is assigned when the submitter does not pick one.
const DefaultPriority = 5

// JobPayload is the tagged union carried by a Job. Each job type has its
// own concrete payload; processors type-assert on it.
type JobPayload interface {
	JobType() JobType
	Validate() error
}

// ScoringPayload asks for one email to be scored now.
type ScoringPayload struct {
	EmailID string `json:"email_id"`
}

func (ScoringPayload) JobType() JobType { return JobEmailScoring }

func (p ScoringPayload) Validate() error {
	if p.EmailID == "" {
		return fmt.Errorf("%w: email_id is required", ErrValidation)
	}
	return nil
}

// SummarizationPayload asks for a thread summary over the given messages.
type SummarizationPayload struct {
	ThreadID   string   `json:"thread_id"`
	MessageIDs []string `json:"message_ids"`
}

func (SummarizationPayload) JobType() JobType { return JobEmailSummarization }

func (p SummarizationPayload) Validate() error {
	if p.ThreadID == "" {
		return fmt.Errorf("%w: thread_id is required", ErrValidation)
	}
	if len(p.MessageIDs) == 0 {
		return fmt.Errorf("%w: message_ids must not be empty", ErrValidation)
	}
	return nil
}

// WebhookPayload carries a batch of email ids from an inbound notification.
// It is expanded into individual scoring jobs rather than processed inline.
type WebhookPayload struct {
	HistoryID string   `json:"history_id"`
	EmailIDs  []string `json:"email_ids"`
}

func (WebhookPayload) JobType() JobType { return JobWebhookProcessing }

func (p WebhookPayload) Validate() error {
	if len(p.EmailIDs) == 0 {
		return fmt.Errorf("%w: email_ids must not be empty", ErrValidation)
	}
	return nil
}

// Job is one unit of asynchronous work. The queue owns it for its whole
// life; nothing outside the queue mutates it after enqueue.
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Payload     JobPayload `json:"payload"`
	Priority    int        `json:"priority"`
	SubjectID   string     `json:"subject_id"`
	Status      JobStatus  `json:"status"`
	Retries     int        `json:"retries"`
	MaxRetries  int        `json:"max_retries"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// QueueSnapshot is a derived, read-only view of the queue. Computed on
// demand, never persisted, no per-job detail.
type QueueSnapshot struct {
	Pending       int           `json:"pending"`
	Processing    int           `json:"processing"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	DeadLetter    int           `json:"dead_letter"`
	ErrorRate     float64       `json:"error_rate"`
	AvgProcessing time.Duration `json:"avg_processing"`
}

// WorkerRecord tracks one concurrent execution slot. Observability only,
// never consulted for correctness.
type WorkerRecord struct {
	ID         string     `json:"id"`
	JobType    JobType    `json:"job_type"`
	Active     bool       `json:"active"`
	Processed  int        `json:"processed"`
	Failed     int        `json:"failed"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
