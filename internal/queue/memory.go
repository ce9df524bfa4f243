// Package queue implements the in-process priority job queue. It is
// deliberately volatile: jobs do not survive a restart, and delivery is
// best-effort. Durable state (scores, rules, pending actions) lives in
// the store, never here.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"email-triage/internal/models"
)

// Option configures a Memory queue.
type Option func(*Memory)

// WithClock injects a time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(q *Memory) { q.now = now }
}

// WithIDGenerator injects the job id generator.
func WithIDGenerator(gen func() string) Option {
	return func(q *Memory) { q.newID = gen }
}

// Memory is the in-memory queue. All operations are mutex-guarded; Claim
// in particular is atomic so no two callers ever take the same job.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	newID func() string
	seq   uint64

	jobs      map[string]*models.Job
	pending   pendingHeap      // eligible, priority-ordered
	scheduled delayHeap        // future eligibility, time-ordered
	byID      map[string]*item // heap membership for O(log n) removal

	completedCount int
	failedCount    int // terminal failures, includes dead-letters
	procTotal      time.Duration
	procSamples    int
}

// NewMemory builds an empty queue.
func NewMemory(opts ...Option) *Memory {
	q := &Memory{
		now:   time.Now,
		newID: uuid.NewString,
		jobs:  make(map[string]*models.Job),
		byID:  make(map[string]*item),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue admits a job. Only the type is validated here; payload
// validation belongs to the submission layer. A zero priority takes the
// default; negative priorities are kept as given and sort below it.
// Returns the assigned id.
func (q *Memory) Enqueue(job models.Job) (string, error) {
	if !models.ValidJobType(job.Type) {
		return "", fmt.Errorf("%w: unknown job type %q", models.ErrValidation, job.Type)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	job.ID = q.newID()
	job.Status = models.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Priority == 0 {
		job.Priority = models.DefaultPriority
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}

	j := &job
	q.jobs[j.ID] = j
	q.push(j)
	return j.ID, nil
}

// push places a pending job on the heap matching its eligibility.
func (q *Memory) push(j *models.Job) {
	q.seq++
	it := &item{job: j, seq: q.seq}
	q.byID[j.ID] = it
	if j.ScheduledAt.After(q.now()) {
		it.delayed = true
		heap.Push(&q.scheduled, it)
	} else {
		heap.Push(&q.pending, it)
	}
}

// promote moves due scheduled jobs into the priority-ordered heap.
// Caller holds the lock.
func (q *Memory) promote(now time.Time) {
	for q.scheduled.nextDue(now) {
		it := heap.Pop(&q.scheduled).(*item)
		it.delayed = false
		heap.Push(&q.pending, it)
	}
}

// NextEligible returns the highest-priority pending job whose eligibility
// time has passed, without claiming it.
func (q *Memory) NextEligible() (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(q.now())
	if len(q.pending) == 0 {
		return models.Job{}, false
	}
	return *q.pending[0].job, true
}

// Claim moves a pending, eligible job to processing. Exactly one caller
// succeeds for a given id.
func (q *Memory) Claim(id string) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok || it.job.Status != models.StatusPending {
		return models.Job{}, false
	}
	now := q.now()
	if it.job.ScheduledAt.After(now) {
		return models.Job{}, false
	}
	q.removeFromHeaps(it)
	delete(q.byID, id)

	it.job.Status = models.StatusProcessing
	it.job.StartedAt = &now
	it.job.UpdatedAt = now
	return *it.job, true
}

// Defer pushes a pending job's eligibility forward without touching its
// retry counters. Used when the owning subject is over its rate quota.
func (q *Memory) Defer(id string, until time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok || it.job.Status != models.StatusPending {
		return false
	}
	q.removeFromHeaps(it)
	delete(q.byID, id)

	it.job.ScheduledAt = until
	it.job.UpdatedAt = q.now()
	q.push(it.job)
	return true
}

// Complete transitions processing -> completed and records the duration
// for the stats snapshot.
func (q *Memory) Complete(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return false
	}
	now := q.now()
	j.Status = models.StatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.Error = ""
	q.completedCount++
	if j.StartedAt != nil {
		q.procTotal += now.Sub(*j.StartedAt)
		q.procSamples++
	}
	return true
}

// RetryLater transitions processing -> pending with a new eligibility
// time, incrementing the retry counter. Returns the new count.
func (q *Memory) RetryLater(id, errMsg string, at time.Time) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return 0, false
	}
	j.Retries++
	j.Error = errMsg
	j.Status = models.StatusPending
	j.ScheduledAt = at
	j.UpdatedAt = q.now()
	q.push(j)
	return j.Retries, true
}

// Fail transitions processing -> failed. Terminal.
func (q *Memory) Fail(id, errMsg string) bool {
	return q.finish(id, errMsg, models.StatusFailed)
}

// DeadLetter transitions processing -> dead_letter, held for manual
// inspection and re-admission via Retry.
func (q *Memory) DeadLetter(id, errMsg string) bool {
	return q.finish(id, errMsg, models.StatusDeadLetter)
}

func (q *Memory) finish(id, errMsg string, status models.JobStatus) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return false
	}
	now := q.now()
	j.Status = status
	j.Error = errMsg
	j.FailedAt = &now
	j.UpdatedAt = now
	q.failedCount++
	return true
}

// Retry re-admits a failed or dead-lettered job with its retry counters
// reset. This is the documented drain path for the dead-letter partition.
func (q *Memory) Retry(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return false
	}
	if j.Status != models.StatusFailed && j.Status != models.StatusDeadLetter {
		return false
	}
	now := q.now()
	j.Status = models.StatusPending
	j.Retries = 0
	j.Error = ""
	j.FailedAt = nil
	j.ScheduledAt = now
	j.UpdatedAt = now
	q.push(j)
	return true
}

// Remove purges a job from any partition except processing: an in-flight
// execution cannot be cancelled.
func (q *Memory) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.Status == models.StatusProcessing {
		return false
	}
	if it, ok := q.byID[id]; ok {
		q.removeFromHeaps(it)
		delete(q.byID, id)
	}
	delete(q.jobs, id)
	return true
}

// Get returns a copy of the job.
func (q *Memory) Get(id string) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return *j, true
}

// DeadLetters lists the dead-letter partition.
func (q *Memory) DeadLetters() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.Job
	for _, j := range q.jobs {
		if j.Status == models.StatusDeadLetter {
			out = append(out, *j)
		}
	}
	return out
}

// Stats computes the snapshot on demand.
func (q *Memory) Stats() models.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s models.QueueSnapshot
	for _, j := range q.jobs {
		switch j.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusProcessing:
			s.Processing++
		case models.StatusCompleted:
			s.Completed++
		case models.StatusFailed:
			s.Failed++
		case models.StatusDeadLetter:
			s.DeadLetter++
		}
	}
	if total := q.completedCount + q.failedCount; total > 0 {
		s.ErrorRate = float64(q.failedCount) / float64(total)
	}
	if q.procSamples > 0 {
		s.AvgProcessing = q.procTotal / time.Duration(q.procSamples)
	}
	return s
}

func (q *Memory) removeFromHeaps(it *item) {
	if it.index < 0 {
		return
	}
	if it.delayed {
		heap.Remove(&q.scheduled, it.index)
	} else {
		heap.Remove(&q.pending, it.index)
	}
}
