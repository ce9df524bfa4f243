// Package worker turns queued jobs into execution, bounded by the
// concurrency gate and per-subject rate limits, with retry, backoff, and
// dead-lettering on failure.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"email-triage/internal/config"
	"email-triage/internal/events"
	"email-triage/internal/models"
	"email-triage/internal/queue"
	"email-triage/internal/ratelimit"
	"email-triage/internal/telemetry"
)

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Pool is the scheduler: it polls the queue on a tick (or a wake signal
// from Submit), admits jobs through the concurrency and rate-limit
// gates, and dispatches each claimed job to its registered handler.
type Pool struct {
	cfg      config.Config
	queue    *queue.Memory
	limiter  *ratelimit.Window
	sem      *semaphore.Weighted
	handlers map[models.JobType]Handler
	events   events.Broadcaster
	log      *zap.Logger
	wake     chan struct{}
	now      func() time.Time

	mu      sync.Mutex
	workers map[string]*models.WorkerRecord
}

// NewPool builds a pool over the queue. Handlers are registered before Run.
func NewPool(cfg config.Config, q *queue.Memory, limiter *ratelimit.Window, bc events.Broadcaster, log *zap.Logger) *Pool {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		sem:      semaphore.NewWeighted(int64(maxConc)),
		handlers: make(map[models.JobType]Handler),
		events:   bc,
		log:      log,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Pool) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Queue exposes the underlying queue for the management API.
func (p *Pool) Queue() *queue.Memory { return p.queue }

// SubmitOptions tune one submission. A zero Priority or MaxRetries means
// "use the default"; pass a negative value to ask for no retries or a
// below-default priority explicitly.
type SubmitOptions struct {
	Priority   int
	Delay      time.Duration
	MaxRetries int
	SubjectID  string
}

// Submit validates and enqueues a job, then wakes the scheduler. This is
// the lower-level, always-available primitive any component may call.
func (p *Pool) Submit(payload models.JobPayload, opts SubmitOptions) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: payload is required", models.ErrValidation)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	if opts.SubjectID == "" {
		return "", fmt.Errorf("%w: subject_id is required", models.ErrValidation)
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = p.cfg.Triage.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	job := models.Job{
		Type:       payload.JobType(),
		Payload:    payload,
		Priority:   opts.Priority,
		SubjectID:  opts.SubjectID,
		MaxRetries: maxRetries,
	}
	if opts.Delay > 0 {
		job.ScheduledAt = p.now().Add(opts.Delay)
	}
	id, err := p.queue.Enqueue(job)
	if err != nil {
		return "", err
	}
	telemetry.EnqueueCounter.Inc()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// SubmitScoring enqueues one email for immediate scoring.
func (p *Pool) SubmitScoring(subjectID, emailID string, opts SubmitOptions) (string, error) {
	opts.SubjectID = subjectID
	return p.Submit(models.ScoringPayload{EmailID: emailID}, opts)
}

// SubmitSummarization enqueues a thread summary.
func (p *Pool) SubmitSummarization(subjectID, threadID string, messageIDs []string, opts SubmitOptions) (string, error) {
	opts.SubjectID = subjectID
	return p.Submit(models.SummarizationPayload{ThreadID: threadID, MessageIDs: messageIDs}, opts)
}

// SubmitWebhook enqueues an inbound notification batch for fan-out.
func (p *Pool) SubmitWebhook(subjectID, historyID string, emailIDs []string, opts SubmitOptions) (string, error) {
	opts.SubjectID = subjectID
	return p.Submit(models.WebhookPayload{HistoryID: historyID, EmailIDs: emailIDs}, opts)
}

// Run drives the scheduler until context cancellation.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
		p.tick(ctx)
		telemetry.QueueDepthGauge.Set(float64(p.queue.Stats().Pending))
	}
}

// tick dispatches every admissible job. A subject over its rate quota
// gets its job deferred a short fixed delay and the loop moves on, so
// one noisy subject cannot starve the others in the same tick window.
func (p *Pool) tick(ctx context.Context) {
	for {
		job, ok := p.queue.NextEligible()
		if !ok {
			return
		}
		if !p.sem.TryAcquire(1) {
			return // at max concurrency, wait for a slot
		}
		if !p.limiter.Allow(job.SubjectID) {
			p.sem.Release(1)
			p.queue.Defer(job.ID, p.now().Add(p.cfg.RateLimitDeferral))
			telemetry.RateLimitDefers.Inc()
			continue
		}
		claimed, ok := p.queue.Claim(job.ID)
		if !ok {
			p.sem.Release(1)
			continue
		}
		go p.runJob(ctx, claimed)
	}
}

// runJob executes one claimed job under the hard processing timeout and
// settles the outcome back into the queue.
func (p *Pool) runJob(ctx context.Context, job models.Job) {
	defer p.sem.Release(1)

	rec := p.trackWorker(job)
	defer p.finishWorker(rec.ID)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	handler, ok := p.handlers[job.Type]
	if !ok {
		// Wiring bug, not a transient condition: fail without retry.
		msg := fmt.Sprintf("%v: no handler registered for type %q", models.ErrConfiguration, job.Type)
		p.queue.Fail(job.ID, msg)
		p.log.Error("unroutable job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		telemetry.JobFailures.Inc()
		return
	}

	start := p.now()
	err := p.execute(ctx, handler, job)
	elapsed := p.now().Sub(start)
	telemetry.ProcessingSeconds.Observe(elapsed.Seconds())

	if err == nil {
		p.queue.Complete(job.ID)
		p.markWorker(rec.ID, true)
		telemetry.JobSuccess.Inc()
		p.events.Publish(ctx, models.Event{
			Kind:      models.EventJobCompleted,
			SubjectID: job.SubjectID,
			Data:      map[string]any{"job_id": job.ID, "type": string(job.Type)},
			At:        p.now(),
		})
		return
	}

	p.markWorker(rec.ID, false)
	p.log.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("retries", job.Retries),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)

	if !models.IsRetryable(err) {
		p.queue.Fail(job.ID, err.Error())
		telemetry.JobFailures.Inc()
		return
	}

	if job.Retries >= job.MaxRetries {
		p.settleExhausted(ctx, job, err)
		return
	}

	delay := backoffDelay(p.cfg.Triage.RetryDelay, p.cfg.RetryDelayMax, job.Retries+1)
	p.queue.RetryLater(job.ID, err.Error(), p.now().Add(delay))
	telemetry.JobFailures.Inc()
}

// execute runs the handler with a hard wall-clock timeout. A handler
// that ignores its context still cannot hold the outcome past the
// deadline; its partial writes are acceptable because persistence is
// upsert-idempotent.
func (p *Pool) execute(ctx context.Context, handler Handler, job models.Job) error {
	jctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessingTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler(jctx, job)
	}()

	select {
	case err := <-done:
		return err
	case <-jctx.Done():
		return fmt.Errorf("%w after %s", models.ErrTimeout, p.cfg.ProcessingTimeout)
	}
}

// settleExhausted routes a job that spent its retry budget to the
// dead-letter partition, or to failed when dead-lettering is disabled.
func (p *Pool) settleExhausted(ctx context.Context, job models.Job, err error) {
	if p.cfg.DeadLetterEnabled {
		p.queue.DeadLetter(job.ID, err.Error())
		telemetry.JobDeadLetter.Inc()
		p.events.Publish(ctx, models.Event{
			Kind:      models.EventJobDeadLettered,
			SubjectID: job.SubjectID,
			Data:      map[string]any{"job_id": job.ID, "type": string(job.Type), "error": err.Error()},
			At:        p.now(),
		})
		return
	}
	p.queue.Fail(job.ID, err.Error())
	telemetry.JobFailures.Inc()
}

// Health reports "healthy" when the error rate and average processing
// time are under their ceilings, "degraded" otherwise.
func (p *Pool) Health() string {
	s := p.queue.Stats()
	if s.ErrorRate >= p.cfg.HealthErrorRateMax {
		return "degraded"
	}
	if p.cfg.HealthAvgProcessingMax > 0 && s.AvgProcessing >= p.cfg.HealthAvgProcessingMax {
		return "degraded"
	}
	return "healthy"
}

// ActiveWorkers snapshots the live worker records.
func (p *Pool) ActiveWorkers() []models.WorkerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.WorkerRecord, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	return out
}

func (p *Pool) trackWorker(job models.Job) *models.WorkerRecord {
	rec := &models.WorkerRecord{
		ID:        uuid.NewString(),
		JobType:   job.Type,
		Active:    true,
		StartedAt: p.now(),
	}
	p.mu.Lock()
	if p.workers == nil {
		p.workers = make(map[string]*models.WorkerRecord)
	}
	p.workers[rec.ID] = rec
	p.mu.Unlock()
	return rec
}

func (p *Pool) markWorker(id string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		if success {
			w.Processed++
		} else {
			w.Failed++
		}
	}
}

func (p *Pool) finishWorker(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}
