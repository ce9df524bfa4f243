package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_jobs_enqueued_total", Help: "Total enqueued jobs"})
	JobSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_jobs_completed_total", Help: "Jobs completed successfully"})
	JobFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_jobs_failed_total", Help: "Job executions that failed"})
	JobDeadLetter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_jobs_dead_letter_total", Help: "Jobs moved to the dead-letter partition"})
	RateLimitDefers   = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_rate_limit_defers_total", Help: "Dispatches deferred by per-subject rate limits"})
	BatchFlushes      = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_batches_flushed_total", Help: "Triage batches flushed"})
	AICalls           = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_ai_calls_total", Help: "AI scoring calls issued"})
	BudgetDemotions   = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_budget_demotions_total", Help: "AI candidates demoted to rule-only scoring by the budget gate"})
	RuleExecutions    = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_rule_executions_total", Help: "Automation rule actions executed"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "triage_queue_depth", Help: "Pending jobs in the queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "triage_inflight", Help: "Jobs currently processing"})
	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_processing_seconds",
		Help:    "Job processing duration",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			JobSuccess,
			JobFailures,
			JobDeadLetter,
			RateLimitDefers,
			BatchFlushes,
			AICalls,
			BudgetDemotions,
			RuleExecutions,
			QueueDepthGauge,
			InFlightGauge,
			ProcessingSeconds,
		)
	})
	return promhttp.Handler()
}
