package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	schedulesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobkit_schedules_fired_total",
			Help: "Total number of schedule firings",
		},
		[]string{"schedule", "status"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobkit_scheduler_tick_duration_seconds",
			Help:    "Cron scheduler tick duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobkit_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)

	lockAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobkit_lock_acquired_total",
			Help: "Total number of successful lock acquisitions",
		},
		[]string{"key"},
	)

	lockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobkit_lock_contention_total",
			Help: "Total number of lock acquisition attempts that found the key held",
		},
		[]string{"key"},
	)

	recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobkit_recoveries_total",
			Help: "Total number of recovery decisions",
		},
		[]string{"queue", "outcome"},
	)

	stalledJobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobkit_stalled_jobs_total",
			Help: "Total number of jobs failed by the stalled-job sweep",
		},
	)

	chainSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobkit_chain_steps_total",
			Help: "Total number of chain step executions",
		},
		[]string{"chain", "status"},
	)

	chainStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobkit_chain_step_duration_seconds",
			Help:    "Chain step execution time in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"chain"},
	)

	dedupSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobkit_dedup_suppressed_total",
			Help: "Total number of duplicate submissions suppressed",
		},
		[]string{"queue"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordScheduleFired(schedule, status string) {
	schedulesFired.WithLabelValues(schedule, status).Inc()
}

func RecordTickDuration(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

func RecordJobEnqueued(queue string) {
	jobsEnqueued.WithLabelValues(queue).Inc()
}

func RecordLockAcquired(key string) {
	lockAcquired.WithLabelValues(key).Inc()
}

func RecordLockContention(key string) {
	lockContention.WithLabelValues(key).Inc()
}

func RecordRecovery(queue, outcome string) {
	recoveries.WithLabelValues(queue, outcome).Inc()
}

func RecordStalledJob() {
	stalledJobs.Inc()
}

func RecordChainStep(chain, status string, d time.Duration) {
	chainSteps.WithLabelValues(chain, status).Inc()
	chainStepDuration.WithLabelValues(chain).Observe(d.Seconds())
}

func RecordDedupSuppressed(queue string) {
	dedupSuppressed.WithLabelValues(queue).Inc()
}
