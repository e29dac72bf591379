package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted and queued"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that exhausted their attempt budget"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Transient failures requeued for another attempt"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs cancelled before completion"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_rate_limited_total", Help: "Submissions rejected by the tenant rate limiter"})
	CooldownRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_cooldown_blocked_total", Help: "Scan submissions rejected with every candidate on cooldown"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_depth", Help: "Ready depth per queue"}, []string{"queue"})
	InFlight         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsCancelled,
			RateLimitRejects,
			CooldownRejects,
			QueueDepth,
			InFlight,
		)
	})
	return promhttp.Handler()
}
