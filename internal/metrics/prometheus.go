package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evidraft_jobs_submitted_total", Help: "Jobs accepted by the submission API",
	})
	JobOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evidraft_job_outcomes_total", Help: "Job attempts by outcome",
	}, []string{"outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evidraft_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter",
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "evidraft_queue_depth", Help: "Jobs per status",
	}, []string{"status"})
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "evidraft_breaker_state", Help: "Generation circuit: 0 closed, 1 half-open, 2 open",
	})
	SectionsGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evidraft_sections_generated_total", Help: "Generated sections by review flag",
	}, []string{"needs_review"})
)

// Job attempt outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeClaimLost = "claim_lost"
)

// Handler exposes /metrics with the default registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobOutcomes,
			RateLimitRejects,
			QueueDepth,
			BreakerState,
			SectionsGenerated,
		)
	})
	return promhttp.Handler()
}

// SetBreakerState maps a breaker state name onto the gauge.
func SetBreakerState(state string) {
	switch state {
	case "open":
		BreakerState.Set(2)
	case "half_open":
		BreakerState.Set(1)
	default:
		BreakerState.Set(0)
	}
}
