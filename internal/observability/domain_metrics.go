package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	askRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_ask_requests_total",
			Help: "Natural-language query requests admitted past the rate limiter.",
		},
	)
	admissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_admission_rejected_total",
			Help: "Requests rejected by the rate limiter, by exhausted scope.",
		},
		[]string{"scope"},
	)
	generationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_generation_failures_total",
			Help: "Admitted requests for which SQL generation failed or was refused.",
		},
	)
	validationRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_validation_rejected_total",
			Help: "Generated statements rejected by the SQL safety validator.",
		},
	)
	executionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_execution_failures_total",
			Help: "Validated statements that failed during execution.",
		},
	)
	askDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygate_ask_duration_seconds",
			Help:    "End-to-end latency of admitted query requests.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	quotaRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querygate_quota_remaining",
			Help: "Remaining daily quota as of the last served request.",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		askRequestsTotal,
		admissionRejectedTotal,
		generationFailuresTotal,
		validationRejectedTotal,
		executionFailuresTotal,
		askDurationSeconds,
		quotaRemaining,
	)
}

// IncrementAskRequest counts an admitted request. It fires at admission so
// requests that later fail generation, validation, or execution still show up.
func IncrementAskRequest() {
	askRequestsTotal.Inc()
}

func ObserveAskRequest(elapsed time.Duration) {
	askDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementAdmissionRejected(scope string) {
	admissionRejectedTotal.WithLabelValues(scope).Inc()
}

func IncrementGenerationFailure() {
	generationFailuresTotal.Inc()
}

func IncrementValidationRejected() {
	validationRejectedTotal.Inc()
}

func IncrementExecutionFailure() {
	executionFailuresTotal.Inc()
}

func SetQuotaRemaining(scope string, remaining int64) {
	if remaining < 0 {
		remaining = 0
	}
	quotaRemaining.WithLabelValues(scope).Set(float64(remaining))
}
