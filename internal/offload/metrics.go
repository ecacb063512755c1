package offload

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/offload/internal/host"
)

// Completion outcome label values.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

var (
	submissionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offload_submissions_total",
			Help: "Total number of units of work accepted for offload.",
		},
	)

	argumentErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_argument_errors_total",
			Help: "Total number of submissions rejected before scheduling, by error kind.",
		},
		[]string{"kind"},
	)

	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_completions_total",
			Help: "Total number of completion callbacks dispatched, by work outcome.",
		},
		[]string{"outcome"},
	)

	callbackFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offload_callback_failures_total",
			Help: "Total number of completion callbacks that raised and were escalated.",
		},
	)

	internalErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offload_internal_errors_total",
			Help: "Total number of internal bookkeeping errors.",
		},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_inflight",
			Help: "Number of submissions not yet disposed.",
		},
	)

	workDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offload_work_duration_seconds",
			Help:    "Time a worker spent running one unit of work, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(argumentErrorsTotal)
	prometheus.MustRegister(completionsTotal)
	prometheus.MustRegister(callbackFailuresTotal)
	prometheus.MustRegister(internalErrorsTotal)
	prometheus.MustRegister(inflight)
	prometheus.MustRegister(workDuration)

	for _, k := range []host.Kind{host.KindError, host.KindTypeError, host.KindRangeError} {
		argumentErrorsTotal.WithLabelValues(k.String())
	}
	completionsTotal.WithLabelValues(outcomeSucceeded)
	completionsTotal.WithLabelValues(outcomeFailed)
}
