// Package metrics exposes Prometheus collectors for the reconciler, rollout
// coordinator, and gateway. The HTTP listener itself is wired by cmd/dsr;
// this package owns the collector definitions, the scrape Handler, and a
// small timing helper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsr_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsr_reconciliation_ticks_total",
			Help: "Total number of reconciliation ticks completed",
		},
	)

	ReconciliationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsr_reconciliation_errors_total",
			Help: "Total number of reconciliation ticks that returned an error",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dsr_instances_total",
			Help: "Total number of instances by status",
		},
		[]string{"status"},
	)

	SelfHealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsr_self_heals_total",
			Help: "Total number of self-heal replacements by service and version",
		},
		[]string{"service", "version"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsr_probe_duration_seconds",
			Help:    "Health probe latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
	)

	ProbeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsr_probe_failures_total",
			Help: "Total number of failed health probes",
		},
	)

	RolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsr_rollouts_total",
			Help: "Total number of rollouts by terminal state",
		},
		[]string{"state"},
	)

	RolloutStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsr_rollout_steps_total",
			Help: "Total number of rollout weight steps applied",
		},
		[]string{"service"},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsr_gateway_requests_total",
			Help: "Total number of gateway requests by service and result",
		},
		[]string{"service", "result"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dsr_gateway_request_duration_seconds",
			Help:    "Gateway upstream round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		ReconciliationDuration,
		ReconciliationTicksTotal,
		ReconciliationErrorsTotal,
		InstancesTotal,
		SelfHealsTotal,
		ProbeDuration,
		ProbeFailuresTotal,
		RolloutsTotal,
		RolloutStepsTotal,
		GatewayRequestsTotal,
		GatewayRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
