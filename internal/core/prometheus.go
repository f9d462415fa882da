package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsRecorder counts and times service operations on a
// Prometheus registry.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers the handbook collectors on reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	factory := promauto.With(reg)
	return &PrometheusMetricsRecorder{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handbook_operations_total",
				Help: "Total number of handbook service operations",
			},
			[]string{"operation", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handbook_operation_duration_seconds",
				Help:    "Handbook service operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, outcome Outcome, duration time.Duration) {
	if operation == "" {
		return
	}
	r.operations.WithLabelValues(operation, string(outcome)).Inc()
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
}
