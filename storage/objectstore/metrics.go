package objectstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

type storeMetrics struct {
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
	errors  *prometheus.CounterVec
}

// newStoreMetrics returns nil metrics for a nil registry.
func newStoreMetrics(registry *metric.MetricsRegistry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "killkrill",
			Subsystem:   "objectstore",
			Name:        "operations_total",
			Help:        "Object store operations by type",
			ConstLabels: labels,
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "killkrill",
			Subsystem:   "objectstore",
			Name:        "operation_duration_seconds",
			Help:        "Object store operation latency",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "killkrill",
			Subsystem:   "objectstore",
			Name:        "errors_total",
			Help:        "Failed object store operations",
			ConstLabels: labels,
		}, []string{"operation"}),
	}

	service := "objectstore_" + bucket
	if err := registry.RegisterCounterVec(service, "operations", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "latency", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storeMetrics) recordOp(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *storeMetrics) recordError(operation string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation).Inc()
}
