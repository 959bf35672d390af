package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

type handlerMetrics struct {
	samples    *prometheus.CounterVec // outcome: aggregated, late, invalid
	aggregates *prometheus.CounterVec // status: written, dropped
}

func newHandlerMetrics(registry *metric.MetricsRegistry, streamName string) (*handlerMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &handlerMetrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "killkrill",
			Subsystem:   "metrics_processor",
			Name:        "samples_total",
			Help:        "Metric samples by outcome",
			ConstLabels: prometheus.Labels{"stream": streamName},
		}, []string{"outcome"}),
		aggregates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "killkrill",
			Subsystem:   "metrics_processor",
			Name:        "aggregates_total",
			Help:        "Flushed aggregate windows by write status",
			ConstLabels: prometheus.Labels{"stream": streamName},
		}, []string{"status"}),
	}
	service := "metrics_processor_" + streamName
	if err := registry.RegisterCounterVec(service, "samples", m.samples); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "aggregates", m.aggregates); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *handlerMetrics) recordSample(outcome string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(outcome).Inc()
}

func (m *handlerMetrics) recordAggregates(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.aggregates.WithLabelValues(status).Add(float64(n))
}
