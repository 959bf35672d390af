package logs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

type handlerMetrics struct {
	rendered *prometheus.CounterVec // by level
	rejected prometheus.Counter
}

func newHandlerMetrics(registry *metric.MetricsRegistry, streamName string) (*handlerMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &handlerMetrics{
		rendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "killkrill",
			Subsystem:   "logs_processor",
			Name:        "documents_rendered_total",
			Help:        "Log entries rendered as documents",
			ConstLabels: prometheus.Labels{"stream": streamName},
		}, []string{"level"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "killkrill",
			Subsystem:   "logs_processor",
			Name:        "entries_rejected_total",
			Help:        "Entries that could not be rendered",
			ConstLabels: prometheus.Labels{"stream": streamName},
		}),
	}
	service := "logs_processor_" + streamName
	if err := registry.RegisterCounterVec(service, "documents_rendered", m.rendered); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "entries_rejected", m.rejected); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *handlerMetrics) recordRendered(level string) {
	if m == nil {
		return
	}
	m.rendered.WithLabelValues(level).Inc()
}

func (m *handlerMetrics) recordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}
