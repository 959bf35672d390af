package udp

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

type receiverMetrics struct {
	datagrams    prometheus.Counter
	bytes        prometheus.Counter
	frames       prometheus.Counter
	dropped      *prometheus.CounterVec
	socketErrors prometheus.Counter
	lastActivity prometheus.Gauge
}

// newReceiverMetrics returns nil without a registry.
func newReceiverMetrics(registry *metric.MetricsRegistry, name string) (*receiverMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"listener": name}
	m := &receiverMetrics{
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "killkrill", Subsystem: "udp", Name: "datagrams_received_total",
			Help: "Datagrams read from the socket", ConstLabels: labels,
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "killkrill", Subsystem: "udp", Name: "bytes_received_total",
			Help: "Bytes read from the socket", ConstLabels: labels,
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "killkrill", Subsystem: "udp", Name: "frames_received_total",
			Help: "Syslog frames split out of datagrams", ConstLabels: labels,
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "killkrill", Subsystem: "udp", Name: "frames_dropped_total",
			Help: "Frames not appended, by reason", ConstLabels: labels,
		}, []string{"reason"}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "killkrill", Subsystem: "udp", Name: "socket_errors_total",
			Help: "Socket read errors", ConstLabels: labels,
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "killkrill", Subsystem: "udp", Name: "last_activity_timestamp_seconds",
			Help: "Unix time of the last datagram", ConstLabels: labels,
		}),
	}

	service := "udp_" + name
	if err := registry.RegisterCounter(service, "datagrams", m.datagrams); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "bytes", m.bytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "frames", m.frames); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "socket_errors", m.socketErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "last_activity", m.lastActivity); err != nil {
		return nil, err
	}
	return m, nil
}
