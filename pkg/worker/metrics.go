package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

// poolMetrics is nil when the pool was built without WithMetrics.
type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	failed     prometheus.Counter
	dropped    prometheus.Counter
	duration   *prometheus.HistogramVec
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) (*poolMetrics, error) {
	opts := func(n, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   "killkrill",
			Subsystem:   "worker_pool",
			Name:        n,
			Help:        help,
			ConstLabels: prometheus.Labels{"pool": name},
		}
	}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts(opts("queue_depth", "Items waiting in the pool queue"))),
		submitted:  prometheus.NewCounter(prometheus.CounterOpts(opts("submitted_total", "Items accepted by the pool"))),
		failed:     prometheus.NewCounter(prometheus.CounterOpts(opts("failed_total", "Items whose processor returned an error"))),
		dropped:    prometheus.NewCounter(prometheus.CounterOpts(opts("dropped_total", "Items rejected because the queue was full"))),
	}
	ho := opts("processing_duration_seconds", "Time spent processing one item")
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ho.Namespace, Subsystem: ho.Subsystem, Name: ho.Name, Help: ho.Help, ConstLabels: ho.ConstLabels,
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"status"})

	service := "worker_pool_" + name
	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{"queue_depth", m.queueDepth},
		{"submitted_total", m.submitted},
		{"failed_total", m.failed},
		{"dropped_total", m.dropped},
		{"processing_duration_seconds", m.duration},
	}
	for i, c := range collectors {
		if err := registry.Register(service, c.name, c.c); err != nil {
			for _, done := range collectors[:i] {
				registry.Unregister(service, done.name)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *poolMetrics) accepted(depth int) {
	if m != nil {
		m.submitted.Inc()
		m.queueDepth.Set(float64(depth))
	}
}

func (m *poolMetrics) rejected() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *poolMetrics) done(err error, took time.Duration, depth int) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		m.failed.Inc()
	}
	m.duration.WithLabelValues(status).Observe(took.Seconds())
	m.queueDepth.Set(float64(depth))
}
