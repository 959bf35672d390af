package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

// cacheMetrics mirrors Statistics as Prometheus series. A nil receiver
// records nothing.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	expired   prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, name string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"cache": name}
	counter := func(n, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "killkrill",
			Subsystem:   "cache",
			Name:        n,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &cacheMetrics{
		hits:      counter("hits_total", "Cache lookups that found a live entry"),
		misses:    counter("misses_total", "Cache lookups that found nothing"),
		evictions: counter("evictions_total", "Entries evicted to stay within the size bound"),
		expired:   counter("expired_total", "Entries dropped after their TTL"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "killkrill",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Current number of cache entries",
			ConstLabels: labels,
		}),
	}

	service := "cache_" + name
	for metricName, c := range map[string]prometheus.Counter{
		"hits_total":      m.hits,
		"misses_total":    m.misses,
		"evictions_total": m.evictions,
		"expired_total":   m.expired,
	} {
		if err := registry.RegisterCounter(service, metricName, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(service, "entries", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) recordExpired() {
	if m != nil {
		m.expired.Inc()
	}
}

func (m *cacheMetrics) updateSize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
