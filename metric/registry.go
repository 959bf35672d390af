package metric

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

// MetricsRegistrar is what components need to publish their own collectors.
type MetricsRegistrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(serviceName, metricName string) bool
}

// MetricsRegistry wraps a Prometheus registry holding the pipeline metric
// set, the Go runtime collectors and per-service collectors keyed by
// "service.metric". One service key may hold one collector per metric name;
// the same metric name under another key is fine as long as the const
// labels differ.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics

	mu      sync.RWMutex
	byOwner map[string]prometheus.Collector
}

var _ MetricsRegistrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates a registry with the core pipeline metrics
// already registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
		byOwner:            make(map[string]prometheus.Collector),
	}
	r.prometheusRegistry.MustRegister(r.Metrics.collectors()...)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry is the registry served on /metrics.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the pipeline metric set. A nil registry yields nil
// metrics, which every Record method tolerates.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

func ownerKey(serviceName, metricName string) string {
	return serviceName + "." + metricName
}

// Register adds c under serviceName.metricName.
func (r *MetricsRegistry) Register(serviceName, metricName string, c prometheus.Collector) error {
	key := ownerKey(serviceName, metricName)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byOwner[key]; taken {
		return errors.WrapInvalid(fmt.Errorf("metric %s already registered for service %s", metricName, serviceName),
			"MetricsRegistry", "Register", "duplicate metric registration")
	}

	err := r.prometheusRegistry.Register(c)
	var dup prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
	case stderrors.As(err, &dup):
		return errors.WrapInvalid(err, "MetricsRegistry", "Register", "prometheus conflict for metric "+metricName)
	default:
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register collector with prometheus")
	}
	r.byOwner[key] = c
	return nil
}

func (r *MetricsRegistry) RegisterCounter(serviceName, metricName string, c prometheus.Counter) error {
	return r.Register(serviceName, metricName, c)
}

func (r *MetricsRegistry) RegisterGauge(serviceName, metricName string, g prometheus.Gauge) error {
	return r.Register(serviceName, metricName, g)
}

func (r *MetricsRegistry) RegisterHistogram(serviceName, metricName string, h prometheus.Histogram) error {
	return r.Register(serviceName, metricName, h)
}

func (r *MetricsRegistry) RegisterCounterVec(serviceName, metricName string, v *prometheus.CounterVec) error {
	return r.Register(serviceName, metricName, v)
}

func (r *MetricsRegistry) RegisterGaugeVec(serviceName, metricName string, v *prometheus.GaugeVec) error {
	return r.Register(serviceName, metricName, v)
}

func (r *MetricsRegistry) RegisterHistogramVec(serviceName, metricName string, v *prometheus.HistogramVec) error {
	return r.Register(serviceName, metricName, v)
}

// Unregister removes one collector. It reports whether it was removed.
func (r *MetricsRegistry) Unregister(serviceName, metricName string) bool {
	key := ownerKey(serviceName, metricName)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byOwner[key]
	if !ok || !r.prometheusRegistry.Unregister(c) {
		return false
	}
	delete(r.byOwner, key)
	return true
}

// UnregisterService removes every collector registered under serviceName
// and returns how many went.
func (r *MetricsRegistry) UnregisterService(serviceName string) int {
	prefix := serviceName + "."

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, c := range r.byOwner {
		if strings.HasPrefix(key, prefix) && r.prometheusRegistry.Unregister(c) {
			delete(r.byOwner, key)
			n++
		}
	}
	return n
}

// Registered lists "service.metric" keys in order.
func (r *MetricsRegistry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byOwner))
	for k := range r.byOwner {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
