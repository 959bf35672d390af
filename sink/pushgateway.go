package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"

	"github.com/penguintechinc/killkrill-sub000/aggregator"
	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
)

// PushgatewayConfig configures the Pushgateway sink.
type PushgatewayConfig struct {
	URL      string            `json:"url"`
	Job      string            `json:"job"`
	Grouping map[string]string `json:"grouping,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	// Retention bounds how long applied window ids are remembered for
	// duplicate suppression.
	Retention time.Duration `json:"retention,omitempty"`
}

// Validate checks the configuration
func (c PushgatewayConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "PushgatewayConfig", "Validate", "url is required")
	}
	return nil
}

// pushSeries is the exported state of one metric series.
type pushSeries struct {
	name   string
	typ    event.MetricType
	labels map[string]string

	value   float64 // counter running total or gauge last value
	valueTS time.Time
	count   uint64
	sum     float64
	quant   map[float64]float64
}

// Pushgateway exports flushed aggregate windows to a Prometheus Pushgateway.
// Counters are pushed as running totals of window sums, gauges as the most
// recent value and histograms as summaries carrying the latest window's
// quantiles. Each window id is applied once, so redelivered windows do not
// inflate counters.
type Pushgateway struct {
	cfg    PushgatewayConfig
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	series  map[string]*pushSeries
	applied map[string]time.Time // window id -> window start
	newest  time.Time
}

// NewPushgateway creates the sink. client may be nil.
func NewPushgateway(cfg PushgatewayConfig, client *http.Client, logger *slog.Logger) (*Pushgateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Job == "" {
		cfg.Job = "killkrill-metrics"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 6 * time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default().With("component", "sink", "sink", "pushgateway")
	}
	return &Pushgateway{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		series:  make(map[string]*pushSeries),
		applied: make(map[string]time.Time),
	}, nil
}

// Name implements Sink
func (p *Pushgateway) Name() string { return "pushgateway" }

// Accepts implements Accepter; only aggregate windows are pushed.
func (p *Pushgateway) Accepts(kind Kind) bool { return kind == KindAggregate }

// Write implements Sink. The whole series set is pushed with PUT semantics,
// replacing the previous push for the grouping key.
func (p *Pushgateway) Write(ctx context.Context, docs []Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*pushSeries, len(p.series))
	for k, s := range p.series {
		cp := *s
		next[k] = &cp
	}

	var fresh []Document
	for _, d := range docs {
		if d.Aggregate == nil {
			continue
		}
		if _, done := p.applied[d.ID]; done {
			continue
		}
		apply(next, d.Aggregate)
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return nil
	}

	pusher := push.New(p.cfg.URL, p.cfg.Job).
		Collector(&seriesCollector{series: next}).
		Client(p.client).
		Format(expfmt.NewFormat(expfmt.TypeTextPlain))
	for k, v := range p.cfg.Grouping {
		pusher = pusher.Grouping(k, v)
	}
	if p.cfg.Username != "" {
		pusher = pusher.BasicAuth(p.cfg.Username, p.cfg.Password)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return errors.WrapTransient(err, "Pushgateway", "Write", "push")
	}

	p.series = next
	for _, d := range fresh {
		p.applied[d.ID] = d.Aggregate.Start
		if d.Aggregate.Start.After(p.newest) {
			p.newest = d.Aggregate.Start
		}
	}
	cutoff := p.newest.Add(-p.cfg.Retention)
	for id, start := range p.applied {
		if start.Before(cutoff) {
			delete(p.applied, id)
		}
	}
	p.logger.Debug("pushed windows", "windows", len(fresh), "series", len(next))
	return nil
}

func apply(series map[string]*pushSeries, r *aggregator.Result) {
	labels := sanitizeLabels(r.Labels)
	key := r.Name + "{" + aggregator.Fingerprint(labels) + "}"
	s, ok := series[key]
	if !ok || s.typ != r.Type {
		s = &pushSeries{name: r.Name, typ: r.Type, labels: labels}
		series[key] = s
	}
	switch r.Type {
	case event.MetricCounter:
		s.value += r.Sum
	case event.MetricGauge:
		if !r.LastTimestamp.Before(s.valueTS) {
			s.value = r.Last
			s.valueTS = r.LastTimestamp
		}
	case event.MetricHistogram:
		s.count += uint64(r.Count)
		s.sum += r.Sum
		s.quant = map[float64]float64{0.5: r.P50, 0.9: r.P90, 0.95: r.P95, 0.99: r.P99}
	}
}

// sanitizeLabels maps label names onto the Prometheus charset.
func sanitizeLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		var b strings.Builder
		for i, r := range k {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
				b.WriteRune(r)
			case r >= '0' && r <= '9' && i > 0:
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
		name := b.String()
		if strings.HasPrefix(name, "__") {
			name = "x" + name
		}
		out[name] = v
	}
	return out
}

// seriesCollector exposes pushSeries as constant metrics. Series of one
// metric name share the union of their label names.
type seriesCollector struct {
	series map[string]*pushSeries
}

type family struct {
	desc   *prometheus.Desc
	labels []string
	typ    event.MetricType
}

func (c *seriesCollector) families() map[string]family {
	names := make(map[string]map[string]bool)
	types := make(map[string]event.MetricType)
	for _, s := range c.series {
		if names[s.name] == nil {
			names[s.name] = make(map[string]bool)
			types[s.name] = s.typ
		}
		for k := range s.labels {
			names[s.name][k] = true
		}
	}
	out := make(map[string]family, len(names))
	for name, set := range names {
		labels := make([]string, 0, len(set))
		for k := range set {
			labels = append(labels, k)
		}
		sort.Strings(labels)
		help := fmt.Sprintf("Metric %s", name)
		out[name] = family{
			desc:   prometheus.NewDesc(name, help, labels, nil),
			labels: labels,
			typ:    types[name],
		}
	}
	return out
}

// Describe implements prometheus.Collector
func (c *seriesCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, f := range c.families() {
		ch <- f.desc
	}
}

// Collect implements prometheus.Collector
func (c *seriesCollector) Collect(ch chan<- prometheus.Metric) {
	fams := c.families()
	for _, s := range c.series {
		f := fams[s.name]
		if s.typ != f.typ {
			continue
		}
		values := make([]string, len(f.labels))
		for i, k := range f.labels {
			values[i] = s.labels[k]
		}
		var (
			m   prometheus.Metric
			err error
		)
		switch s.typ {
		case event.MetricCounter:
			m, err = prometheus.NewConstMetric(f.desc, prometheus.CounterValue, s.value, values...)
		case event.MetricGauge:
			m, err = prometheus.NewConstMetric(f.desc, prometheus.GaugeValue, s.value, values...)
		case event.MetricHistogram:
			m, err = prometheus.NewConstSummary(f.desc, s.count, s.sum, s.quant, values...)
		default:
			continue
		}
		if err != nil {
			ch <- prometheus.NewInvalidMetric(f.desc, err)
			continue
		}
		ch <- m
	}
}

// Close implements Sink
func (p *Pushgateway) Close() error { return nil }
