package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "killkrill"

// Metrics is the pipeline-wide metric set. All Record methods are safe on a
// nil receiver, so components built without a registry can call them freely.
type Metrics struct {
	// Service metrics
	ServiceStatus     *prometheus.GaugeVec
	HealthCheckStatus *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec

	// Receiver metrics
	EventsAccepted  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Stream metrics
	StreamAppends    *prometheus.CounterVec
	StreamDepth      *prometheus.GaugeVec
	StreamRejections *prometheus.CounterVec
	StreamTrimmed    *prometheus.CounterVec
	ConsumerLag      *prometheus.GaugeVec
	PendingEntries   *prometheus.GaugeVec
	Redeliveries     *prometheus.CounterVec

	// Worker metrics
	WorkerState       *prometheus.GaugeVec
	WorkerTransitions *prometheus.CounterVec
	BatchDuration     *prometheus.HistogramVec
	EntriesProcessed  *prometheus.CounterVec
	DeadLettered      *prometheus.CounterVec

	// Sink metrics
	SinkWrites        *prometheus.CounterVec
	SinkWriteDuration *prometheus.HistogramVec

	// Aggregator metrics
	WindowsFlushed *prometheus.CounterVec
	LateSamples    *prometheus.CounterVec
	OpenWindows    *prometheus.GaugeVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the pipeline metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"service"}),

		HealthCheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health check status (0=unhealthy, 1=healthy)",
		}, []string{"check"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Total number of errors by component and class",
		}, []string{"component", "class"}),

		EventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "events_accepted_total",
			Help:      "Events appended to the stream",
		}, []string{"kind", "protocol"}),

		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "events_rejected_total",
			Help:      "Events rejected at the receiver",
		}, []string{"kind", "reason"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route", "code"}),

		StreamAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "appends_total",
			Help:      "Entries appended",
		}, []string{"stream"}),

		StreamDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "depth",
			Help:      "Entries currently held by the stream",
		}, []string{"stream"}),

		StreamRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "capacity_rejections_total",
			Help:      "Appends rejected because the stream was full",
		}, []string{"stream"}),

		StreamTrimmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "trimmed_total",
			Help:      "Entries physically removed by trimming",
		}, []string{"stream"}),

		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "consumer_lag",
			Help:      "Entries not yet delivered to the group",
		}, []string{"stream", "group"}),

		PendingEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "pending_entries",
			Help:      "Delivered but unacknowledged entries",
		}, []string{"stream", "group"}),

		Redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "redeliveries_total",
			Help:      "Entries reclaimed after their visibility timeout",
		}, []string{"stream", "group"}),

		WorkerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state",
			Help:      "Worker state (0=idle, 1=fetching, 2=processing, 3=ack_or_retry, 4=stopped)",
		}, []string{"worker"}),

		WorkerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "transitions_total",
			Help:      "Worker state transitions",
		}, []string{"worker", "to"}),

		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "batch_duration_seconds",
			Help:      "Time from fetch to ack for one batch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),

		EntriesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "entries_total",
			Help:      "Entries handled by workers by outcome",
		}, []string{"pipeline", "status"}),

		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "dead_lettered_total",
			Help:      "Entries moved to the dead-letter store",
		}, []string{"pipeline", "reason"}),

		SinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Records written to sinks",
		}, []string{"sink", "status"}),

		SinkWriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "write_duration_seconds",
			Help:      "Bulk write duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"sink"}),

		WindowsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "windows_flushed_total",
			Help:      "Aggregation windows flushed by trigger",
		}, []string{"trigger"}),

		LateSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "late_samples_total",
			Help:      "Samples that arrived for an already flushed window",
		}, []string{"outcome"}),

		OpenWindows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "open_windows",
			Help:      "Windows currently held in memory",
		}, []string{"worker"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "rtt_milliseconds",
			Help:      "NATS round-trip time in milliseconds",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ServiceStatus, c.HealthCheckStatus, c.ErrorsTotal,
		c.EventsAccepted, c.EventsRejected, c.RequestDuration,
		c.StreamAppends, c.StreamDepth, c.StreamRejections, c.StreamTrimmed,
		c.ConsumerLag, c.PendingEntries, c.Redeliveries,
		c.WorkerState, c.WorkerTransitions, c.BatchDuration, c.EntriesProcessed, c.DeadLettered,
		c.SinkWrites, c.SinkWriteDuration,
		c.WindowsFlushed, c.LateSamples, c.OpenWindows,
		c.NATSConnected, c.NATSRTT, c.NATSReconnects, c.NATSCircuitBreaker,
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	if c == nil {
		return
	}
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(check string, healthy bool) {
	if c == nil {
		return
	}
	c.HealthCheckStatus.WithLabelValues(check).Set(boolValue(healthy))
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordAccepted counts events admitted to the stream
func (c *Metrics) RecordAccepted(kind, protocol string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.EventsAccepted.WithLabelValues(kind, protocol).Add(float64(n))
}

// RecordRejected counts events turned away at the receiver
func (c *Metrics) RecordRejected(kind, reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.EventsRejected.WithLabelValues(kind, reason).Add(float64(n))
}

// RecordRequest observes one HTTP request
func (c *Metrics) RecordRequest(route, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestDuration.WithLabelValues(route, code).Observe(d.Seconds())
}

// RecordAppend counts an append and updates the stream depth
func (c *Metrics) RecordAppend(stream string, depth int) {
	if c == nil {
		return
	}
	c.StreamAppends.WithLabelValues(stream).Inc()
	c.StreamDepth.WithLabelValues(stream).Set(float64(depth))
}

// RecordCapacityRejection counts an append refused because the stream is full
func (c *Metrics) RecordCapacityRejection(stream string) {
	if c == nil {
		return
	}
	c.StreamRejections.WithLabelValues(stream).Inc()
}

// RecordTrim counts trimmed entries and updates the stream depth
func (c *Metrics) RecordTrim(stream string, removed, depth int) {
	if c == nil {
		return
	}
	if removed > 0 {
		c.StreamTrimmed.WithLabelValues(stream).Add(float64(removed))
	}
	c.StreamDepth.WithLabelValues(stream).Set(float64(depth))
}

// RecordGroup updates lag and pending gauges for a consumer group
func (c *Metrics) RecordGroup(stream, group string, lag, pending int) {
	if c == nil {
		return
	}
	c.ConsumerLag.WithLabelValues(stream, group).Set(float64(lag))
	c.PendingEntries.WithLabelValues(stream, group).Set(float64(pending))
}

// RecordRedelivery counts reclaimed entries
func (c *Metrics) RecordRedelivery(stream, group string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Redeliveries.WithLabelValues(stream, group).Add(float64(n))
}

// RecordWorkerState sets the worker state gauge and counts the transition
func (c *Metrics) RecordWorkerState(worker, state string, code int) {
	if c == nil {
		return
	}
	c.WorkerState.WithLabelValues(worker).Set(float64(code))
	c.WorkerTransitions.WithLabelValues(worker, state).Inc()
}

// RecordBatch observes one batch cycle
func (c *Metrics) RecordBatch(pipeline string, d time.Duration) {
	if c == nil {
		return
	}
	c.BatchDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

// RecordEntries counts entries by outcome (acked, retry, dead_lettered, invalid)
func (c *Metrics) RecordEntries(pipeline, status string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.EntriesProcessed.WithLabelValues(pipeline, status).Add(float64(n))
}

// RecordDeadLetter counts a dead-lettered entry
func (c *Metrics) RecordDeadLetter(pipeline, reason string) {
	if c == nil {
		return
	}
	c.DeadLettered.WithLabelValues(pipeline, reason).Inc()
}

// RecordSinkWrite counts records written by a sink and observes the duration
func (c *Metrics) RecordSinkWrite(sink, status string, n int, d time.Duration) {
	if c == nil {
		return
	}
	if n > 0 {
		c.SinkWrites.WithLabelValues(sink, status).Add(float64(n))
	}
	c.SinkWriteDuration.WithLabelValues(sink).Observe(d.Seconds())
}

// RecordWindowFlush counts flushed windows by trigger (time, size, late, shutdown)
func (c *Metrics) RecordWindowFlush(trigger string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.WindowsFlushed.WithLabelValues(trigger).Add(float64(n))
}

// RecordLateSample counts a late sample by outcome (dropped, grace)
func (c *Metrics) RecordLateSample(outcome string) {
	if c == nil {
		return
	}
	c.LateSamples.WithLabelValues(outcome).Inc()
}

// RecordOpenWindows sets the number of open windows for a worker
func (c *Metrics) RecordOpenWindows(worker string, n int) {
	if c == nil {
		return
	}
	c.OpenWindows.WithLabelValues(worker).Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	c.NATSConnected.Set(boolValue(connected))
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	if c == nil {
		return
	}
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
