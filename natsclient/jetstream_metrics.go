package natsclient

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/penguintechinc/killkrill-sub000/metric"
)

// jetstreamMetrics exports the server-side state of the pipeline streams:
// stored messages and bytes per stream, and pending, unacknowledged and
// redelivered counts per consumer group.
type jetstreamMetrics struct {
	subject string

	streamMessages *prometheus.GaugeVec
	streamBytes    *prometheus.GaugeVec
	numPending     *prometheus.GaugeVec
	ackPending     *prometheus.GaugeVec
	redelivered    *prometheus.GaugeVec
	pollErrors     prometheus.Counter
}

func newJetStreamMetrics(registry *metric.MetricsRegistry, subjectPrefix string) (*jetstreamMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	if subjectPrefix == "" {
		subjectPrefix = "killkrill"
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "killkrill",
			Subsystem: "jetstream",
			Name:      name,
			Help:      help,
		}, labels)
	}
	m := &jetstreamMetrics{
		subject:        subjectPrefix + ".>",
		streamMessages: gauge("stream_messages", "Messages stored in the stream", "stream"),
		streamBytes:    gauge("stream_bytes", "Bytes stored in the stream", "stream"),
		numPending:     gauge("consumer_unread", "Messages not yet delivered to the consumer", "stream", "consumer"),
		ackPending:     gauge("consumer_ack_pending", "Delivered messages awaiting acknowledgement", "stream", "consumer"),
		redelivered:    gauge("consumer_redelivered", "Messages redelivered at least once", "stream", "consumer"),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "killkrill",
			Subsystem: "jetstream",
			Name:      "poll_errors_total",
			Help:      "Failed stream state polls",
		}),
	}

	for name, vec := range map[string]*prometheus.GaugeVec{
		"stream_messages":      m.streamMessages,
		"stream_bytes":         m.streamBytes,
		"consumer_unread":      m.numPending,
		"consumer_ack_pending": m.ackPending,
		"consumer_redelivered": m.redelivered,
	} {
		if err := registry.RegisterGaugeVec("jetstream", name, vec); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterCounter("jetstream", "poll_errors", m.pollErrors); err != nil {
		return nil, err
	}
	return m, nil
}

// update lists every stream bound to the subject prefix and its consumers.
func (m *jetstreamMetrics) update(ctx context.Context, js jetstream.JetStream) {
	streams := js.ListStreams(ctx, jetstream.WithStreamListSubject(m.subject))
	for info := range streams.Info() {
		name := info.Config.Name
		m.streamMessages.WithLabelValues(name).Set(float64(info.State.Msgs))
		m.streamBytes.WithLabelValues(name).Set(float64(info.State.Bytes))

		st, err := js.Stream(ctx, name)
		if err != nil {
			m.pollErrors.Inc()
			continue
		}
		consumers := st.ListConsumers(ctx)
		for ci := range consumers.Info() {
			m.numPending.WithLabelValues(name, ci.Name).Set(float64(ci.NumPending))
			m.ackPending.WithLabelValues(name, ci.Name).Set(float64(ci.NumAckPending))
			m.redelivered.WithLabelValues(name, ci.Name).Set(float64(ci.NumRedelivered))
		}
		if consumers.Err() != nil {
			m.pollErrors.Inc()
		}
	}
	if streams.Err() != nil {
		m.pollErrors.Inc()
	}
}

// startPoller updates the gauges every interval until the returned cancel
// function is called.
func (m *jetstreamMetrics) startPoller(ctx context.Context, js jetstream.JetStream, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			pollCtx, pollCancel := context.WithTimeout(ctx, interval)
			m.update(pollCtx, js)
			pollCancel()
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
