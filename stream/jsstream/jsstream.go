// Package jsstream implements stream.Stream on NATS JetStream.
//
// Each stream maps to one JetStream stream with limits retention and
// discard-new, so a full stream rejects publishes instead of dropping old
// messages. Consumer groups are durable pull consumers with explicit acks and
// AckWait as the visibility timeout; JetStream redelivers expired claims on
// its own. Entry ids are {0, stream sequence}.
//
// Ack needs the delivered message handle, so the pending view returned by
// Pending covers deliveries made through this process only. Group-wide counts
// come from consumer info in Groups.
package jsstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/pkg/codec"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// fetchSlice bounds a single pull so cancellation is noticed.
const fetchSlice = time.Second

// Config configures one JetStream-backed stream.
type Config struct {
	// Name is the logical stream name, e.g. "logs.3".
	Name              string        `json:"name"`
	SubjectPrefix     string        `json:"subject_prefix"`
	MaxLen            int           `json:"max_len"`
	MaxAge            time.Duration `json:"max_age"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	Replicas          int           `json:"replicas"`
	MemoryStorage     bool          `json:"memory_storage"`
	Limits            event.Limits  `json:"limits"`
}

// Deps holds runtime dependencies
type Deps struct {
	Config    Config
	JetStream jetstream.JetStream
	Clock     clock.Clock
	Metrics   *metric.Metrics
	Logger    *slog.Logger
}

type inflight struct {
	msg         jetstream.Msg
	consumer    string
	deliveries  int
	deliveredAt time.Time
}

// Stream is a stream.Stream over one JetStream stream.
type Stream struct {
	cfg     Config
	js      jetstream.JetStream
	st      jetstream.Stream
	subject string
	clock   clock.Clock
	metrics *metric.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	pending   map[string]map[stream.ID]*inflight
	closed    bool
}

var _ stream.Stream = (*Stream)(nil)

// StreamName converts a logical name into a valid JetStream stream name.
func StreamName(name string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return strings.ToUpper(r.Replace(name))
}

// New creates or updates the JetStream stream backing cfg.Name.
func New(ctx context.Context, deps Deps) (*Stream, error) {
	if deps.JetStream == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStream", "New", "jetstream context")
	}
	cfg := deps.Config
	if cfg.Name == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStream", "New", "stream name")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "killkrill"
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = stream.DefaultMaxLen
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = stream.DefaultVisibilityTimeout
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "jsstream", "stream", cfg.Name)
	}

	subject := cfg.SubjectPrefix + "." + cfg.Name
	sc := jetstream.StreamConfig{
		Name:      StreamName(cfg.Name),
		Subjects:  []string{subject},
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardNew,
		MaxMsgs:   -1,
		Replicas:  cfg.Replicas,
		Storage:   jetstream.FileStorage,
	}
	if cfg.MaxLen > 0 {
		sc.MaxMsgs = int64(cfg.MaxLen)
	}
	if cfg.MemoryStorage {
		sc.Storage = jetstream.MemoryStorage
	}

	st, err := deps.JetStream.CreateOrUpdateStream(ctx, sc)
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStream", "New", "create stream "+sc.Name)
	}
	logger.Debug("JetStream stream ready", "jetstream", sc.Name, "subject", subject)

	return &Stream{
		cfg:       cfg,
		js:        deps.JetStream,
		st:        st,
		subject:   subject,
		clock:     clock.OrReal(deps.Clock),
		metrics:   deps.Metrics,
		logger:    logger,
		consumers: make(map[string]jetstream.Consumer),
		pending:   make(map[string]map[stream.ID]*inflight),
	}, nil
}

// Name returns the logical stream name
func (s *Stream) Name() string { return s.cfg.Name }

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func isCapacityError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "maximum messages") || strings.Contains(msg, "maximum bytes")
}

// Append publishes ev and returns {0, stream sequence}.
func (s *Stream) Append(ctx context.Context, ev event.Event) (stream.ID, error) {
	if s.isClosed() {
		return stream.ID{}, errors.ErrStreamClosed
	}
	if err := ev.Validate(s.clock.Now(), s.cfg.Limits); err != nil {
		return stream.ID{}, err
	}
	payload, err := codec.Marshal(ev)
	if err != nil {
		return stream.ID{}, errors.WrapInvalid(err, "JetStream", "Append", "encode event")
	}

	ack, err := s.js.Publish(ctx, s.subject, payload)
	if err != nil && isCapacityError(err) {
		if _, terr := s.Trim(ctx); terr != nil {
			return stream.ID{}, terr
		}
		ack, err = s.js.Publish(ctx, s.subject, payload)
		if err != nil && isCapacityError(err) {
			s.metrics.RecordCapacityRejection(s.cfg.Name)
			return stream.ID{}, fmt.Errorf("%s: %w (max_len %d)", s.cfg.Name, errors.ErrCapacityExceeded, s.cfg.MaxLen)
		}
	}
	if err != nil {
		return stream.ID{}, errors.WrapTransient(err, "JetStream", "Append", "publish")
	}
	return stream.ID{Seq: ack.Sequence}, nil
}

func (s *Stream) consumer(ctx context.Context, group string) (jetstream.Consumer, error) {
	s.mu.Lock()
	c, ok := s.consumers[group]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := s.st.Consumer(ctx, group)
	if stderrors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", s.cfg.Name, group, errors.ErrGroupNotFound)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStream", "consumer", "lookup "+group)
	}
	s.mu.Lock()
	s.consumers[group] = c
	s.mu.Unlock()
	return c, nil
}

// ReadBatch pulls up to maxCount messages. JetStream hands out redeliveries
// of expired claims ahead of new messages.
func (s *Stream) ReadBatch(ctx context.Context, group, consumer string, maxCount int, block time.Duration) ([]stream.Entry, error) {
	if maxCount <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("max count %d", maxCount), "JetStream", "ReadBatch", "validate request")
	}
	c, err := s.consumer(ctx, group)
	if err != nil {
		return nil, err
	}

	deadline := s.clock.Now().Add(block)
	for {
		if s.isClosed() {
			return nil, errors.ErrStreamClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var batch jetstream.MessageBatch
		if block <= 0 {
			batch, err = c.FetchNoWait(maxCount)
		} else {
			remaining := deadline.Sub(s.clock.Now())
			if remaining <= 0 {
				return []stream.Entry{}, nil
			}
			batch, err = c.Fetch(maxCount, jetstream.FetchMaxWait(min(remaining, fetchSlice)))
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "JetStream", "ReadBatch", "fetch")
		}

		out := s.collect(group, consumer, batch)
		if berr := batch.Error(); berr != nil && !stderrors.Is(berr, jetstream.ErrNoMessages) && len(out) == 0 {
			return nil, errors.WrapTransient(berr, "JetStream", "ReadBatch", "fetch batch")
		}
		if len(out) > 0 || block <= 0 {
			if out == nil {
				out = []stream.Entry{}
			}
			return out, nil
		}
	}
}

func (s *Stream) collect(group, consumer string, batch jetstream.MessageBatch) []stream.Entry {
	var out []stream.Entry
	redelivered := 0
	for msg := range batch.Messages() {
		md, err := msg.Metadata()
		if err != nil {
			s.logger.Warn("Message without metadata", "error", err)
			continue
		}
		now := s.clock.Now()
		e := decodeEntry(stream.ID{Seq: md.Sequence.Stream}, msg.Data(), md.Timestamp)
		e.Consumer = consumer
		e.Deliveries = int(md.NumDelivered)
		e.DeliveredAt = now
		if e.DecodeErr != nil {
			s.logger.Warn("Undecodable message", "id", e.ID.String(), "error", e.DecodeErr)
		}

		id, deliveries := e.ID, e.Deliveries
		if deliveries > 1 {
			redelivered++
		}
		s.mu.Lock()
		claims, ok := s.pending[group]
		if !ok {
			claims = make(map[stream.ID]*inflight)
			s.pending[group] = claims
		}
		claims[id] = &inflight{msg: msg, consumer: consumer, deliveries: deliveries, deliveredAt: now}
		s.mu.Unlock()

		out = append(out, e)
	}
	if redelivered > 0 {
		s.metrics.RecordRedelivery(s.cfg.Name, group, redelivered)
	}
	return out
}

// decodeEntry builds an entry from a message body. A body that does not
// decode is kept as the entry's Payload with DecodeErr set, and the message
// stays claimed until the reader acknowledges it.
func decodeEntry(id stream.ID, data []byte, appendedAt time.Time) stream.Entry {
	e := stream.Entry{ID: id, Payload: data, AppendedAt: appendedAt}
	if err := codec.Unmarshal(data, &e.Event); err != nil {
		e.Event = event.Event{}
		e.DecodeErr = fmt.Errorf("%w: message %s: %v", errors.ErrDataCorrupted, id, err)
	}
	return e
}

// Ack acknowledges messages delivered through this Stream. Ids it does not
// hold a delivery for count as already acknowledged.
func (s *Stream) Ack(ctx context.Context, group string, ids ...stream.ID) (int, error) {
	if s.isClosed() {
		return 0, errors.ErrStreamClosed
	}
	if _, err := s.consumer(ctx, group); err != nil {
		return 0, err
	}

	s.mu.Lock()
	claims := s.pending[group]
	var held []*inflight
	var heldIDs []stream.ID
	for _, id := range ids {
		if c, ok := claims[id]; ok {
			held = append(held, c)
			heldIDs = append(heldIDs, id)
		}
	}
	s.mu.Unlock()

	acked := 0
	var firstErr error
	for i, c := range held {
		if err := c.msg.DoubleAck(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		delete(claims, heldIDs[i])
		s.mu.Unlock()
		acked++
	}
	if firstErr != nil && acked == 0 {
		return 0, errors.WrapTransient(firstErr, "JetStream", "Ack", "ack")
	}
	return acked, nil
}

// Pending lists claims delivered through this Stream, oldest id first.
func (s *Stream) Pending(ctx context.Context, group string) ([]stream.PendingEntry, error) {
	if _, err := s.consumer(ctx, group); err != nil {
		return nil, err
	}
	now := s.clock.Now()

	s.mu.Lock()
	out := make([]stream.PendingEntry, 0, len(s.pending[group]))
	for id, c := range s.pending[group] {
		out = append(out, stream.PendingEntry{
			ID:         id,
			Consumer:   c.consumer,
			Deliveries: c.deliveries,
			Age:        now.Sub(c.deliveredAt),
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

// CreateGroup creates the durable consumer unless it already exists.
func (s *Stream) CreateGroup(ctx context.Context, name string, opts stream.GroupOptions) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "JetStream", "CreateGroup", "validate group name")
	}
	if _, err := s.consumer(ctx, name); err == nil {
		return nil
	} else if !stderrors.Is(err, errors.ErrGroupNotFound) {
		return err
	}

	vis := opts.VisibilityTimeout
	if vis <= 0 {
		vis = s.cfg.VisibilityTimeout
	}
	cc := jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       vis,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: s.subject,
	}
	switch {
	case opts.NewOnly:
		cc.DeliverPolicy = jetstream.DeliverNewPolicy
	case !opts.StartAt.IsZero():
		cc.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cc.OptStartSeq = opts.StartAt.Seq + 1
	}

	c, err := s.st.CreateConsumer(ctx, cc)
	if err != nil && !stderrors.Is(err, jetstream.ErrConsumerExists) {
		return errors.WrapTransient(err, "JetStream", "CreateGroup", "create consumer "+name)
	}
	if c != nil {
		s.mu.Lock()
		s.consumers[name] = c
		s.mu.Unlock()
	}
	s.logger.Debug("Consumer group created", "group", name, "ack_wait", vis)
	return nil
}

// Groups reports every durable consumer on the stream.
func (s *Stream) Groups(ctx context.Context) ([]stream.GroupInfo, error) {
	lister := s.st.ListConsumers(ctx)
	var out []stream.GroupInfo
	for info := range lister.Info() {
		if info == nil {
			continue
		}
		lag := int(info.NumPending)
		out = append(out, stream.GroupInfo{
			Name:              info.Name,
			LastDelivered:     stream.ID{Seq: info.Delivered.Stream},
			Pending:           info.NumAckPending,
			Lag:               lag,
			VisibilityTimeout: info.Config.AckWait,
		})
		s.metrics.RecordGroup(s.cfg.Name, info.Name, lag, info.NumAckPending)
	}
	if err := lister.Err(); err != nil {
		return nil, errors.WrapTransient(err, "JetStream", "Groups", "list consumers")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if out == nil {
		out = []stream.GroupInfo{}
	}
	return out, nil
}

// Len returns the number of stored messages.
func (s *Stream) Len(ctx context.Context) (int, error) {
	info, err := s.st.Info(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "JetStream", "Len", "stream info")
	}
	return int(info.State.Msgs), nil
}

// Trim purges every message at or below the lowest consumer ack floor and,
// with MaxAge set, older than MaxAge.
func (s *Stream) Trim(ctx context.Context) (int, error) {
	lister := s.st.ListConsumers(ctx)
	var floor uint64
	groups := 0
	for info := range lister.Info() {
		if info == nil {
			continue
		}
		if groups == 0 || info.AckFloor.Stream < floor {
			floor = info.AckFloor.Stream
		}
		groups++
	}
	if err := lister.Err(); err != nil {
		return 0, errors.WrapTransient(err, "JetStream", "Trim", "list consumers")
	}
	if groups == 0 || floor == 0 {
		return 0, nil
	}

	before, err := s.st.Info(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "JetStream", "Trim", "stream info")
	}
	first := before.State.FirstSeq
	keep := floor + 1
	if s.cfg.MaxAge > 0 && first < keep {
		keep = s.firstYoung(ctx, first, keep)
	}
	if keep <= first {
		return 0, nil
	}

	if err := s.st.Purge(ctx, jetstream.WithPurgeSequence(keep)); err != nil {
		return 0, errors.WrapTransient(err, "JetStream", "Trim", "purge")
	}
	after, err := s.st.Info(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "JetStream", "Trim", "stream info")
	}
	removed := int(before.State.Msgs) - int(after.State.Msgs)
	if removed > 0 {
		s.metrics.RecordTrim(s.cfg.Name, removed, int(after.State.Msgs))
	}
	return removed, nil
}

// firstYoung finds the lowest sequence in [lo, hi) whose message is younger
// than MaxAge, or hi when all are old enough.
func (s *Stream) firstYoung(ctx context.Context, lo, hi uint64) uint64 {
	threshold := s.clock.Now().Add(-s.cfg.MaxAge)
	n := int(hi - lo)
	i := sort.Search(n, func(i int) bool {
		msg, err := s.st.GetMsg(ctx, lo+uint64(i), jetstream.WithGetMsgSubject(s.subject))
		if err != nil {
			return true
		}
		return msg.Time.After(threshold)
	})
	return lo + uint64(i)
}

// Close stops using the stream. The JetStream stream and consumers remain.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = make(map[string]map[stream.ID]*inflight)
	return nil
}
