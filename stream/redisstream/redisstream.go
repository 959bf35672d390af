// Package redisstream implements stream.Stream on Redis Streams.
//
// Entries are stored with XADD under a single field holding the CBOR payload,
// consumer groups map onto Redis consumer groups and the pending set is the
// group's PEL. Expired claims are found with XPENDING IDLE and taken over with
// XCLAIM, so a delivery count survives the takeover. Per-group visibility
// timeouts live in a companion hash because Redis has no such group setting.
package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/pkg/codec"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

const (
	payloadField = "e"
	groupsSuffix = ":groups"
	pendingScan  = 10000
)

// boundedAdd XADDs only while the stream is below max_len, so concurrent
// appenders cannot overshoot the bound. It returns nil when the stream is
// full.
var boundedAdd = redis.NewScript(`
if redis.call('XLEN', KEYS[1]) >= tonumber(ARGV[1]) then
	return false
end
return redis.call('XADD', KEYS[1], '*', ARGV[2], ARGV[3])
`)

// Config configures one Redis-backed stream.
type Config struct {
	// Key is the Redis key of the stream.
	Key               string        `json:"key"`
	MaxLen            int           `json:"max_len"`
	MaxAge            time.Duration `json:"max_age"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	Limits            event.Limits  `json:"limits"`
}

// Deps holds runtime dependencies
type Deps struct {
	Config  Config
	Client  redis.UniversalClient
	Clock   clock.Clock
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Stream is a stream.Stream over one Redis stream key.
type Stream struct {
	cfg     Config
	client  redis.UniversalClient
	clock   clock.Clock
	metrics *metric.Metrics
	logger  *slog.Logger

	mu         sync.RWMutex
	visibility map[string]time.Duration
	closed     bool
}

var _ stream.Stream = (*Stream)(nil)

// New wraps an established client. The client is shared and not closed by
// Close.
func New(deps Deps) (*Stream, error) {
	if deps.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "RedisStream", "New", "redis client")
	}
	cfg := deps.Config
	if cfg.Key == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "RedisStream", "New", "stream key")
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = stream.DefaultMaxLen
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = stream.DefaultVisibilityTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "redisstream", "stream", cfg.Key)
	}
	return &Stream{
		cfg:        cfg,
		client:     deps.Client,
		clock:      clock.OrReal(deps.Clock),
		metrics:    deps.Metrics,
		logger:     logger,
		visibility: make(map[string]time.Duration),
	}, nil
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RedisStream", "Connect", "parse url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "RedisStream", "Connect", "ping")
	}
	return client, nil
}

// Name returns the stream key
func (s *Stream) Name() string { return s.cfg.Key }

func (s *Stream) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Append validates and XADDs ev. At capacity a trim pass runs and the add is
// retried once.
func (s *Stream) Append(ctx context.Context, ev event.Event) (stream.ID, error) {
	if s.isClosed() {
		return stream.ID{}, errors.ErrStreamClosed
	}
	if err := ev.Validate(s.clock.Now(), s.cfg.Limits); err != nil {
		return stream.ID{}, err
	}
	payload, err := codec.Marshal(ev)
	if err != nil {
		return stream.ID{}, errors.WrapInvalid(err, "RedisStream", "Append", "encode event")
	}

	raw, err := s.add(ctx, payload)
	if err == redis.Nil {
		// full: trim what every group is done with and try once more
		if _, err := s.Trim(ctx); err != nil {
			return stream.ID{}, err
		}
		raw, err = s.add(ctx, payload)
		if err == redis.Nil {
			s.metrics.RecordCapacityRejection(s.cfg.Key)
			return stream.ID{}, fmt.Errorf("%s: %w (max_len %d)", s.cfg.Key, errors.ErrCapacityExceeded, s.cfg.MaxLen)
		}
	}
	if err != nil {
		return stream.ID{}, errors.WrapTransient(err, "RedisStream", "Append", "xadd")
	}
	id, err := stream.ParseID(raw)
	if err != nil {
		return stream.ID{}, errors.WrapFatal(err, "RedisStream", "Append", "parse assigned id")
	}
	if depth, err := s.client.XLen(ctx, s.cfg.Key).Result(); err == nil {
		s.metrics.RecordAppend(s.cfg.Key, int(depth))
	}
	return id, nil
}

// add appends payload, atomically bounded by MaxLen when one is set. A full
// stream yields redis.Nil.
func (s *Stream) add(ctx context.Context, payload []byte) (string, error) {
	if s.cfg.MaxLen <= 0 {
		return s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.cfg.Key,
			ID:     "*",
			Values: map[string]any{payloadField: payload},
		}).Result()
	}
	return boundedAdd.Run(ctx, s.client, []string{s.cfg.Key}, s.cfg.MaxLen, payloadField, payload).Text()
}

// ReadBatch takes over expired claims first, then reads new entries with
// XREADGROUP. A blocking read is cut into slices no longer than the group's
// visibility timeout so claims that expire meanwhile are picked up.
func (s *Stream) ReadBatch(ctx context.Context, group, consumer string, maxCount int, block time.Duration) ([]stream.Entry, error) {
	if maxCount <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("max count %d", maxCount), "RedisStream", "ReadBatch", "validate request")
	}
	vis, err := s.groupVisibility(ctx, group)
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

		out, err := s.reclaim(ctx, group, consumer, maxCount, vis)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			s.metrics.RecordRedelivery(s.cfg.Key, group, len(out))
		}

		wait := time.Duration(-1)
		if len(out) == 0 && block > 0 {
			remaining := deadline.Sub(s.clock.Now())
			if remaining <= 0 {
				return []stream.Entry{}, nil
			}
			wait = min(remaining, vis)
			// BLOCK takes milliseconds and 0 means forever
			wait = max(wait, time.Millisecond)
		}

		fresh, err := s.readNew(ctx, group, consumer, maxCount-len(out), wait)
		if err != nil {
			return nil, err
		}
		out = append(out, fresh...)
		if len(out) > 0 || block <= 0 {
			if out == nil {
				out = []stream.Entry{}
			}
			return out, nil
		}
	}
}

func (s *Stream) reclaim(ctx context.Context, group, consumer string, maxCount int, vis time.Duration) ([]stream.Entry, error) {
	expired, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.cfg.Key,
		Group:  group,
		Idle:   vis,
		Start:  "-",
		End:    "+",
		Count:  int64(maxCount),
	}).Result()
	if err != nil {
		return nil, s.groupError(err, "ReadBatch", "xpending")
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(expired))
	deliveries := make(map[string]int, len(expired))
	for _, p := range expired {
		ids = append(ids, p.ID)
		deliveries[p.ID] = int(p.RetryCount) + 1
	}
	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.cfg.Key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  vis,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "RedisStream", "ReadBatch", "xclaim")
	}

	now := s.clock.Now()
	out := make([]stream.Entry, 0, len(msgs))
	for _, msg := range msgs {
		e, err := decodeMessage(msg, consumer, now)
		if err != nil {
			s.logger.Error("Skipping entry with foreign id", "id", msg.ID, "error", err)
			continue
		}
		e.Deliveries = deliveries[msg.ID]
		out = append(out, e)
	}
	return out, nil
}

func (s *Stream) readNew(ctx context.Context, group, consumer string, count int, wait time.Duration) ([]stream.Entry, error) {
	if count <= 0 {
		return nil, nil
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.cfg.Key, ">"},
		Count:    int64(count),
		Block:    wait,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, s.groupError(err, "ReadBatch", "xreadgroup")
	}

	now := s.clock.Now()
	var out []stream.Entry
	for _, xs := range res {
		for _, msg := range xs.Messages {
			e, err := decodeMessage(msg, consumer, now)
			if err != nil {
				s.logger.Error("Skipping entry with foreign id", "id", msg.ID, "error", err)
				continue
			}
			e.Deliveries = 1
			out = append(out, e)
		}
	}
	return out, nil
}

// decodeMessage converts an XMESSAGE. A payload that is missing or does not
// decode is reported through Entry.DecodeErr so the entry stays claimable;
// only an id that is not a stream id fails.
func decodeMessage(msg redis.XMessage, consumer string, now time.Time) (stream.Entry, error) {
	id, err := stream.ParseID(msg.ID)
	if err != nil {
		return stream.Entry{}, err
	}
	e := stream.Entry{
		ID:          id,
		AppendedAt:  id.Time(),
		Consumer:    consumer,
		DeliveredAt: now,
	}
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		e.DecodeErr = fmt.Errorf("%w: entry %s has no %q field", errors.ErrDataCorrupted, msg.ID, payloadField)
		return e, nil
	}
	e.Payload = []byte(raw)
	if err := codec.Unmarshal(e.Payload, &e.Event); err != nil {
		e.Event = event.Event{}
		e.DecodeErr = fmt.Errorf("%w: entry %s: %v", errors.ErrDataCorrupted, msg.ID, err)
	}
	return e, nil
}

// Ack XACKs ids and returns how many were pending.
func (s *Stream) Ack(ctx context.Context, group string, ids ...stream.ID) (int, error) {
	if s.isClosed() {
		return 0, errors.ErrStreamClosed
	}
	if _, err := s.groupVisibility(ctx, group); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	n, err := s.client.XAck(ctx, s.cfg.Key, group, raw...).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "RedisStream", "Ack", "xack")
	}
	return int(n), nil
}

// Pending lists the group's PEL.
func (s *Stream) Pending(ctx context.Context, group string) ([]stream.PendingEntry, error) {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.cfg.Key,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  pendingScan,
	}).Result()
	if err != nil {
		return nil, s.groupError(err, "Pending", "xpending")
	}
	out := make([]stream.PendingEntry, 0, len(res))
	for _, p := range res {
		id, err := stream.ParseID(p.ID)
		if err != nil {
			continue
		}
		out = append(out, stream.PendingEntry{
			ID:         id,
			Consumer:   p.Consumer,
			Deliveries: int(p.RetryCount),
			Age:        p.Idle,
		})
	}
	return out, nil
}

// CreateGroup runs XGROUP CREATE ... MKSTREAM; BUSYGROUP means it exists.
func (s *Stream) CreateGroup(ctx context.Context, name string, opts stream.GroupOptions) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RedisStream", "CreateGroup", "validate group name")
	}
	start := "0"
	switch {
	case opts.NewOnly:
		start = "$"
	case !opts.StartAt.IsZero():
		start = opts.StartAt.String()
	}
	vis := opts.VisibilityTimeout
	if vis <= 0 {
		vis = s.cfg.VisibilityTimeout
	}

	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Key, name, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.WrapTransient(err, "RedisStream", "CreateGroup", "xgroup create")
	}
	if err == nil {
		if herr := s.client.HSet(ctx, s.cfg.Key+groupsSuffix, name, vis.Milliseconds()).Err(); herr != nil {
			return errors.WrapTransient(herr, "RedisStream", "CreateGroup", "store visibility")
		}
	}
	s.mu.Lock()
	delete(s.visibility, name)
	s.mu.Unlock()
	return nil
}

// groupVisibility returns the group's visibility timeout and fails with
// ErrGroupNotFound for groups this stream never registered.
func (s *Stream) groupVisibility(ctx context.Context, group string) (time.Duration, error) {
	s.mu.RLock()
	vis, ok := s.visibility[group]
	s.mu.RUnlock()
	if ok {
		return vis, nil
	}

	raw, err := s.client.HGet(ctx, s.cfg.Key+groupsSuffix, group).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("%s/%s: %w", s.cfg.Key, group, errors.ErrGroupNotFound)
	}
	if err != nil {
		return 0, errors.WrapTransient(err, "RedisStream", "groupVisibility", "hget")
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		ms = s.cfg.VisibilityTimeout.Milliseconds()
	}
	vis = time.Duration(ms) * time.Millisecond

	s.mu.Lock()
	s.visibility[group] = vis
	s.mu.Unlock()
	return vis, nil
}

func (s *Stream) groupError(err error, method, action string) error {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return fmt.Errorf("%s: %w", s.cfg.Key, errors.ErrGroupNotFound)
	}
	return errors.WrapTransient(err, "RedisStream", method, action)
}

// Groups reports XINFO GROUPS plus the stored visibility timeouts.
func (s *Stream) Groups(ctx context.Context) ([]stream.GroupInfo, error) {
	infos, err := s.client.XInfoGroups(ctx, s.cfg.Key).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return []stream.GroupInfo{}, nil
		}
		return nil, errors.WrapTransient(err, "RedisStream", "Groups", "xinfo groups")
	}
	out := make([]stream.GroupInfo, 0, len(infos))
	for _, info := range infos {
		last, _ := stream.ParseID(info.LastDeliveredID)
		vis, err := s.groupVisibility(ctx, info.Name)
		if err != nil {
			vis = s.cfg.VisibilityTimeout
		}
		out = append(out, stream.GroupInfo{
			Name:              info.Name,
			LastDelivered:     last,
			Pending:           int(info.Pending),
			Lag:               int(max(info.Lag, 0)),
			VisibilityTimeout: vis,
		})
		s.metrics.RecordGroup(s.cfg.Key, info.Name, int(max(info.Lag, 0)), int(info.Pending))
	}
	return out, nil
}

// Len returns XLEN.
func (s *Stream) Len(ctx context.Context) (int, error) {
	n, err := s.client.XLen(ctx, s.cfg.Key).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "RedisStream", "Len", "xlen")
	}
	return int(n), nil
}

// Trim runs XTRIM MINID with a cutoff below every group cursor, every
// pending entry and, with MaxAge set, every entry younger than MaxAge.
func (s *Stream) Trim(ctx context.Context) (int, error) {
	infos, err := s.client.XInfoGroups(ctx, s.cfg.Key).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, errors.WrapTransient(err, "RedisStream", "Trim", "xinfo groups")
	}
	if len(infos) == 0 {
		return 0, nil
	}

	var cursors, lowest []stream.ID
	for _, info := range infos {
		last, err := stream.ParseID(info.LastDeliveredID)
		if err != nil {
			return 0, errors.WrapFatal(err, "RedisStream", "Trim", "parse cursor")
		}
		cursors = append(cursors, last)
		if info.Pending == 0 {
			continue
		}
		summary, err := s.client.XPending(ctx, s.cfg.Key, info.Name).Result()
		if err != nil {
			return 0, errors.WrapTransient(err, "RedisStream", "Trim", "xpending summary")
		}
		if summary.Count > 0 {
			low, err := stream.ParseID(summary.Lower)
			if err != nil {
				return 0, errors.WrapFatal(err, "RedisStream", "Trim", "parse pending")
			}
			lowest = append(lowest, low)
		}
	}

	var ageCutoff *stream.ID
	if s.cfg.MaxAge > 0 {
		ms := s.clock.Now().Add(-s.cfg.MaxAge).UnixMilli()
		id := stream.ID{Millis: uint64(max(ms, 0)) + 1}
		ageCutoff = &id
	}

	cutoff, ok := trimCutoff(cursors, lowest, ageCutoff)
	if !ok {
		return 0, nil
	}
	n, err := s.client.XTrimMinID(ctx, s.cfg.Key, cutoff.String()).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "RedisStream", "Trim", "xtrim")
	}
	if n > 0 {
		depth, _ := s.client.XLen(ctx, s.cfg.Key).Result()
		s.metrics.RecordTrim(s.cfg.Key, int(n), int(depth))
	}
	return int(n), nil
}

// trimCutoff returns the MINID below which every entry is trimmable: past
// every group cursor, before the lowest pending id of any group, and before
// ageCutoff when set. ok is false when nothing can be trimmed.
func trimCutoff(cursors, pendingLow []stream.ID, ageCutoff *stream.ID) (stream.ID, bool) {
	if len(cursors) == 0 {
		return stream.ID{}, false
	}
	floor := cursors[0]
	for _, c := range cursors[1:] {
		if c.Less(floor) {
			floor = c
		}
	}
	if floor.IsZero() {
		return stream.ID{}, false
	}
	// MINID keeps ids >= cutoff, so step just past the floor
	cutoff := stream.ID{Millis: floor.Millis, Seq: floor.Seq + 1}
	for _, low := range pendingLow {
		if low.Less(cutoff) {
			cutoff = low
		}
	}
	if ageCutoff != nil && ageCutoff.Less(cutoff) {
		cutoff = *ageCutoff
	}
	if cutoff.IsZero() {
		return stream.ID{}, false
	}
	return cutoff, true
}

// Close marks the stream closed. The shared client stays open.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
