package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/pkg/codec"
)

// MemoryConfig configures an in-process stream.
type MemoryConfig struct {
	Name string `json:"name"`
	// MaxLen bounds the number of stored entries. Zero uses DefaultMaxLen,
	// a negative value disables the bound.
	MaxLen int `json:"max_len"`
	// MaxAge keeps acknowledged entries at least this long before trimming.
	MaxAge time.Duration `json:"max_age"`
	// VisibilityTimeout is the default for groups created without one.
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	// Limits are applied to every appended event.
	Limits event.Limits `json:"limits"`
}

// MemoryDeps holds runtime dependencies for a Memory stream
type MemoryDeps struct {
	Config  MemoryConfig
	Journal *Journal        // optional; makes the stream durable
	Clock   clock.Clock     // optional; defaults to the real clock
	Metrics *metric.Metrics // optional
	Logger  *slog.Logger    // optional
}

type record struct {
	id         ID
	payload    []byte
	ev         event.Event
	appendedAt time.Time
}

type claim struct {
	consumer    string
	deliveries  int
	deliveredAt time.Time
	// expired forces the claim to be reclaimable regardless of its age.
	expired bool
}

func (c *claim) expiredAt(now time.Time, visibility time.Duration) bool {
	return c.expired || now.Sub(c.deliveredAt) >= visibility
}

type group struct {
	name          string
	lastDelivered ID
	visibility    time.Duration
	pending       map[ID]*claim
}

// Memory is a Stream held in process memory. Entries live in an arena sorted
// by ID; every mutation is serialized by one mutex. With a Journal attached,
// each mutation is written ahead to disk and replayed by OpenMemory.
type Memory struct {
	name    string
	cfg     MemoryConfig
	clock   clock.Clock
	journal *Journal
	metrics *metric.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries []*record
	lastID  ID
	groups  map[string]*group
	notify  chan struct{}
	closed  bool
}

var _ Stream = (*Memory)(nil)

// NewMemory creates an empty stream. A journal in deps is written to but not
// replayed; use OpenMemory to restore state from one.
func NewMemory(deps MemoryDeps) *Memory {
	cfg := deps.Config
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stream", "stream", cfg.Name)
	}

	m := &Memory{
		name:    cfg.Name,
		cfg:     cfg,
		clock:   clock.OrReal(deps.Clock),
		journal: deps.Journal,
		metrics: deps.Metrics,
		logger:  logger,
		groups:  make(map[string]*group),
		notify:  make(chan struct{}),
	}
	if m.journal != nil {
		m.journal.setSnapshotter(m.snapshotLocked)
	}
	return m
}

// OpenMemory creates a stream and restores its state from deps.Journal.
// Claims that were pending when the journal was written come back already
// expired, so the next reader of the group reclaims them. They keep their
// journaled delivery time, so Pending still reports their real age.
func OpenMemory(deps MemoryDeps) (*Memory, error) {
	m := NewMemory(deps)
	if m.journal == nil {
		return m, nil
	}
	n, err := m.journal.Replay(m.applyRecord)
	if err != nil {
		return nil, errors.Wrap(err, "Memory", "OpenMemory", "replay journal")
	}
	for _, g := range m.groups {
		for _, c := range g.pending {
			c.expired = true
		}
	}
	m.logger.Info("Stream restored from journal",
		"records", n, "entries", len(m.entries), "groups", len(m.groups), "last_id", m.lastID.String())
	return m, nil
}

// Name returns the stream name
func (m *Memory) Name() string { return m.name }

// Append validates ev, assigns the next ID and stores it.
func (m *Memory) Append(ctx context.Context, ev event.Event) (ID, error) {
	if err := ctx.Err(); err != nil {
		return ID{}, err
	}

	now := m.clock.Now()
	if err := ev.Validate(now, m.cfg.Limits); err != nil {
		return ID{}, err
	}
	payload, err := codec.Marshal(ev)
	if err != nil {
		return ID{}, errors.WrapInvalid(err, "Memory", "Append", "encode event")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ID{}, errors.ErrStreamClosed
	}

	if m.cfg.MaxLen > 0 && len(m.entries) >= m.cfg.MaxLen {
		m.trimLocked(now)
		if len(m.entries) >= m.cfg.MaxLen {
			m.metrics.RecordCapacityRejection(m.name)
			return ID{}, fmt.Errorf("%s: %w (max_len %d)", m.name, errors.ErrCapacityExceeded, m.cfg.MaxLen)
		}
	}

	rec := &record{id: nextID(m.lastID, now), payload: payload, ev: ev, appendedAt: now}
	if m.journal != nil {
		if err := m.journal.write(journalRecord{Op: opAppend, ID: rec.id, Payload: payload, At: now.UnixNano()}); err != nil {
			return ID{}, errors.WrapTransient(err, "Memory", "Append", "write journal")
		}
	}

	m.entries = append(m.entries, rec)
	m.lastID = rec.id
	m.metrics.RecordAppend(m.name, len(m.entries))
	if m.journal != nil {
		m.journal.maybeRotate()
	}

	close(m.notify)
	m.notify = make(chan struct{})

	return rec.id, nil
}

// ReadBatch claims up to maxCount entries for consumer.
func (m *Memory) ReadBatch(ctx context.Context, groupName, consumer string, maxCount int, block time.Duration) ([]Entry, error) {
	if maxCount <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("max count %d", maxCount), "Memory", "ReadBatch", "validate request")
	}

	deadline := m.clock.Now().Add(block)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.ErrStreamClosed
		}
		g, ok := m.groups[groupName]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%s/%s: %w", m.name, groupName, errors.ErrGroupNotFound)
		}

		now := m.clock.Now()
		out := m.claimLocked(g, consumer, maxCount, now)
		if len(out) > 0 || block <= 0 {
			m.mu.Unlock()
			return out, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			m.mu.Unlock()
			return []Entry{}, nil
		}
		if expiry, ok := g.nextExpiry(); ok {
			if d := expiry.Sub(now); d < remaining {
				remaining = d
			}
		}
		wake := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-m.clock.After(remaining):
		}
	}
}

// claimLocked collects expired claims, then new entries, and records the
// delivery. Callers hold m.mu.
func (m *Memory) claimLocked(g *group, consumer string, maxCount int, now time.Time) []Entry {
	var out []Entry
	var delivered []ID

	var expired []ID
	for id, c := range g.pending {
		if c.expiredAt(now, g.visibility) {
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool { return expired[i].Less(expired[j]) })
		if len(expired) > maxCount {
			expired = expired[:maxCount]
		}
		for _, id := range expired {
			rec := m.lookupLocked(id)
			if rec == nil {
				// cannot happen while trimming honours pending sets
				delete(g.pending, id)
				continue
			}
			delivered = append(delivered, id)
			out = append(out, m.deliverLocked(g, rec, consumer, now))
		}
		m.metrics.RecordRedelivery(m.name, g.name, len(out))
	}

	if len(out) < maxCount {
		start := sort.Search(len(m.entries), func(i int) bool {
			return g.lastDelivered.Less(m.entries[i].id)
		})
		for i := start; i < len(m.entries) && len(out) < maxCount; i++ {
			rec := m.entries[i]
			delivered = append(delivered, rec.id)
			out = append(out, m.deliverLocked(g, rec, consumer, now))
			g.lastDelivered = rec.id
		}
	}

	if len(delivered) > 0 && m.journal != nil {
		err := m.journal.write(journalRecord{
			Op: opDeliver, Group: g.name, Consumer: consumer, IDs: delivered, At: now.UnixNano(),
		})
		if err != nil {
			// replay treats these as undelivered, which only redelivers them
			m.logger.Warn("Delivery not journaled", "group", g.name, "count", len(delivered), "error", err)
		}
	}
	if len(delivered) > 0 {
		m.metrics.RecordGroup(m.name, g.name, m.lagLocked(g), len(g.pending))
	}
	return out
}

func (m *Memory) deliverLocked(g *group, rec *record, consumer string, now time.Time) Entry {
	c, ok := g.pending[rec.id]
	if !ok {
		c = &claim{}
		g.pending[rec.id] = c
	}
	c.consumer = consumer
	c.deliveries++
	c.deliveredAt = now
	c.expired = false

	return Entry{
		ID:          rec.id,
		Payload:     rec.payload,
		Event:       rec.ev,
		AppendedAt:  rec.appendedAt,
		Consumer:    consumer,
		Deliveries:  c.deliveries,
		DeliveredAt: now,
	}
}

func (m *Memory) lookupLocked(id ID) *record {
	i := sort.Search(len(m.entries), func(i int) bool { return !m.entries[i].id.Less(id) })
	if i < len(m.entries) && m.entries[i].id == id {
		return m.entries[i]
	}
	return nil
}

func (m *Memory) lagLocked(g *group) int {
	start := sort.Search(len(m.entries), func(i int) bool {
		return g.lastDelivered.Less(m.entries[i].id)
	})
	return len(m.entries) - start
}

func (g *group) nextExpiry() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, c := range g.pending {
		exp := c.deliveredAt.Add(g.visibility)
		if c.expired {
			exp = c.deliveredAt
		}
		if !found || exp.Before(earliest) {
			earliest, found = exp, true
		}
	}
	return earliest, found
}

// Ack removes ids from the group's pending set.
func (m *Memory) Ack(_ context.Context, groupName string, ids ...ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.ErrStreamClosed
	}
	g, ok := m.groups[groupName]
	if !ok {
		return 0, fmt.Errorf("%s/%s: %w", m.name, groupName, errors.ErrGroupNotFound)
	}

	var acked []ID
	for _, id := range ids {
		if _, pending := g.pending[id]; pending {
			acked = append(acked, id)
		}
	}
	if len(acked) == 0 {
		return 0, nil
	}
	if m.journal != nil {
		if err := m.journal.write(journalRecord{Op: opAck, Group: g.name, IDs: acked}); err != nil {
			return 0, errors.WrapTransient(err, "Memory", "Ack", "write journal")
		}
	}
	for _, id := range acked {
		delete(g.pending, id)
	}
	if m.journal != nil {
		m.journal.maybeRotate()
	}
	m.metrics.RecordGroup(m.name, g.name, m.lagLocked(g), len(g.pending))
	return len(acked), nil
}

// Pending lists the group's in-flight claims in ID order.
func (m *Memory) Pending(_ context.Context, groupName string) ([]PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", m.name, groupName, errors.ErrGroupNotFound)
	}

	now := m.clock.Now()
	out := make([]PendingEntry, 0, len(g.pending))
	for id, c := range g.pending {
		p := PendingEntry{ID: id, Consumer: c.consumer, Deliveries: c.deliveries}
		// claims restored from snapshots written without a delivery time
		if !c.deliveredAt.IsZero() {
			p.Age = now.Sub(c.deliveredAt)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

// CreateGroup registers a consumer group; existing groups are left untouched.
func (m *Memory) CreateGroup(_ context.Context, name string, opts GroupOptions) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Memory", "CreateGroup", "validate group name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.ErrStreamClosed
	}
	if _, exists := m.groups[name]; exists {
		return nil
	}

	start := opts.StartAt
	if opts.NewOnly {
		start = m.lastID
	}
	vis := opts.VisibilityTimeout
	if vis <= 0 {
		vis = m.cfg.VisibilityTimeout
	}

	if m.journal != nil {
		err := m.journal.write(journalRecord{Op: opGroup, Group: name, ID: start, Visibility: int64(vis)})
		if err != nil {
			return errors.WrapTransient(err, "Memory", "CreateGroup", "write journal")
		}
	}
	m.groups[name] = &group{name: name, lastDelivered: start, visibility: vis, pending: make(map[ID]*claim)}
	m.logger.Debug("Consumer group created", "group", name, "start_at", start.String(), "visibility", vis)
	return nil
}

// Groups describes every registered group, sorted by name.
func (m *Memory) Groups(_ context.Context) ([]GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]GroupInfo, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, GroupInfo{
			Name:              g.name,
			LastDelivered:     g.lastDelivered,
			Pending:           len(g.pending),
			Lag:               m.lagLocked(g),
			VisibilityTimeout: g.visibility,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

// Trim removes every entry that is at or before the cursor of all groups,
// pending in none, and older than MaxAge.
func (m *Memory) Trim(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.ErrStreamClosed
	}
	return m.trimLocked(m.clock.Now()), nil
}

func (m *Memory) trimLocked(now time.Time) int {
	if len(m.groups) == 0 || len(m.entries) == 0 {
		return 0
	}

	var floor ID
	first := true
	for _, g := range m.groups {
		if first || g.lastDelivered.Less(floor) {
			floor = g.lastDelivered
			first = false
		}
	}

	var removed []ID
	for _, rec := range m.entries {
		if floor.Less(rec.id) {
			break
		}
		if m.trimmableLocked(rec, now) {
			removed = append(removed, rec.id)
		}
	}
	if len(removed) == 0 {
		return 0
	}

	if m.journal != nil {
		if err := m.journal.write(journalRecord{Op: opTrim, IDs: removed}); err != nil {
			m.logger.Warn("Trim skipped, journal write failed", "eligible", len(removed), "error", err)
			return 0
		}
	}

	drop := make(map[ID]struct{}, len(removed))
	for _, id := range removed {
		drop[id] = struct{}{}
	}
	kept := m.entries[:0]
	for _, rec := range m.entries {
		if _, ok := drop[rec.id]; !ok {
			kept = append(kept, rec)
		}
	}
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = nil
	}
	m.entries = kept
	m.metrics.RecordTrim(m.name, len(removed), len(m.entries))
	if m.journal != nil {
		m.journal.maybeRotate()
	}
	return len(removed)
}

func (m *Memory) trimmableLocked(rec *record, now time.Time) bool {
	for _, g := range m.groups {
		if _, pending := g.pending[rec.id]; pending {
			return false
		}
	}
	if m.cfg.MaxAge > 0 && now.Sub(rec.appendedAt) < m.cfg.MaxAge {
		return false
	}
	return true
}

// Close releases blocked readers and the journal. Further calls fail with
// errors.ErrStreamClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.notify)
	if m.journal != nil {
		return m.journal.Close()
	}
	return nil
}
