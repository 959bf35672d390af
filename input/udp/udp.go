package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/penguintechinc/killkrill-sub000/component"
	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/buffer"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/pkg/retry"
	"github.com/penguintechinc/killkrill-sub000/pkg/security"
	"github.com/penguintechinc/killkrill-sub000/pkg/syslog"
	"github.com/penguintechinc/killkrill-sub000/pkg/worker"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// Drop reasons
const (
	DropMalformed = "malformed"
	DropForbidden = "forbidden"
	DropCapacity  = "capacity"
	DropOverload  = "overload"
	DropInvalid   = "invalid"
	DropError     = "error"
)

const (
	maxDatagram  = 65535
	readDeadline = 100 * time.Millisecond
	recentDrops  = 64
)

// Appender is the part of the stream router the receiver needs.
type Appender interface {
	Append(ctx context.Context, ev event.Event) (stream.Position, error)
}

// Deps holds runtime dependencies for the receiver
type Deps struct {
	Name   string
	Config Config
	Stream Appender
	// Allowlist restricts source addresses; nil allows all.
	Allowlist *security.Allowlist
	Clock     clock.Clock
	Metrics   *metric.Metrics
	Registry  *metric.MetricsRegistry
	Logger    *slog.Logger
}

// Drop records one frame the receiver discarded.
type Drop struct {
	Reason   string    `json:"reason"`
	Source   string    `json:"source"`
	Frame    string    `json:"frame"`
	Error    string    `json:"error,omitempty"`
	Received time.Time `json:"received"`
}

// Stats are cumulative receiver counters.
type Stats struct {
	Datagrams int64            `json:"datagrams"`
	Bytes     int64            `json:"bytes"`
	Frames    int64            `json:"frames"`
	Accepted  int64            `json:"accepted"`
	Dropped   map[string]int64 `json:"dropped"`
}

type datagram struct {
	data     []byte
	from     netip.AddrPort
	received time.Time
}

// Receiver is a UDP syslog listener.
type Receiver struct {
	name    string
	cfg     Config
	stream  Appender
	allow   *security.Allowlist
	clock   clock.Clock
	metrics *metric.Metrics
	m       *receiverMetrics
	logger  *slog.Logger

	retryConfig retry.Config
	pool        *worker.Pool[datagram]
	recent      buffer.Buffer[Drop]

	mu        sync.Mutex
	conn      *net.UDPConn
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time

	datagrams    atomic.Int64
	bytes        atomic.Int64
	frames       atomic.Int64
	accepted     atomic.Int64
	socketErrors atomic.Int64
	lastActivity atomic.Int64 // unix nanos

	dropMu  sync.Mutex
	dropped map[string]int64
	lastErr string
}

var _ component.Component = (*Receiver)(nil)

// New creates a receiver. Zero config fields take their defaults.
func New(deps Deps) (*Receiver, error) {
	cfg := deps.Config
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadBuffer == 0 {
		cfg.ReadBuffer = def.ReadBuffer
	}
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = def.AppendTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "udp.Receiver", "New", "validate config")
	}
	if deps.Stream == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "udp.Receiver", "New", "stream is required")
	}

	name := deps.Name
	if name == "" {
		name = "syslog"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "udp-receiver", "addr", cfg.Addr)
	}

	m, err := newReceiverMetrics(deps.Registry, name)
	if err != nil {
		return nil, errors.Wrap(err, "udp.Receiver", "New", "register metrics")
	}
	recent, err := buffer.New[Drop](recentDrops,
		buffer.WithMetrics(deps.Registry, "udp_"+name+"_drops"))
	if err != nil {
		return nil, errors.Wrap(err, "udp.Receiver", "New", "create drop buffer")
	}

	r := &Receiver{
		name:        name,
		cfg:         cfg,
		stream:      deps.Stream,
		allow:       deps.Allowlist,
		clock:       clock.OrReal(deps.Clock),
		metrics:     deps.Metrics,
		m:           m,
		logger:      logger,
		retryConfig: retry.Quick(),
		recent:      recent,
		dropped:     make(map[string]int64),
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, r.process,
		worker.WithMetrics[datagram](deps.Registry, "udp_"+name))
	return r, nil
}

// Name implements component.Component
func (r *Receiver) Name() string { return "udp-" + r.name }

// Initialize implements component.Component
func (r *Receiver) Initialize() error {
	return r.cfg.Validate()
}

// Start binds the socket and begins reading.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "udp.Receiver", "Start", "check state")
	}

	if err := retry.Do(ctx, r.retryConfig, r.bindSocket); err != nil {
		return errors.WrapTransient(err, "udp.Receiver", "Start", "socket binding")
	}
	if err := r.pool.Start(ctx); err != nil {
		_ = r.conn.Close()
		r.conn = nil
		return errors.Wrap(err, "udp.Receiver", "Start", "start worker pool")
	}

	r.done = make(chan struct{})
	r.startTime = r.clock.Now()
	r.running.Store(true)

	conn, done := r.conn, r.done
	go func() {
		defer close(done)
		r.readLoop(ctx, conn)
	}()

	r.logger.Info("Syslog receiver listening", "addr", conn.LocalAddr().String(),
		"workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
	return nil
}

func (r *Receiver) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", r.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Addr, err)
	}
	if err := conn.SetReadBuffer(r.cfg.ReadBuffer); err != nil {
		r.logger.Warn("Could not set UDP read buffer", "buffer_size", r.cfg.ReadBuffer, "error", err)
	}
	r.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stop closes the socket and drains queued datagrams within timeout.
func (r *Receiver) Stop(timeout time.Duration) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}

	r.mu.Lock()
	conn, done := r.conn, r.done
	r.conn = nil
	r.mu.Unlock()

	_ = conn.Close()

	deadline := time.Now().Add(timeout)
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("read loop still running after %v", timeout),
			"udp.Receiver", "Stop", "graceful shutdown")
	}

	if err := r.pool.Stop(time.Until(deadline)); err != nil {
		return errors.WrapTransient(err, "udp.Receiver", "Stop", "drain worker pool")
	}
	r.logger.Info("Syslog receiver stopped", "stats", r.Stats())
	return nil
}

func (r *Receiver) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)

	for r.running.Load() {
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !r.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.socketErrors.Add(1)
			if r.m != nil {
				r.m.socketErrors.Inc()
			}
			r.setLastError(err)
			r.logger.Warn("UDP read failed", "error", err)
			continue
		}

		now := r.clock.Now()
		r.datagrams.Add(1)
		r.bytes.Add(int64(n))
		r.lastActivity.Store(now.UnixNano())
		if r.m != nil {
			r.m.datagrams.Inc()
			r.m.bytes.Add(float64(n))
			r.m.lastActivity.Set(float64(now.Unix()))
		}

		d := datagram{data: make([]byte, n), from: from, received: now}
		copy(d.data, buf[:n])

		if !r.allow.Allows(from.Addr()) {
			r.dropDatagram(d, DropForbidden, nil)
			continue
		}
		if err := r.pool.Submit(d); err != nil {
			r.dropDatagram(d, DropOverload, err)
		}
	}
}

// process parses every frame of d and appends it. It runs on the pool.
func (r *Receiver) process(ctx context.Context, d datagram) error {
	source := d.from.Addr().Unmap().String()
	var failed int
	for _, frame := range syslog.Split(d.data) {
		r.frames.Add(1)
		if r.m != nil {
			r.m.frames.Inc()
		}

		msg, err := syslog.Parse(frame, d.received)
		if err != nil {
			r.drop(DropMalformed, source, frame, d.received, err)
			failed++
			continue
		}

		if err := r.append(ctx, msg.Event(source)); err != nil {
			r.drop(classify(err), source, frame, d.received, err)
			failed++
			continue
		}
		r.accepted.Add(1)
		r.metrics.RecordAccepted(string(event.KindLog), event.ProtocolSyslog, 1)
	}
	if failed > 0 {
		return fmt.Errorf("%d frames dropped", failed)
	}
	return nil
}

func (r *Receiver) append(ctx context.Context, ev event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AppendTimeout)
	defer cancel()
	_, err := r.stream.Append(ctx, ev)
	return err
}

func classify(err error) string {
	switch {
	case errors.Is(err, errors.ErrCapacityExceeded):
		return DropCapacity
	case errors.IsInvalid(err):
		return DropInvalid
	default:
		return DropError
	}
}

// dropDatagram counts every frame of d under reason.
func (r *Receiver) dropDatagram(d datagram, reason string, err error) {
	source := d.from.Addr().Unmap().String()
	frames := syslog.Split(d.data)
	if len(frames) == 0 {
		frames = [][]byte{d.data}
	}
	for _, f := range frames {
		r.drop(reason, source, f, d.received, err)
	}
}

func (r *Receiver) drop(reason, source string, frame []byte, received time.Time, err error) {
	r.dropMu.Lock()
	r.dropped[reason]++
	r.dropMu.Unlock()

	if r.m != nil {
		r.m.dropped.WithLabelValues(reason).Inc()
	}
	r.metrics.RecordRejected(string(event.KindLog), reason, 1)

	d := Drop{Reason: reason, Source: source, Frame: truncate(string(frame), 512), Received: received}
	if err != nil {
		d.Error = err.Error()
		if reason != DropMalformed {
			r.setLastError(err)
		}
	}
	_ = r.recent.Write(d)

	r.logger.Debug("Dropped syslog frame", "reason", reason, "source", source, "error", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (r *Receiver) setLastError(err error) {
	r.dropMu.Lock()
	r.lastErr = err.Error()
	r.dropMu.Unlock()
}

// RecentDrops returns the last dropped frames, oldest first.
func (r *Receiver) RecentDrops() []Drop {
	return r.recent.Snapshot()
}

// Stats returns a snapshot of the counters
func (r *Receiver) Stats() Stats {
	r.dropMu.Lock()
	dropped := make(map[string]int64, len(r.dropped))
	for k, v := range r.dropped {
		dropped[k] = v
	}
	r.dropMu.Unlock()

	return Stats{
		Datagrams: r.datagrams.Load(),
		Bytes:     r.bytes.Load(),
		Frames:    r.frames.Load(),
		Accepted:  r.accepted.Load(),
		Dropped:   dropped,
	}
}

// Health implements component.Component
func (r *Receiver) Health() component.HealthStatus {
	r.mu.Lock()
	healthy := r.running.Load() && r.conn != nil
	start := r.startTime
	r.mu.Unlock()

	r.dropMu.Lock()
	lastErr := r.lastErr
	r.dropMu.Unlock()

	now := r.clock.Now()
	hs := component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  now,
		ErrorCount: int(r.socketErrors.Load()),
		LastError:  lastErr,
	}
	if !start.IsZero() {
		hs.Uptime = now.Sub(start)
	}
	return hs
}

// DataFlow implements component.FlowReporter
func (r *Receiver) DataFlow() component.FlowMetrics {
	st := r.Stats()
	var errs int64
	for _, n := range st.Dropped {
		errs += n
	}
	var last time.Time
	if ns := r.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return component.Rates(st.Frames, st.Bytes, errs, r.Health().Uptime, last)
}
