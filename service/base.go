// Package service runs the long-lived parts of a killkrill process: the
// receivers, the stream workers, and the metrics server. A Manager starts
// them in registration order and stops them in reverse.
package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/penguintechinc/killkrill-sub000/health"
	"github.com/penguintechinc/killkrill-sub000/metric"
)

// Status represents the current status of a service
type Status int32

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Service is one managed part of the process. Start must not block.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Status() Status
	Health() health.Status
}

// Info holds runtime information for a service
type Info struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	LastError string        `json:"last_error,omitempty"`
}

// Option is a functional option for configuring BaseService
type Option func(*BaseService)

// WithLogger sets a custom logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *BaseService) {
		if logger != nil {
			s.logger = logger.With("service", s.name)
		}
	}
}

// WithMetrics records status transitions on the registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *BaseService) {
		if registry != nil {
			s.metrics = registry.CoreMetrics()
		}
	}
}

// BaseService tracks the lifecycle state shared by every Service
// implementation in this package.
type BaseService struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics

	status    atomic.Int32
	startTime atomic.Value // time.Time
	lastErr   atomic.Value // string
}

// NewBaseService creates a stopped BaseService.
func NewBaseService(name string, opts ...Option) *BaseService {
	s := &BaseService{
		name:   name,
		logger: slog.Default().With("service", name),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startTime.Store(time.Time{})
	s.lastErr.Store("")
	s.setStatus(StatusStopped)
	return s
}

// Name returns the service name
func (s *BaseService) Name() string { return s.name }

// Status returns the current service status
func (s *BaseService) Status() Status { return Status(s.status.Load()) }

// Logger returns the service-scoped logger.
func (s *BaseService) Logger() *slog.Logger { return s.logger }

func (s *BaseService) setStatus(st Status) {
	s.status.Store(int32(st))
	if st == StatusRunning {
		s.startTime.Store(time.Now())
	}
	if s.metrics != nil {
		s.metrics.RecordServiceStatus(s.name, int(st))
	}
}

// transition moves from one of the given states to next. It reports false
// when the current state is not in from.
func (s *BaseService) transition(next Status, from ...Status) bool {
	for _, f := range from {
		if s.status.CompareAndSwap(int32(f), int32(next)) {
			s.setStatus(next)
			return true
		}
	}
	return false
}

func (s *BaseService) fail(err error) {
	if err != nil {
		s.lastErr.Store(err.Error())
	}
	s.setStatus(StatusFailed)
}

// Info returns a snapshot of the service's runtime state.
func (s *BaseService) Info() Info {
	info := Info{
		Name:      s.name,
		Status:    s.Status(),
		StartTime: s.startTime.Load().(time.Time),
		LastError: s.lastErr.Load().(string),
	}
	if info.Status == StatusRunning && !info.StartTime.IsZero() {
		info.Uptime = time.Since(info.StartTime)
	}
	return info
}

// Health maps the lifecycle state onto a health status. Starting and
// stopping services are degraded.
func (s *BaseService) Health() health.Status {
	switch st := s.Status(); st {
	case StatusRunning:
		return health.NewHealthy(s.name, "running")
	case StatusStarting, StatusStopping:
		return health.NewDegraded(s.name, st.String())
	case StatusFailed:
		msg := s.lastErr.Load().(string)
		if msg == "" {
			msg = "failed"
		}
		return health.NewUnhealthy(s.name, msg)
	default:
		return health.NewUnhealthy(s.name, "stopped")
	}
}
