package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/health"
)

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	services []Service
	names    map[string]struct{}
	started  int
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, names: make(map[string]struct{})}
}

// Add registers svc. Names must be unique.
func (m *Manager) Add(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.names[svc.Name()]; dup {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Add",
			"duplicate service "+svc.Name())
	}
	m.names[svc.Name()] = struct{}{}
	m.services = append(m.services, svc)
	return nil
}

// Services returns the registered services in start order.
func (m *Manager) Services() []Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Service(nil), m.services...)
}

// StartAll starts every service. If one fails, the services already
// started are stopped in reverse and the start error is returned.
func (m *Manager) StartAll(ctx context.Context, stopTimeout time.Duration) error {
	services := m.Services()
	m.logger.Debug("Starting services", "count", len(services))

	for i, svc := range services {
		start := time.Now()
		if err := svc.Start(ctx); err != nil {
			m.logger.Error("Service start failed", "service", svc.Name(), "error", err)
			m.stopRange(services[:i], stopTimeout)
			return errors.Wrap(err, "Manager", "StartAll", "start "+svc.Name())
		}
		m.mu.Lock()
		m.started = i + 1
		m.mu.Unlock()
		m.logger.Debug("Service started", "service", svc.Name(),
			"duration_ms", time.Since(start).Milliseconds())
	}
	m.logger.Info("All services started", "count", len(services))
	return nil
}

// StopAll stops started services in reverse order, giving each up to
// timeout.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	services := append([]Service(nil), m.services[:m.started]...)
	m.started = 0
	m.mu.Unlock()
	return m.stopRange(services, timeout)
}

func (m *Manager) stopRange(services []Service, timeout time.Duration) error {
	logger := m.logger.With("operation", "services-shutdown")
	overall := time.Now()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		start := time.Now()
		if err := svc.Stop(timeout); err != nil {
			logger.Error("Service stop failed", "service", svc.Name(),
				"duration_ms", time.Since(start).Milliseconds(), "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Debug("Service stopped", "service", svc.Name(),
			"duration_ms", time.Since(start).Milliseconds())
	}
	logger.Debug("Service shutdown sequence completed",
		"duration_ms", time.Since(overall).Milliseconds(), "error_count", len(errs))
	return stderrors.Join(errs...)
}

// Run starts every service, waits until ctx is cancelled or a Waiter
// service exits with an error, and then stops everything.
func (m *Manager) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := m.StartAll(ctx, shutdownTimeout); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range m.Services() {
		w, ok := svc.(Waiter)
		if !ok {
			continue
		}
		name := svc.Name()
		g.Go(func() error {
			select {
			case <-w.Done():
				if err := w.Err(); err != nil {
					return errors.Wrap(err, "Manager", "Run", name+" exited")
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		m.logger.Error("Shutting down after service failure", "error", runErr)
	} else {
		m.logger.Info("Received shutdown signal")
	}
	return stderrors.Join(runErr, m.StopAll(shutdownTimeout))
}

// RegisterHealth adds one probe per service to c.
func (m *Manager) RegisterHealth(c *health.Checker) {
	for _, svc := range m.Services() {
		c.Register("service:"+svc.Name(), func(context.Context) error {
			st := svc.Health()
			if st.IsUnhealthy() {
				return stderrors.New(st.Message)
			}
			return nil
		})
	}
}

// Infos returns a snapshot per service, in start order.
func (m *Manager) Infos() []Info {
	var out []Info
	for _, svc := range m.Services() {
		if b, ok := svc.(interface{ Info() Info }); ok {
			out = append(out, b.Info())
			continue
		}
		out = append(out, Info{Name: svc.Name(), Status: svc.Status()})
	}
	return out
}
