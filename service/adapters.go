package service

import (
	"context"
	"sync"
	"time"

	"github.com/penguintechinc/killkrill-sub000/component"
	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/health"
)

// Waiter is implemented by services whose background work can end on its
// own. The Manager shuts the process down when one ends with an error.
type Waiter interface {
	Done() <-chan struct{}
	Err() error
}

// ComponentService runs a component.Component.
type ComponentService struct {
	*BaseService
	comp component.Component
}

// FromComponent wraps comp. Start calls Initialize and then Start.
func FromComponent(comp component.Component, opts ...Option) *ComponentService {
	return &ComponentService{BaseService: NewBaseService(comp.Name(), opts...), comp: comp}
}

// Start initializes and starts the component.
func (c *ComponentService) Start(ctx context.Context) error {
	if !c.transition(StatusStarting, StatusStopped, StatusFailed) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "service", "Start", c.name)
	}
	if err := c.comp.Initialize(); err != nil {
		c.fail(err)
		return errors.Wrap(err, "service", "Start", "initialize "+c.name)
	}
	if err := c.comp.Start(ctx); err != nil {
		c.fail(err)
		return errors.Wrap(err, "service", "Start", "start "+c.name)
	}
	c.setStatus(StatusRunning)
	return nil
}

// Stop stops the component.
func (c *ComponentService) Stop(timeout time.Duration) error {
	if !c.transition(StatusStopping, StatusRunning) {
		return nil
	}
	if err := c.comp.Stop(timeout); err != nil {
		c.fail(err)
		return errors.Wrap(err, "service", "Stop", "stop "+c.name)
	}
	c.setStatus(StatusStopped)
	return nil
}

// Health reports the component's own health while running.
func (c *ComponentService) Health() health.Status {
	if c.Status() != StatusRunning {
		return c.BaseService.Health()
	}
	return health.FromComponentHealth(c.name, c.comp.Health())
}

// RunFunc is blocking work that returns when ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Runner runs a RunFunc on its own goroutine. Its context ends on Stop, not
// when the Start context is cancelled, so the Manager controls shutdown
// order. A nil return, or a context.Canceled return after Stop, is a clean
// exit.
type Runner struct {
	*BaseService
	run RunFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewRunner creates a Runner named name.
func NewRunner(name string, run RunFunc, opts ...Option) *Runner {
	return &Runner{BaseService: NewBaseService(name, opts...), run: run}
}

// Start launches run.
func (r *Runner) Start(ctx context.Context) error {
	if !r.transition(StatusStarting, StatusStopped, StatusFailed) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "service", "Start", r.name)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.err = nil
	r.mu.Unlock()

	r.setStatus(StatusRunning)
	go func() {
		defer close(done)
		err := r.run(runCtx)
		if err != nil && runCtx.Err() != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		if err != nil {
			r.logger.Error("Service exited with error", "error", err)
			r.fail(err)
			return
		}
		r.transition(StatusStopped, StatusRunning, StatusStopping)
	}()
	return nil
}

// Stop cancels run and waits up to timeout for it to return.
func (r *Runner) Stop(timeout time.Duration) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		// Exited on its own; the error, if any, is reported through Err.
		return nil
	default:
	}
	r.transition(StatusStopping, StatusRunning)
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return r.Err()
	case <-timer.C:
		return errors.WrapTransient(errors.ErrConnectionTimeout, "service", "Stop",
			"wait for "+r.name)
	}
}

// Done is closed when run returns. It is nil before Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err is the error run returned, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// FuncService adapts a non-blocking start and a timed stop, like
// metric.Server.
type FuncService struct {
	*BaseService
	start func() error
	stop  func(timeout time.Duration) error
}

// NewFuncService creates a FuncService. stop may be nil.
func NewFuncService(name string, start func() error, stop func(time.Duration) error, opts ...Option) *FuncService {
	return &FuncService{BaseService: NewBaseService(name, opts...), start: start, stop: stop}
}

// Start calls start.
func (f *FuncService) Start(context.Context) error {
	if !f.transition(StatusStarting, StatusStopped, StatusFailed) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "service", "Start", f.name)
	}
	if err := f.start(); err != nil {
		f.fail(err)
		return errors.Wrap(err, "service", "Start", "start "+f.name)
	}
	f.setStatus(StatusRunning)
	return nil
}

// Stop calls stop.
func (f *FuncService) Stop(timeout time.Duration) error {
	if !f.transition(StatusStopping, StatusRunning) {
		return nil
	}
	if f.stop != nil {
		if err := f.stop(timeout); err != nil {
			f.fail(err)
			return errors.Wrap(err, "service", "Stop", "stop "+f.name)
		}
	}
	f.setStatus(StatusStopped)
	return nil
}
