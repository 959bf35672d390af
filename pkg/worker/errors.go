package worker

import (
	"fmt"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = fmt.Errorf("worker pool: %w", errors.ErrShuttingDown)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	// ErrQueueFull is returned by Submit when the queue is at capacity. It
	// classifies as transient.
	ErrQueueFull    = fmt.Errorf("worker pool queue full: %w", errors.ErrCapacityExceeded)
	ErrNilProcessor = errors.New("processor function cannot be nil")
	ErrStopTimeout  = fmt.Errorf("waiting for workers to stop: %w", errors.ErrConnectionTimeout)
)
