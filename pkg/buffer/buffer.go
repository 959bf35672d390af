// Package buffer provides a generic, thread-safe ring that keeps the most
// recent items.
//
// Rings hold the retained aggregate results per metric, queue results for
// slow websocket subscribers and remember the latest UDP drops. A full ring
// evicts its oldest item. Counters are always kept; Prometheus export is
// enabled with WithMetrics.
package buffer

import (
	"github.com/penguintechinc/killkrill-sub000/metric"
)

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write adds an item, evicting the oldest one when full.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes up to max items, oldest first.
	ReadBatch(max int) []T

	// Snapshot returns the held items oldest first without removing them.
	Snapshot() []T

	Size() int
	Capacity() int
	Clear()

	// Stats returns a copy of the operation counters.
	Stats() Stats

	// Close makes later writes fail.
	Close() error
}

// Stats are cumulative counters for one buffer.
type Stats struct {
	Writes   int64
	Reads    int64
	Drops    int64
	Size     int
	Capacity int
}

// Option configures a buffer.
type Option func(*config)

type config struct {
	registry *metric.MetricsRegistry
	name     string
}

// WithMetrics exports the buffer counters labelled with name. A nil registry
// or empty name is ignored.
func WithMetrics(registry *metric.MetricsRegistry, name string) Option {
	return func(c *config) {
		if registry != nil && name != "" {
			c.registry, c.name = registry, name
		}
	}
}

// New creates a ring of the given capacity. A capacity below one is raised
// to one.
func New[T any](capacity int, options ...Option) (Buffer[T], error) {
	var cfg config
	for _, opt := range options {
		if opt != nil {
			opt(&cfg)
		}
	}
	return newRing[T](capacity, cfg)
}
