package component

import (
	"context"
	"time"
)

// Component is a long-running part of the pipeline.
//   - Initialize validates and allocates, without blocking.
//   - Start launches background work and returns; the work ends when ctx
//     is cancelled or Stop is called.
//   - Stop waits up to timeout for in-flight work.
type Component interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() HealthStatus
}

// FlowReporter is implemented by components that track throughput.
type FlowReporter interface {
	DataFlow() FlowMetrics
}

// HealthStatus is a component's view of its own health.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// FlowMetrics is throughput averaged over a component's uptime.
type FlowMetrics struct {
	MessagesPerSecond float64   `json:"messages_per_second"`
	BytesPerSecond    float64   `json:"bytes_per_second"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}

// Rates derives FlowMetrics from cumulative counters over uptime.
func Rates(messages, bytes, errs int64, uptime time.Duration, last time.Time) FlowMetrics {
	fm := FlowMetrics{LastActivity: last}
	if secs := uptime.Seconds(); secs > 0 {
		fm.MessagesPerSecond = float64(messages) / secs
		fm.BytesPerSecond = float64(bytes) / secs
	}
	if messages > 0 {
		fm.ErrorRate = float64(errs) / float64(messages)
	}
	return fm
}
