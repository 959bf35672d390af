package health

import (
	"sort"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/component"
)

// State is the coarse health of a probe or of the whole process.
type State string

// States, ordered from best to worst.
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

func (s State) rank() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Status is the health of one probe, or of the process with one sub-status
// per probe.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      State     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are the counters a component reports with its health.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

func newStatus(component string, state State, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a degraded status. A degraded process still answers
// /healthz with 200.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func (s Status) IsHealthy() bool   { return s.Status == StateHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithSubStatus returns a copy of s with sub appended.
func (s Status) WithSubStatus(sub Status) Status {
	s.SubStatuses = append(append(make([]Status, 0, len(s.SubStatuses)+1), s.SubStatuses...), sub)
	return s
}

// Aggregate folds subs into one status for component. The result takes the
// worst sub-state and its message names the probes at that state, e.g.
// "unhealthy: sinks, stream:logs".
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "no checks registered")
	}

	worst := StateHealthy
	for _, sub := range subs {
		if sub.Status.rank() > worst.rank() {
			worst = sub.Status
		}
	}

	message := "all checks passing"
	if worst != StateHealthy {
		var names []string
		for _, sub := range subs {
			if sub.Status == worst {
				names = append(names, sub.Component)
			}
		}
		sort.Strings(names)
		message = string(worst) + ": " + strings.Join(names, ", ")
	}

	st := newStatus(component, worst, message)
	st.SubStatuses = append([]Status(nil), subs...)
	return st
}

// FromComponentHealth converts a component's self-reported health.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	st := NewUnhealthy(name, "not running")
	if ch.Healthy {
		st = NewHealthy(name, "running")
	}
	if ch.LastError != "" {
		st.Message = Sanitize(ch.LastError)
	}
	st.Metrics = &Metrics{
		Uptime:       ch.Uptime,
		ErrorCount:   ch.ErrorCount,
		LastActivity: ch.LastCheck,
	}
	return st
}
