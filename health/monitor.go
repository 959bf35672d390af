package health

import (
	"sort"
	"sync"
	"time"
)

// Recorder receives one sample per probe result. *metric.Metrics
// satisfies it.
type Recorder interface {
	RecordHealthStatus(check string, healthy bool)
}

// Transition is a probe changing state.
type Transition struct {
	Name  string
	From  State
	To    State
	Since time.Time
}

type record struct {
	status Status
	since  time.Time
}

// Monitor keeps the last result of every probe and when each last changed
// state.
type Monitor struct {
	recorder     Recorder
	onTransition func(Transition)

	mu      sync.RWMutex
	records map[string]record
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{records: make(map[string]record)}
}

// Update stores status under name, overriding status.Component. It reports
// whether the probe changed state; the first result for a name counts as a
// change only when it is not healthy.
func (m *Monitor) Update(name string, status Status) bool {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	prev, seen := m.records[name]
	rec := record{status: status, since: status.Timestamp}
	changed := !seen && !status.IsHealthy()
	if seen {
		if prev.status.Status == status.Status {
			rec.since = prev.since
		} else {
			changed = true
		}
	}
	m.records[name] = rec
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordHealthStatus(name, status.IsHealthy())
	}
	if changed && m.onTransition != nil {
		from := StateHealthy
		if seen {
			from = prev.status.Status
		}
		m.onTransition(Transition{Name: name, From: from, To: status.Status, Since: rec.since})
	}
	return changed
}

// Get returns the last status recorded for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return rec.status, ok
}

// Since returns when name entered its current state.
func (m *Monitor) Since(name string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return rec.since, ok
}

// Remove forgets name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, name)
}

// Names lists monitored probes in order.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for n := range m.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot aggregates the last recorded results without running probes.
func (m *Monitor) Snapshot(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.records))
	for _, rec := range m.records {
		subs = append(subs, rec.status)
	}
	m.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(system, subs)
}
