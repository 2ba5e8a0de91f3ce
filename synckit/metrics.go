package synckit

import (
	"sync"
	"time"
)

// MetricsCollector provides hooks for collecting sync operation metrics
type MetricsCollector interface {
	// RecordSyncDuration records how long an operation took ("cycle", "refresh")
	RecordSyncDuration(operation string, duration time.Duration)

	// RecordEntryOutcome records how a journal entry left a dispatch:
	// confirmed, retry, failed
	RecordEntryOutcome(kind Kind, outcome string)

	// RecordConflict records one conflict resolution and its decision
	RecordConflict(kind Kind, decision string)

	// RecordSyncErrors records sync operation errors by type
	RecordSyncErrors(operation string, errorType string)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSyncDuration(operation string, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordEntryOutcome(kind Kind, outcome string)                {}
func (n *NoOpMetricsCollector) RecordConflict(kind Kind, decision string)                   {}
func (n *NoOpMetricsCollector) RecordSyncErrors(operation string, errorType string)         {}

// CountingCollector keeps counters in memory. The operator API serves its snapshot.
type CountingCollector struct {
	mu        sync.Mutex
	durations map[string]time.Duration
	runs      map[string]int
	outcomes  map[string]int
	conflicts map[string]int
	errors    map[string]int
}

// MetricsSnapshot is a point-in-time copy of a CountingCollector.
type MetricsSnapshot struct {
	Runs         map[string]int           `json:"runs"`
	LastDuration map[string]time.Duration `json:"last_duration_ns"`
	Outcomes     map[string]int           `json:"outcomes"`
	Conflicts    map[string]int           `json:"conflicts"`
	Errors       map[string]int           `json:"errors"`
}

func NewCountingCollector() *CountingCollector {
	return &CountingCollector{
		durations: make(map[string]time.Duration),
		runs:      make(map[string]int),
		outcomes:  make(map[string]int),
		conflicts: make(map[string]int),
		errors:    make(map[string]int),
	}
}

func (c *CountingCollector) RecordSyncDuration(operation string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[operation]++
	c.durations[operation] = duration
}

func (c *CountingCollector) RecordEntryOutcome(kind Kind, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
	c.outcomes[string(kind)+"."+outcome]++
}

func (c *CountingCollector) RecordConflict(kind Kind, decision string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts[decision]++
	c.conflicts[string(kind)+"."+decision]++
}

func (c *CountingCollector) RecordSyncErrors(operation string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[operation+"."+errorType]++
}

// Snapshot copies the counters.
func (c *CountingCollector) Snapshot() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MetricsSnapshot{
		Runs:         copyCounts(c.runs),
		LastDuration: copyDurations(c.durations),
		Outcomes:     copyCounts(c.outcomes),
		Conflicts:    copyCounts(c.conflicts),
		Errors:       copyCounts(c.errors),
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDurations(m map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
