package metrics

import (
	"sync"
	"time"
)

// Counter names used across the pipeline.
const (
	CounterClaimed      = "outbox_claimed"
	CounterPublished    = "outbox_published"
	CounterProcessed    = "events_processed"
	CounterDuplicates   = "events_duplicate"
	CounterRetried      = "events_retried"
	CounterDeadLettered = "events_dead_lettered"
	CounterReplayed     = "events_replayed"
)

// LatencySnapshot summarizes the observed processing latency for one event
// type.
type LatencySnapshot struct {
	Count     int64   `json:"count"`
	TotalMs   int64   `json:"total_ms"`
	AverageMs float64 `json:"average_ms"`
	MinMs     int64   `json:"min_ms"`
	MaxMs     int64   `json:"max_ms"`
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Counters      map[string]int64           `json:"counters"`
	Latency       map[string]LatencySnapshot `json:"latency_by_event_type"`
}

type latency struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

// Metrics collects in-process pipeline counters and per-event-type latency.
// It is observational only: the analytics rollups live in the database, and
// nothing here feeds back into processing decisions.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]int64
	latencies map[string]*latency
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		latencies: make(map[string]*latency),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordLatency records one processing duration for an event type.
func (m *Metrics) RecordLatency(eventType string, d time.Duration) {
	ms := d.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.latencies[eventType]
	if !ok {
		l = &latency{minMs: ms, maxMs: ms}
		m.latencies[eventType] = l
	}
	l.count++
	l.totalMs += ms
	if ms < l.minMs {
		l.minMs = ms
	}
	if ms > l.maxMs {
		l.maxMs = ms
	}
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Snapshot returns a copy of all collected metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, value := range m.counters {
		counters[name] = value
	}

	latencies := make(map[string]LatencySnapshot, len(m.latencies))
	for eventType, l := range m.latencies {
		snap := LatencySnapshot{
			Count:   l.count,
			TotalMs: l.totalMs,
			MinMs:   l.minMs,
			MaxMs:   l.maxMs,
		}
		if l.count > 0 {
			snap.AverageMs = float64(l.totalMs) / float64(l.count)
		}
		latencies[eventType] = snap
	}

	return Snapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Counters:      counters,
		Latency:       latencies,
	}
}
