// Package metrics tracks VM-lifecycle counters for the supervisor's stats
// reporter, adapted from an atomic-counters-over-a-struct style: every
// counter is a sync/atomic field, updated from whichever goroutine observes
// the event, read by the ticker that logs the periodic summary.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for a running supervisor.
type Metrics struct {
	VMsCreated   atomic.Uint64
	VMsDestroyed atomic.Uint64
	VMsRunning   atomic.Int64 // created - destroyed, kept as its own counter to avoid races between reads

	CreateFailures atomic.Uint64 // phase-1 or phase-2 create failures
	DestroyFailures atomic.Uint64 // destroy of an unknown/already-reaped VM

	StartTime atomic.Int64 // UnixNano at process start
}

// New creates a Metrics instance with StartTime set to now.
func New(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

// RecordCreated increments the created/running counters.
func (m *Metrics) RecordCreated() {
	m.VMsCreated.Add(1)
	m.VMsRunning.Add(1)
}

// RecordDestroyed increments the destroyed counter and decrements running.
func (m *Metrics) RecordDestroyed() {
	m.VMsDestroyed.Add(1)
	m.VMsRunning.Add(-1)
}

// RecordCreateFailure increments the create-failure counter.
func (m *Metrics) RecordCreateFailure() {
	m.CreateFailures.Add(1)
}

// RecordDestroyFailure increments the destroy-failure counter.
func (m *Metrics) RecordDestroyFailure() {
	m.DestroyFailures.Add(1)
}

// Snapshot is a point-in-time, non-atomic copy suitable for logging.
type Snapshot struct {
	Uptime          time.Duration
	VMsCreated      uint64
	VMsDestroyed    uint64
	VMsRunning      int64
	CreateFailures  uint64
	DestroyFailures uint64
}

// Snapshot returns the current values of every counter.
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Uptime:          now.Sub(time.Unix(0, m.StartTime.Load())),
		VMsCreated:      m.VMsCreated.Load(),
		VMsDestroyed:    m.VMsDestroyed.Load(),
		VMsRunning:      m.VMsRunning.Load(),
		CreateFailures:  m.CreateFailures.Load(),
		DestroyFailures: m.DestroyFailures.Load(),
	}
}
