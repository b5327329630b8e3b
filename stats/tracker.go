// Package stats tracks per-command and per-outcome operation counters for
// diagnostics endpoints and periodic console output.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks dispatch statistics by command and outcome.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-dispatch increments
	// don't fight over a mutex
	commandCounts sync.Map // string -> *atomic.Uint64
	outcomeCounts sync.Map // string -> *atomic.Uint64
	start         atomic.Int64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementCommand increases the count for a dispatched command name.
func (t *Tracker) IncrementCommand(name string) {
	incrementCounter(&t.commandCounts, name)
}

// IncrementOutcome increases the count for a terminal outcome (completed, error).
func (t *Tracker) IncrementOutcome(outcome string) {
	incrementCounter(&t.outcomeCounts, outcome)
}

// GetCommandCounts returns a copy of the per-command counts.
func (t *Tracker) GetCommandCounts() map[string]uint64 {
	return copyCounts(&t.commandCounts)
}

// GetOutcomeCounts returns a copy of the per-outcome counts.
func (t *Tracker) GetOutcomeCounts() map[string]uint64 {
	return copyCounts(&t.outcomeCounts)
}

// GetTotal returns the total number of dispatched commands.
func (t *Tracker) GetTotal() uint64 {
	var total uint64
	t.commandCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

func incrementCounter(m *sync.Map, key string) {
	if key == "" {
		return
	}
	value, _ := m.LoadOrStore(key, &atomic.Uint64{})
	value.(*atomic.Uint64).Add(1)
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}
