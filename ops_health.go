package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"polserver/hardware"
	"polserver/monitor"
	"polserver/operation"
	"polserver/telemetry"
)

const (
	healthInterval      = 30 * time.Second
	healthIdleThreshold = 2 * time.Minute
	healthLogPrefix     = "Health: "

	// A non-terminal operation this old means a worker is wedged or a
	// completion update was lost.
	staleOperationAge = 10 * time.Minute
)

type healthSnapshot struct {
	Connected  bool
	LastDataAt time.Time
	Processed  uint64
	Errors     uint64
	Drops      uint64
	InFlight   int64
}

type healthSource struct {
	name     string
	snapshot func() healthSnapshot
}

type healthState struct {
	connected   bool
	idle        bool
	initialized bool
}

// Purpose: Periodically log subsystem health transitions with low noise.
// Key aspects: Reports only on connected/idle state changes, plus a one-time
// warning per stale operation.
// Upstream: main startup after the executor and consumer are created.
// Downstream: log.Printf.
func startHealthMonitor(ctx context.Context, sources []healthSource, registry *operation.Registry) {
	if len(sources) == 0 && registry == nil {
		return
	}
	ticker := time.NewTicker(healthInterval)
	go func() {
		defer ticker.Stop()
		states := make(map[string]healthState, len(sources))
		warnedStale := make(map[string]struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				for _, source := range sources {
					if source.snapshot == nil {
						continue
					}
					snap := source.snapshot()
					idle := healthIsIdle(snap, now)
					state := states[source.name]
					if !state.initialized || state.connected != snap.Connected || state.idle != idle {
						log.Printf("%s%s", healthLogPrefix, formatHealthLine(source.name, snap, idle, now))
						states[source.name] = healthState{
							connected:   snap.Connected,
							idle:        idle,
							initialized: true,
						}
					}
				}
				if registry != nil {
					warnStaleOperations(registry, warnedStale, now)
				}
			}
		}
	}()
}

// warnStaleOperations logs each operation stuck in a non-terminal state past
// staleOperationAge, once per operation.
func warnStaleOperations(registry *operation.Registry, warned map[string]struct{}, now time.Time) {
	for _, op := range registry.List() {
		if op.Status.Terminal() {
			delete(warned, op.ID)
			continue
		}
		if now.Sub(op.StartedAt) < staleOperationAge {
			continue
		}
		if _, seen := warned[op.ID]; seen {
			continue
		}
		warned[op.ID] = struct{}{}
		log.Printf("%soperation %s (%s) still %s after %s", healthLogPrefix,
			op.ID, op.Command, op.Status, ageString(now, op.StartedAt))
	}
}

func healthIsIdle(snap healthSnapshot, now time.Time) bool {
	if snap.LastDataAt.IsZero() {
		return true
	}
	return now.Sub(snap.LastDataAt) > healthIdleThreshold
}

func formatHealthLine(name string, snap healthSnapshot, idle bool, now time.Time) string {
	status := "connected"
	if !snap.Connected {
		status = "disconnected"
	}
	state := "active"
	if idle {
		state = "idle"
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(status)
	b.WriteString(" ")
	b.WriteString(state)
	if !snap.LastDataAt.IsZero() {
		b.WriteString(" last_data=")
		b.WriteString(ageString(now, snap.LastDataAt))
	}
	if snap.Processed > 0 {
		b.WriteString(" processed=")
		b.WriteString(humanize.Comma(int64(snap.Processed)))
	}
	if snap.InFlight > 0 {
		b.WriteString(fmt.Sprintf(" in_flight=%d", snap.InFlight))
	}
	var dropParts []string
	if snap.Errors > 0 {
		dropParts = append(dropParts, fmt.Sprintf("errors=%d", snap.Errors))
	}
	if snap.Drops > 0 {
		dropParts = append(dropParts, fmt.Sprintf("drops=%d", snap.Drops))
	}
	if len(dropParts) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(dropParts, ","))
	}
	return b.String()
}

func ageString(now time.Time, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	if age < 0 {
		age = 0
	}
	if age < time.Second {
		return "0s"
	}
	return age.Truncate(time.Second).String()
}

func bridgeHealthSource(name string, bridge *monitor.Bridge) healthSource {
	return healthSource{
		name: name,
		snapshot: func() healthSnapshot {
			if bridge == nil {
				return healthSnapshot{}
			}
			h := bridge.Health()
			return healthSnapshot{
				Connected:  h.Connected,
				LastDataAt: h.LastPayloadAt,
				Processed:  h.Appended,
				Errors:     h.ParseErrors,
				Drops:      h.DupDrops,
			}
		},
	}
}

func consumerHealthSource(name string, consumer *telemetry.Consumer) healthSource {
	return healthSource{
		name: name,
		snapshot: func() healthSnapshot {
			if consumer == nil {
				return healthSnapshot{}
			}
			stats := consumer.Stats()
			snap := healthSnapshot{
				Connected: stats.Started,
				Processed: stats.TotalReads,
				Errors:    stats.FailedReads,
			}
			if stats.LastSuccessfulRead != "" {
				if at, err := time.Parse(time.RFC3339Nano, stats.LastSuccessfulRead); err == nil {
					snap.LastDataAt = at
				}
			}
			return snap
		},
	}
}

func executorHealthSource(name string, exec *hardware.Executor) healthSource {
	return healthSource{
		name: name,
		snapshot: func() healthSnapshot {
			if exec == nil {
				return healthSnapshot{}
			}
			return healthSnapshot{
				Connected: true,
				Processed: exec.Executed(),
				Errors:    exec.Timeouts(),
				InFlight:  int64(exec.InFlight()),
			}
		},
	}
}
