package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config tunes the consumer loop. Zero fields take the documented defaults.
type Config struct {
	ChannelPrefix          string
	PollInterval           time.Duration
	ErrorBackoff           time.Duration
	ReadBlock              time.Duration
	ReadBudget             time.Duration
	Freshness              time.Duration
	MaxConsecutiveFailures int
	ResetCooldown          time.Duration
}

func (c *Config) normalize() {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "VV"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = 100 * time.Millisecond
	}
	if c.ReadBudget <= 0 {
		c.ReadBudget = 5 * time.Second
	}
	if c.Freshness <= 0 {
		c.Freshness = 2 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.ResetCooldown <= 0 {
		c.ResetCooldown = 5 * time.Minute
	}
}

// Snapshot is the latest derived counts value plus when it was computed.
// Readers treat snapshots older than the freshness window as absent.
type Snapshot struct {
	Counts
	At time.Time `json:"at"`
}

// SnapshotSink receives every published snapshot, best-effort.
type SnapshotSink interface {
	Append(snap Snapshot)
}

// StreamLog receives verbose per-entry diagnostics for the stream log file.
type StreamLog interface {
	WriteStreamLine(line string)
}

// Consumer runs the counts polling loop. All mutation happens on the single
// Run goroutine; diagnostics read the atomic fields from other goroutines and
// may observe slightly stale but never torn values.
type Consumer struct {
	stream    Stream
	cfg       Config
	sink      SnapshotSink
	streamLog StreamLog

	cursor   atomic.Pointer[string]
	snapshot atomic.Pointer[Snapshot]

	totalReads          atomic.Uint64
	failedReads         atomic.Uint64
	filteredReads       atomic.Uint64
	consecutiveFailures atomic.Int64
	lastSuccess         atomic.Int64 // unix nanos, 0 = never
	lastReset           atomic.Int64 // unix nanos, 0 = never
	resets              atomic.Uint64
	started             atomic.Bool
}

// NewConsumer builds a consumer over the given stream. sink and streamLog may
// be nil.
func NewConsumer(stream Stream, cfg Config, sink SnapshotSink, streamLog StreamLog) *Consumer {
	cfg.normalize()
	c := &Consumer{stream: stream, cfg: cfg, sink: sink, streamLog: streamLog}
	cursor := CursorBeginning
	c.cursor.Store(&cursor)
	return c
}

// Run polls the stream until ctx is cancelled. Data errors never terminate
// the loop; only cancellation does.
func (c *Consumer) Run(ctx context.Context) {
	c.started.Store(true)
	c.streamLine(fmt.Sprintf("consumer started (prefix=%s, poll=%s)", c.cfg.ChannelPrefix, c.cfg.PollInterval))
	for {
		sleep := c.iterate(ctx)
		select {
		case <-ctx.Done():
			c.streamLine("consumer stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// iterate performs one read-decode-filter-publish pass and returns how long
// to sleep before the next one.
func (c *Consumer) iterate(ctx context.Context) time.Duration {
	entry, err := c.readNext(ctx)
	if err != nil {
		c.failedReads.Add(1)
		failures := c.consecutiveFailures.Add(1)
		c.streamLine(fmt.Sprintf("read failed (consecutive=%d): %v", failures, err))
		log.Printf("Telemetry: stream read failed: %v", err)
		c.maybeRecover(failures)
		return c.cfg.ErrorBackoff
	}
	if entry == nil {
		// No new data is a normal idle iteration, not a failure.
		return c.cfg.PollInterval
	}

	// Guard against re-processing the same entry after a transport retry:
	// only a genuinely new position advances the cursor.
	if entry.Cursor == c.Cursor() {
		return c.cfg.PollInterval
	}
	c.setCursor(entry.Cursor)
	c.consecutiveFailures.Store(0)
	c.lastSuccess.Store(time.Now().UnixNano())

	fields := decodeFields(entry.Fields)
	if asInt(fields["isTrim"]) == 0 {
		c.filteredReads.Add(1)
		c.streamLine(fmt.Sprintf("filtering out non-trimmed entry at %s - this may be why data stops", entry.Cursor))
		return c.cfg.PollInterval
	}

	prefixData, ok := fields[c.cfg.ChannelPrefix].(map[string]any)
	if !ok {
		c.streamLine(fmt.Sprintf("prefix %q not found in entry at %s", c.cfg.ChannelPrefix, entry.Cursor))
		log.Printf("Telemetry: prefix %q not found in counts entry", c.cfg.ChannelPrefix)
		return c.cfg.PollInterval
	}

	counts := Derive(asInt(prefixData["As"]), asInt(prefixData["Bs"]), asInt(prefixData["C"]))
	snap := &Snapshot{Counts: counts, At: time.Now()}
	// Build the full snapshot first, then swap: readers see old or new, never a mix.
	c.snapshot.Store(snap)
	if c.sink != nil {
		c.sink.Append(*snap)
	}
	return c.cfg.PollInterval
}

// readNext reads the first entry after the cursor with the per-read block and
// the overall budget. A budget expiry counts as "no data", not a failure.
func (c *Consumer) readNext(ctx context.Context) (*Entry, error) {
	c.totalReads.Add(1)
	readCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadBudget)
	defer cancel()
	entry, err := c.stream.ReadAfter(readCtx, c.Cursor(), c.cfg.ReadBlock)
	if err != nil {
		// Budget expiry is an idle read; cancellation is a shutdown request.
		// Neither says anything about the stream's health.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// maybeRecover force-resets the cursor to the latest sentinel after a run of
// consecutive failures, rate-limited by the cooldown so a persistently broken
// backend cannot cause a reset storm.
func (c *Consumer) maybeRecover(failures int64) {
	if failures < int64(c.cfg.MaxConsecutiveFailures) {
		return
	}
	lastReset := c.lastReset.Load()
	now := time.Now()
	if lastReset != 0 && now.Sub(time.Unix(0, lastReset)) <= c.cfg.ResetCooldown {
		return
	}
	old := c.Cursor()
	c.setCursor(CursorLatest)
	c.lastReset.Store(now.UnixNano())
	c.consecutiveFailures.Store(0)
	c.resets.Add(1)
	log.Printf("Telemetry: too many consecutive failures (%d), stream position recovery: %s -> %s", failures, cursorLabel(old), CursorLatest)
	c.streamLine(fmt.Sprintf("stream position recovery: %s -> %s", cursorLabel(old), CursorLatest))
}

// ResetPosition is the operator override: it moves the cursor to an arbitrary
// position (CursorLatest or CursorBeginning included) and returns the old one.
func (c *Consumer) ResetPosition(position string) string {
	old := c.Cursor()
	c.setCursor(position)
	log.Printf("Telemetry: stream position reset %s -> %s", cursorLabel(old), cursorLabel(position))
	return old
}

// Latest returns the current snapshot, or false when none has been published
// within the freshness window.
func (c *Consumer) Latest() (Snapshot, bool) {
	snap := c.snapshot.Load()
	if snap == nil || time.Since(snap.At) >= c.cfg.Freshness {
		return Snapshot{}, false
	}
	return *snap, true
}

// Cursor returns the current read position.
func (c *Consumer) Cursor() string {
	return *c.cursor.Load()
}

func (c *Consumer) setCursor(position string) {
	c.cursor.Store(&position)
}

func (c *Consumer) streamLine(line string) {
	if c.streamLog != nil {
		c.streamLog.WriteStreamLine(line)
	}
}

func cursorLabel(cursor string) string {
	if cursor == CursorBeginning {
		return "<beginning>"
	}
	return cursor
}

// decodeFields walks a raw field map and decodes any string values that hold
// JSON documents, leaving plain strings alone.
func decodeFields(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				out[key] = decoded
				continue
			}
		}
		out[key] = value
	}
	return out
}

// asInt coerces stream field values (numbers or numeric strings) into a
// non-negative int64; anything unparseable counts as 0.
func asInt(v any) int64 {
	var n int64
	switch t := v.(type) {
	case int64:
		n = t
	case int:
		n = int64(t)
	case float64:
		n = int64(t)
	case string:
		var f float64
		if err := json.Unmarshal([]byte(t), &f); err == nil {
			n = int64(f)
		}
	}
	if n < 0 {
		return 0
	}
	return n
}
