// Package monitor ingests the photon-count monitor's MQTT feed and exposes
// it as a cursor-addressable append-only journal for the telemetry consumer.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"polserver/telemetry"
)

type record struct {
	seq    uint64
	fields map[string]any
}

// Journal is a bounded in-memory window over the counts feed. Writers assign
// monotonically increasing sequence numbers; readers address entries by the
// decimal sequence cursor, so a cursor comparison is a strict ordering.
type Journal struct {
	mu       sync.Mutex
	buf      []record
	capacity int
	seq      uint64
	notify   chan struct{}
	lastHash uint64
	hasHash  bool

	appended atomic.Uint64
	dupDrops atomic.Uint64
}

// NewJournal allocates a journal retaining up to capacity entries.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Journal{
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Append adds one decoded payload to the journal. A payload byte-identical to
// the previous one is treated as a broker redelivery and dropped, so a
// transport retry never shows up as new data.
func (j *Journal) Append(fields map[string]any, raw []byte) bool {
	hash := xxh3.Hash(raw)

	j.mu.Lock()
	if j.hasHash && hash == j.lastHash {
		j.mu.Unlock()
		j.dupDrops.Add(1)
		return false
	}
	j.lastHash = hash
	j.hasHash = true
	j.seq++
	j.buf = append(j.buf, record{seq: j.seq, fields: fields})
	if len(j.buf) > j.capacity {
		j.buf = j.buf[1:]
	}
	notify := j.notify
	j.notify = make(chan struct{})
	j.mu.Unlock()

	close(notify)
	j.appended.Add(1)
	return true
}

// ReadAfter returns the first entry strictly after cursor, waiting up to
// block for one to arrive. The empty cursor reads from the oldest retained
// entry; the "$" sentinel skips everything buffered at call time.
func (j *Journal) ReadAfter(ctx context.Context, cursor string, block time.Duration) (*telemetry.Entry, error) {
	after, err := j.resolveCursor(cursor)
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(block)
	defer deadline.Stop()
	for {
		entry, notify := j.next(after)
		if entry != nil {
			return entry, nil
		}
		select {
		case <-notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (j *Journal) resolveCursor(cursor string) (uint64, error) {
	switch cursor {
	case telemetry.CursorBeginning:
		return 0, nil
	case telemetry.CursorLatest:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.seq, nil
	}
	seq, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream cursor %q: %w", cursor, err)
	}
	return seq, nil
}

// next returns the first record after seq, or the channel to wait on when
// none exists yet.
func (j *Journal) next(after uint64) (*telemetry.Entry, chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, rec := range j.buf {
		if rec.seq > after {
			return &telemetry.Entry{
				Cursor: strconv.FormatUint(rec.seq, 10),
				Fields: rec.fields,
			}, nil
		}
	}
	return nil, j.notify
}

// Len returns how many entries are currently retained.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buf)
}

// Appended returns the total number of entries accepted.
func (j *Journal) Appended() uint64 {
	return j.appended.Load()
}

// DupDrops returns how many redelivered payloads were dropped.
func (j *Journal) DupDrops() uint64 {
	return j.dupDrops.Load()
}
