package telemetry

import (
	"context"
	"time"
)

// Cursor sentinels. The empty cursor reads from the beginning of the stream;
// CursorLatest skips everything buffered and waits for the next entry.
const (
	CursorBeginning = ""
	CursorLatest    = "$"
)

// Entry is one decoded stream record: its position token plus a field map.
// Field values may still be JSON-encoded strings; the consumer decodes them.
type Entry struct {
	Cursor string
	Fields map[string]any
}

// Stream is the append-only counts feed. ReadAfter returns the first entry
// strictly after the given cursor, waiting up to block for one to appear; a
// (nil, nil) return means no new data, which is not a failure.
type Stream interface {
	ReadAfter(ctx context.Context, cursor string, block time.Duration) (*Entry, error)
}
