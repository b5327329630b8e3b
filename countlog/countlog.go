// Package countlog archives published count snapshots in a Pebble key/value
// store so recent detector history survives restarts and can be queried
// without replaying the live stream.
package countlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	jsoniter "github.com/json-iterator/go"

	"polserver/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errLogClosed = errors.New("countlog: log is closed")

// pruneEvery bounds how often the keep window is enforced so appends stay
// cheap at the 200ms publish cadence.
const pruneEvery = 64

// Log is an append-only archive of count snapshots keyed by a big-endian
// sequence number, so iteration order is append order.
type Log struct {
	db   *pebble.DB
	keep uint64

	mu           sync.Mutex
	closed       bool
	seq          uint64
	sincePrune   int
	appendErrors uint64
}

// Open opens (or creates) the archive at path, retaining roughly keep
// snapshots.
func Open(path string, keep int) (*Log, error) {
	if keep <= 0 {
		keep = 10000
	}
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("countlog: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("countlog: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("countlog: ensure directory: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("countlog: open: %w", err)
	}

	l := &Log{db: db, keep: uint64(keep)}
	if err := l.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) loadSeq() error {
	iter, err := l.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("countlog: iterator: %w", err)
	}
	defer iter.Close()
	if iter.Last() {
		key := iter.Key()
		if len(key) != 8 {
			return fmt.Errorf("countlog: malformed key of length %d", len(key))
		}
		l.seq = binary.BigEndian.Uint64(key)
	}
	return nil
}

// Append archives one snapshot. Failures are counted, not surfaced: the
// archive must never stall the publish path.
func (l *Log) Append(snap telemetry.Snapshot) {
	value, err := json.Marshal(snap)
	if err != nil {
		l.mu.Lock()
		l.appendErrors++
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.seq++
	key := seqKey(l.seq)
	if err := l.db.Set(key, value, pebble.NoSync); err != nil {
		l.seq--
		l.appendErrors++
		return
	}
	l.sincePrune++
	if l.sincePrune >= pruneEvery {
		l.sincePrune = 0
		l.prune()
	}
}

// prune drops everything older than the keep window. Caller holds l.mu.
func (l *Log) prune() {
	if l.seq <= l.keep {
		return
	}
	cutoff := l.seq - l.keep + 1
	if err := l.db.DeleteRange(seqKey(0), seqKey(cutoff), pebble.NoSync); err != nil {
		l.appendErrors++
	}
}

// Recent returns up to n archived snapshots, most recent first.
func (l *Log) Recent(n int) ([]telemetry.Snapshot, error) {
	if n <= 0 {
		n = 100
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errLogClosed
	}
	l.mu.Unlock()

	iter, err := l.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("countlog: iterator: %w", err)
	}
	defer iter.Close()

	snaps := make([]telemetry.Snapshot, 0, n)
	for ok := iter.Last(); ok && len(snaps) < n; ok = iter.Prev() {
		var snap telemetry.Snapshot
		if err := json.Unmarshal(iter.Value(), &snap); err != nil {
			return nil, fmt.Errorf("countlog: decode snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, iter.Error()
}

// Len returns the number of archived snapshots.
func (l *Log) Len() (int, error) {
	iter, err := l.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("countlog: iterator: %w", err)
	}
	defer iter.Close()
	count := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		count++
	}
	return count, iter.Error()
}

// AppendErrors returns how many appends failed.
func (l *Log) AppendErrors() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendErrors
}

// Close flushes and closes the archive.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
