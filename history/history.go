// Package history persists executed hardware commands to SQLite so operators
// can audit what the control plane asked the hardware to do. Writes are
// asynchronous and best-effort: command execution never blocks on, and never
// fails because of, the history store.
package history

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded command execution.
type Entry struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Command   string `json:"command"`
	Response  string `json:"response"`
	IsError   bool   `json:"is_error"`
}

// Stats summarizes the store for diagnostics.
type Stats struct {
	Total     int    `json:"total_entries"`
	Successes int    `json:"success_commands"`
	Errors    int    `json:"error_commands"`
	MaxKept   int    `json:"max_entries"`
	Appended  uint64 `json:"appended"`
	Drops     uint64 `json:"dropped"`
}

// Store is the async SQLite-backed command log.
type Store struct {
	db         *sql.DB
	maxEntries int
	queue      chan Entry
	stop       chan struct{}
	done       chan struct{}

	appended atomic.Uint64
	drops    atomic.Uint64
	started  atomic.Bool
}

// NewStore opens (or creates) the history database at path and ensures the
// schema exists. At most maxEntries rows are retained.
func NewStore(path string, maxEntries, queueSize int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:         db,
		maxEntries: maxEntries,
		queue:      make(chan Entry, queueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS command_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT,
    command TEXT,
    response TEXT,
    is_error INTEGER
);`
	_, err := db.Exec(schema)
	return err
}

// Start launches the insert loop.
func (s *Store) Start() {
	s.started.Store(true)
	go s.insertLoop()
}

// Append queues one execution record without blocking; drops on a full queue.
func (s *Store) Append(command, response string, isError bool) {
	if s == nil {
		return
	}
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Command:   command,
		Response:  response,
		IsError:   isError,
	}
	select {
	case s.queue <- e:
	default:
		s.drops.Add(1)
	}
}

func (s *Store) insertLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			// Drain whatever is already queued before shutting down.
			for {
				select {
				case e := <-s.queue:
					s.insert(e)
				default:
					return
				}
			}
		case e := <-s.queue:
			s.insert(e)
		}
	}
}

func (s *Store) insert(e Entry) {
	isErr := 0
	if e.IsError {
		isErr = 1
	}
	_, err := s.db.Exec(`INSERT INTO command_history (ts, command, response, is_error) VALUES (?, ?, ?, ?)`,
		e.Timestamp, e.Command, e.Response, isErr)
	if err != nil {
		log.Printf("History: failed to insert entry: %v", err)
		return
	}
	s.appended.Add(1)
	s.trim()
}

func (s *Store) trim() {
	_, err := s.db.Exec(`DELETE FROM command_history WHERE id NOT IN (SELECT id FROM command_history ORDER BY id DESC LIMIT ?)`, s.maxEntries)
	if err != nil {
		log.Printf("History: failed to trim entries: %v", err)
	}
}

// Recent returns up to limit entries, most recent first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.maxEntries {
		limit = s.maxEntries
	}
	rows, err := s.db.Query(`SELECT id, ts, command, response, is_error FROM command_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var isErr int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Command, &e.Response, &isErr); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.IsError = isErr != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats reports store diagnostics.
func (s *Store) Stats() Stats {
	var total, errCount int
	if err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(is_error), 0) FROM command_history`).Scan(&total, &errCount); err != nil {
		total, errCount = -1, -1
	}
	st := Stats{
		Total:    total,
		Errors:   errCount,
		MaxKept:  s.maxEntries,
		Appended: s.appended.Load(),
		Drops:    s.drops.Load(),
	}
	if total >= 0 {
		st.Successes = total - errCount
	} else {
		st.Successes = -1
	}
	return st
}

// Close stops the insert loop, flushes queued entries, and closes the
// database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	close(s.stop)
	if s.started.Load() {
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
		}
	}
	return s.db.Close()
}
