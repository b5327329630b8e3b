// Package operation tracks asynchronous hardware commands from dispatch to
// completion. Every command issued against the polarization hardware becomes
// an Operation that polling clients can observe while the actual call runs on
// the isolated executor pool.
package operation

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Operation is one tracked hardware command. Result is set only on
// completion, Error only on failure; never both.
type Operation struct {
	ID          string     `json:"operation_id"`
	Status      Status     `json:"status"`
	Command     string     `json:"command"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func newOperation(command string) *Operation {
	return &Operation{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Command:   command,
		StartedAt: time.Now().UTC(),
	}
}

// clone returns a copy so registry readers never share mutable state with the
// orchestrator.
func (o *Operation) clone() *Operation {
	cp := *o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
