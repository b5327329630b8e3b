package operation

import (
	"log"
	"sort"
	"sync"
)

const (
	// collectThreshold is the registry size that triggers garbage collection.
	collectThreshold = 50
	// collectKeep is how many terminal operations survive a collection pass.
	collectKeep = 25
)

// Registry is the in-memory table of operations. All access goes through a
// single mutex so concurrent dispatches never expose a half-written entry.
type Registry struct {
	mu  sync.Mutex
	ops map[string]*Operation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Create allocates a fresh pending operation and returns its ID.
func (r *Registry) Create(command string) string {
	op := newOperation(command)
	r.mu.Lock()
	r.ops[op.ID] = op
	r.mu.Unlock()
	return op.ID
}

// Update applies a status transition. Result and error are recorded when
// non-empty; terminal transitions stamp CompletedAt exactly once. An unknown
// ID is logged as an anomaly and ignored.
func (r *Registry) Update(id string, status Status, result, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		log.Printf("Operations: update for unknown operation %s (status=%s)", id, status)
		return
	}
	if op.Status.Terminal() {
		log.Printf("Operations: ignoring transition %s -> %s for terminal operation %s", op.Status, status, id)
		return
	}
	op.Status = status
	if result != "" {
		op.Result = result
	}
	if errMsg != "" {
		op.Error = errMsg
	}
	if status.Terminal() && op.CompletedAt == nil {
		t := nowUTC()
		op.CompletedAt = &t
	}
}

// Get returns a copy of the operation, or false when the ID is unknown.
func (r *Registry) Get(id string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, false
	}
	return op.clone(), true
}

// List returns copies of all tracked operations in unspecified order.
func (r *Registry) List() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op.clone())
	}
	return out
}

// Len returns the number of tracked operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Collect bounds registry memory after a dispatch finishes. When more than
// collectThreshold operations are tracked, only the collectKeep most recently
// completed terminal operations are retained. Pending and running operations
// are never collected.
func (r *Registry) Collect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ops) <= collectThreshold {
		return
	}

	type doneOp struct {
		id   string
		mono int64
	}
	var done []doneOp
	for id, op := range r.ops {
		if op.Status.Terminal() && op.CompletedAt != nil {
			done = append(done, doneOp{id: id, mono: op.CompletedAt.UnixNano()})
		}
	}
	if len(done) <= collectKeep {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].mono > done[j].mono })
	for _, d := range done[collectKeep:] {
		delete(r.ops, d.id)
	}
}
