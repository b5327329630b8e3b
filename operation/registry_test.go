package operation

import (
	"testing"
	"time"
)

func TestLifecycleTransitions(t *testing.T) {
	r := NewRegistry()
	id := r.Create("Home Alice")

	op, ok := r.Get(id)
	if !ok {
		t.Fatal("operation not found after create")
	}
	if op.Status != StatusPending {
		t.Fatalf("new operation status: %s", op.Status)
	}
	if op.ID == "" || op.StartedAt.IsZero() {
		t.Fatalf("missing identity fields: %+v", op)
	}
	if op.CompletedAt != nil {
		t.Fatal("CompletedAt set before terminal state")
	}

	r.Update(id, StatusRunning, "", "")
	op, _ = r.Get(id)
	if op.Status != StatusRunning || op.CompletedAt != nil {
		t.Fatalf("running state: %+v", op)
	}

	r.Update(id, StatusCompleted, `{"message":"ok"}`, "")
	op, _ = r.Get(id)
	if op.Status != StatusCompleted {
		t.Fatalf("completed state: %+v", op)
	}
	if op.Result == "" || op.Error != "" {
		t.Fatalf("exactly one of result/error must be set: %+v", op)
	}
	if op.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped on terminal transition")
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	r := NewRegistry()
	id := r.Create("Calibrate Bob")
	r.Update(id, StatusRunning, "", "")
	r.Update(id, StatusError, "", "TimeoutError: hardware request timed out")

	op, _ := r.Get(id)
	completedAt := *op.CompletedAt

	// Any further transition attempt is ignored.
	r.Update(id, StatusCompleted, "late result", "")
	op, _ = r.Get(id)
	if op.Status != StatusError {
		t.Fatalf("terminal state changed: %s", op.Status)
	}
	if op.Result != "" {
		t.Fatalf("late result recorded: %q", op.Result)
	}
	if !op.CompletedAt.Equal(completedAt) {
		t.Fatal("CompletedAt re-stamped")
	}
}

func TestUpdateUnknownIDIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Update("no-such-id", StatusRunning, "", "")
	if r.Len() != 0 {
		t.Fatalf("registry grew on unknown update: %d", r.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	id := r.Create("Set Laser Power: 0.5")
	op, _ := r.Get(id)
	op.Status = StatusError
	op.Error = "mutated"

	fresh, _ := r.Get(id)
	if fresh.Status != StatusPending || fresh.Error != "" {
		t.Fatalf("registry state leaked to reader copy: %+v", fresh)
	}
}

func TestCollectKeepsRecentTerminalAndAllActive(t *testing.T) {
	r := NewRegistry()

	// 40 terminal operations with strictly increasing completion times.
	var terminalIDs []string
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 40; i++ {
		id := r.Create("old command")
		r.mu.Lock()
		op := r.ops[id]
		op.Status = StatusCompleted
		op.Result = "done"
		done := base.Add(time.Duration(i) * time.Second)
		op.CompletedAt = &done
		r.mu.Unlock()
		terminalIDs = append(terminalIDs, id)
	}
	// 15 still-active operations.
	var activeIDs []string
	for i := 0; i < 15; i++ {
		activeIDs = append(activeIDs, r.Create("in flight"))
	}

	r.Collect()

	if got := r.Len(); got != collectKeep+15 {
		t.Fatalf("expected %d survivors, got %d", collectKeep+15, got)
	}
	for _, id := range activeIDs {
		if _, ok := r.Get(id); !ok {
			t.Fatalf("active operation %s was collected", id)
		}
	}
	// Exactly the most recently completed terminal entries survive.
	for i, id := range terminalIDs {
		_, ok := r.Get(id)
		wantSurvive := i >= len(terminalIDs)-collectKeep
		if ok != wantSurvive {
			t.Fatalf("terminal op %d survive=%t want %t", i, ok, wantSurvive)
		}
	}
}

func TestCollectBelowThresholdIsNoOp(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < collectThreshold; i++ {
		id := r.Create("cmd")
		r.Update(id, StatusCompleted, "ok", "")
	}
	r.Collect()
	if r.Len() != collectThreshold {
		t.Fatalf("collection ran below threshold: %d", r.Len())
	}
}
