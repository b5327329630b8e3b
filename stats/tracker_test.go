package stats

import (
	"sync"
	"testing"
)

func TestCommandAndOutcomeCounts(t *testing.T) {
	tr := NewTracker()
	tr.IncrementCommand("home")
	tr.IncrementCommand("home")
	tr.IncrementCommand("set_power")
	tr.IncrementOutcome("completed")
	tr.IncrementOutcome("error")
	tr.IncrementOutcome("completed")

	commands := tr.GetCommandCounts()
	if commands["home"] != 2 || commands["set_power"] != 1 {
		t.Fatalf("unexpected command counts: %v", commands)
	}
	outcomes := tr.GetOutcomeCounts()
	if outcomes["completed"] != 2 || outcomes["error"] != 1 {
		t.Fatalf("unexpected outcome counts: %v", outcomes)
	}
	if got := tr.GetTotal(); got != 3 {
		t.Fatalf("GetTotal = %d, want 3", got)
	}
}

func TestEmptyKeyIsIgnored(t *testing.T) {
	tr := NewTracker()
	tr.IncrementCommand("")
	if got := tr.GetTotal(); got != 0 {
		t.Fatalf("GetTotal = %d, want 0", got)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.IncrementCommand("calibrate")
				tr.IncrementOutcome("completed")
			}
		}()
	}
	wg.Wait()
	if got := tr.GetCommandCounts()["calibrate"]; got != 800 {
		t.Fatalf("calibrate count = %d, want 800", got)
	}
	if got := tr.GetOutcomeCounts()["completed"]; got != 800 {
		t.Fatalf("completed count = %d, want 800", got)
	}
}
