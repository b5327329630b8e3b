package monitor

import (
	"context"
	"testing"
	"time"

	"polserver/telemetry"
)

func appendFields(t *testing.T, j *Journal, raw string) {
	t.Helper()
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("bad test payload %q: %v", raw, err)
	}
	if !j.Append(fields, []byte(raw)) {
		t.Fatalf("Append(%q) dropped as duplicate", raw)
	}
}

func TestReadAfterWalksEntriesInOrder(t *testing.T) {
	j := NewJournal(16)
	appendFields(t, j, `{"aliceSingles": 100}`)
	appendFields(t, j, `{"aliceSingles": 200}`)
	appendFields(t, j, `{"aliceSingles": 300}`)

	cursor := telemetry.CursorBeginning
	want := []float64{100, 200, 300}
	for i, expected := range want {
		entry, err := j.ReadAfter(context.Background(), cursor, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("ReadAfter step %d: %v", i, err)
		}
		if entry == nil {
			t.Fatalf("ReadAfter step %d: no entry", i)
		}
		if got := entry.Fields["aliceSingles"].(float64); got != expected {
			t.Errorf("step %d: aliceSingles = %v, want %v", i, got, expected)
		}
		cursor = entry.Cursor
	}

	entry, err := j.ReadAfter(context.Background(), cursor, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAfter past end: %v", err)
	}
	if entry != nil {
		t.Errorf("ReadAfter past end returned %+v, want nil", entry)
	}
}

func TestCursorsAreStrictlyIncreasing(t *testing.T) {
	j := NewJournal(16)
	appendFields(t, j, `{"n": 1}`)
	appendFields(t, j, `{"n": 2}`)

	first, err := j.ReadAfter(context.Background(), telemetry.CursorBeginning, time.Millisecond)
	if err != nil || first == nil {
		t.Fatalf("first read: entry=%v err=%v", first, err)
	}
	second, err := j.ReadAfter(context.Background(), first.Cursor, time.Millisecond)
	if err != nil || second == nil {
		t.Fatalf("second read: entry=%v err=%v", second, err)
	}
	if second.Cursor <= first.Cursor {
		t.Errorf("cursors not increasing: %q then %q", first.Cursor, second.Cursor)
	}
}

func TestLatestCursorSkipsBufferedEntries(t *testing.T) {
	j := NewJournal(16)
	appendFields(t, j, `{"n": 1}`)
	appendFields(t, j, `{"n": 2}`)

	entry, err := j.ReadAfter(context.Background(), telemetry.CursorLatest, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAfter($): %v", err)
	}
	if entry != nil {
		t.Fatalf("ReadAfter($) returned buffered entry %+v", entry)
	}

	done := make(chan *telemetry.Entry, 1)
	go func() {
		e, _ := j.ReadAfter(context.Background(), telemetry.CursorLatest, time.Second)
		done <- e
	}()
	time.Sleep(20 * time.Millisecond)
	appendFields(t, j, `{"n": 3}`)

	select {
	case e := <-done:
		if e == nil {
			t.Fatal("blocked ReadAfter($) returned nil after append")
		}
		if got := e.Fields["n"].(float64); got != 3 {
			t.Errorf("ReadAfter($) got n=%v, want 3", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadAfter($) did not wake on append")
	}
}

func TestBlockedReadWakesOnAppend(t *testing.T) {
	j := NewJournal(16)

	start := time.Now()
	done := make(chan *telemetry.Entry, 1)
	go func() {
		e, _ := j.ReadAfter(context.Background(), telemetry.CursorBeginning, 5*time.Second)
		done <- e
	}()
	time.Sleep(20 * time.Millisecond)
	appendFields(t, j, `{"n": 1}`)

	select {
	case e := <-done:
		if e == nil {
			t.Fatal("reader returned nil after append")
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("reader took %v, expected to wake promptly", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("reader did not wake on append")
	}
}

func TestReadAfterHonorsContextCancel(t *testing.T) {
	j := NewJournal(16)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := j.ReadAfter(ctx, telemetry.CursorBeginning, 5*time.Second)
	if err != context.Canceled {
		t.Errorf("ReadAfter with cancelled context: err = %v, want context.Canceled", err)
	}
}

func TestInvalidCursorIsAnError(t *testing.T) {
	j := NewJournal(16)
	_, err := j.ReadAfter(context.Background(), "not-a-cursor", time.Millisecond)
	if err == nil {
		t.Fatal("ReadAfter with invalid cursor succeeded")
	}
}

func TestDuplicatePayloadIsDropped(t *testing.T) {
	j := NewJournal(16)
	payload := []byte(`{"n": 1}`)
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatal(err)
	}

	if !j.Append(fields, payload) {
		t.Fatal("first Append dropped")
	}
	if j.Append(fields, payload) {
		t.Fatal("identical payload accepted twice")
	}
	if got := j.DupDrops(); got != 1 {
		t.Errorf("DupDrops = %d, want 1", got)
	}

	// A different payload after the duplicate is accepted again.
	appendFields(t, j, `{"n": 2}`)
	if got := j.Appended(); got != 2 {
		t.Errorf("Appended = %d, want 2", got)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	j := NewJournal(3)
	appendFields(t, j, `{"n": 1}`)
	appendFields(t, j, `{"n": 2}`)
	appendFields(t, j, `{"n": 3}`)
	appendFields(t, j, `{"n": 4}`)

	if got := j.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	entry, err := j.ReadAfter(context.Background(), telemetry.CursorBeginning, time.Millisecond)
	if err != nil || entry == nil {
		t.Fatalf("read after eviction: entry=%v err=%v", entry, err)
	}
	if got := entry.Fields["n"].(float64); got != 2 {
		t.Errorf("oldest retained entry n=%v, want 2", got)
	}
}

func TestBridgeHandlePayload(t *testing.T) {
	j := NewJournal(16)
	b := NewBridge("localhost", 1883, "lab/counts", j)

	b.handlePayload([]byte(`{"aliceSingles": 100, "isTrim": 1}`))
	b.handlePayload([]byte(`not json`))

	h := b.Health()
	if h.Payloads != 2 {
		t.Errorf("Payloads = %d, want 2", h.Payloads)
	}
	if h.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", h.ParseErrors)
	}
	if h.Appended != 1 {
		t.Errorf("Appended = %d, want 1", h.Appended)
	}
	if h.LastPayloadAt.IsZero() {
		t.Error("LastPayloadAt not set")
	}

	entry, err := j.ReadAfter(context.Background(), telemetry.CursorBeginning, time.Millisecond)
	if err != nil || entry == nil {
		t.Fatalf("journal read: entry=%v err=%v", entry, err)
	}
	if got := entry.Fields["aliceSingles"].(float64); got != 100 {
		t.Errorf("aliceSingles = %v, want 100", got)
	}
}
