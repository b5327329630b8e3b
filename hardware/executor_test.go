package hardware

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// blockingConn never produces a response until released, standing in for a
// hardware call that hangs.
type blockingConn struct {
	release chan struct{}
}

func (c *blockingConn) Read(p []byte) (int, error) {
	<-c.release
	return copy(p, "{}\n"), nil
}

func (c *blockingConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *blockingConn) SetDeadline(time.Time) error { return nil }
func (c *blockingConn) Close() error                { return nil }

func factoryFor(dial DialFunc) ClientFactory {
	return func() *Client {
		return NewClientWithDialer("motorhost", 5555, time.Second, dial)
	}
}

func TestExecuteSuccess(t *testing.T) {
	fac := factoryFor(func(string, time.Duration) (Conn, error) {
		return &scriptConn{response: `{"message":"homed"}` + "\n"}, nil
	})
	e := NewExecutor(2, time.Second, fac)
	defer e.Close(time.Second)

	res := e.Execute(context.Background(), "home", map[string]any{"party": "Alice"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Result, "homed") {
		t.Fatalf("result not stringified reply: %q", res.Result)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	e := NewExecutor(1, time.Second, factoryFor(nil))
	defer e.Close(time.Second)

	res := e.Execute(context.Background(), "set_polarizatoin", nil)
	if res.Success {
		t.Fatal("expected failure for unknown command")
	}
	if res.ErrorKind != KindUnknownCommand {
		t.Fatalf("expected UnknownCommand, got %s", res.ErrorKind)
	}
	if !strings.Contains(res.Error, "set_polarization") {
		t.Fatalf("expected suggestion in %q", res.Error)
	}
}

func TestExecuteValidation(t *testing.T) {
	e := NewExecutor(1, time.Second, factoryFor(nil))
	defer e.Close(time.Second)

	res := e.Execute(context.Background(), "set_power", map[string]any{"power": 1.5})
	if res.Success || res.ErrorKind != KindApplication {
		t.Fatalf("expected application failure, got %+v", res)
	}
	res = e.Execute(context.Background(), "home", map[string]any{"party": "carol"})
	if res.Success || !strings.Contains(res.Error, "'all'") {
		t.Fatalf("expected party validation mentioning 'all', got %+v", res)
	}
}

func TestStuckCallDoesNotBlockOthers(t *testing.T) {
	stuck := &blockingConn{release: make(chan struct{})}
	defer close(stuck.release)

	var dials atomic.Int64
	fac := factoryFor(func(string, time.Duration) (Conn, error) {
		if dials.Add(1) == 1 {
			return stuck, nil
		}
		return &scriptConn{response: `{"message":"ok"}` + "\n"}, nil
	})
	e := NewExecutor(2, 5*time.Second, fac)
	defer e.Close(100 * time.Millisecond)

	slowDone := make(chan Result, 1)
	go func() {
		slowDone <- e.Execute(context.Background(), "calibrate", map[string]any{"party": "alice"})
	}()

	// Give the stuck call time to occupy its worker, then run a fast one.
	time.Sleep(50 * time.Millisecond)
	fastDone := make(chan Result, 1)
	go func() {
		fastDone <- e.Execute(context.Background(), "home", map[string]any{"party": "bob"})
	}()

	select {
	case res := <-fastDone:
		if !res.Success {
			t.Fatalf("fast command failed: %+v", res)
		}
	case <-slowDone:
		t.Fatal("stuck command finished before the fast one")
	case <-time.After(2 * time.Second):
		t.Fatal("fast command starved by stuck call")
	}
}

func TestWatchdogTimeout(t *testing.T) {
	stuck := &blockingConn{release: make(chan struct{})}
	defer close(stuck.release)

	fac := factoryFor(func(string, time.Duration) (Conn, error) { return stuck, nil })
	e := NewExecutor(1, 100*time.Millisecond, fac)
	defer e.Close(50 * time.Millisecond)

	res := e.Execute(context.Background(), "home", map[string]any{"party": "all"})
	if res.Success || res.ErrorKind != KindTimeout {
		t.Fatalf("expected watchdog timeout, got %+v", res)
	}
	if e.Timeouts() != 1 {
		t.Fatalf("timeout counter: %d", e.Timeouts())
	}
}
