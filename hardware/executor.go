package hardware

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Result crosses the isolation boundary back to the orchestrator. Exactly one
// of Result or Error is meaningful, selected by Success.
type Result struct {
	Success   bool
	Result    string
	Error     string
	ErrorKind ErrorKind
}

// ClientFactory builds a fresh transport client. The executor constructs one
// per call so no connection state survives between unrelated commands.
type ClientFactory func() *Client

type job struct {
	name   string
	params map[string]any
	done   chan Result
}

// Executor runs hardware commands on a fixed pool of workers. A command that
// blocks past the watchdog is surfaced as an ordinary timeout failure and its
// worker keeps draining the call until the socket deadline fires; the host
// scheduler is never starved.
type Executor struct {
	newClient ClientFactory
	watchdog  time.Duration
	jobs      chan *job
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	inflight  atomic.Int64
	executed  atomic.Uint64
	timeouts  atomic.Uint64
}

// NewExecutor starts a pool with the given number of workers. The watchdog
// bounds how long Execute waits for a worker result; it should exceed the
// transport timeout so ordinary hardware timeouts surface with their own
// message.
func NewExecutor(workers int, watchdog time.Duration, newClient ClientFactory) *Executor {
	if workers <= 0 {
		workers = 2
	}
	if watchdog <= 0 {
		watchdog = 35 * time.Second
	}
	e := &Executor{
		newClient: newClient,
		watchdog:  watchdog,
		jobs:      make(chan *job, workers*4),
		quit:      make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Execute resolves and runs one command, blocking the calling goroutine (not
// the pool) until a result or the watchdog. It never returns an error; every
// failure mode is folded into the Result.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any) Result {
	spec, cerr := resolveCommand(name)
	if cerr != nil {
		return failure(cerr.Kind, cerr.Message)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := spec.validate(params); err != nil {
		return failure(KindApplication, err.Error())
	}

	j := &job{name: name, params: params, done: make(chan Result, 1)}
	select {
	case e.jobs <- j:
	case <-e.quit:
		return failure(KindInternal, "executor is shut down")
	case <-ctx.Done():
		return failure(KindTimeout, "command cancelled before a worker picked it up")
	}

	timer := time.NewTimer(e.watchdog)
	defer timer.Stop()
	select {
	case res := <-j.done:
		return res
	case <-timer.C:
		e.timeouts.Add(1)
		return failure(KindTimeout, fmt.Sprintf("worker did not answer within %s for command %q", e.watchdog, name))
	case <-ctx.Done():
		return failure(KindTimeout, fmt.Sprintf("command %q cancelled: %v", name, ctx.Err()))
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			e.inflight.Add(1)
			res := e.run(j)
			e.inflight.Add(-1)
			e.executed.Add(1)
			j.done <- res
		}
	}
}

// run executes one job with a fresh client, converting every failure mode
// (including panics) into a structured Result.
func (e *Executor) run(j *job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Executor: panic running %q: %v", j.name, r)
			res = failure(KindInternal, fmt.Sprintf("panic executing %q: %v", j.name, r))
		}
	}()

	spec, cerr := resolveCommand(j.name)
	if cerr != nil {
		return failure(cerr.Kind, cerr.Message)
	}
	client := e.newClient()
	reply, err := client.Send(spec.wire, j.params)
	if err != nil {
		if ce, ok := err.(*CommandError); ok {
			return failure(ce.Kind, ce.Message)
		}
		return failure(KindInternal, err.Error())
	}

	encoded, err := json.Marshal(reply)
	if err != nil {
		return failure(KindInternal, fmt.Sprintf("encode reply for %q: %v", j.name, err))
	}
	return Result{Success: true, Result: string(encoded)}
}

// InFlight reports how many workers are currently executing a command.
func (e *Executor) InFlight() int {
	return int(e.inflight.Load())
}

// Executed returns the total number of commands run to completion.
func (e *Executor) Executed() uint64 {
	return e.executed.Load()
}

// Timeouts returns how many Execute calls gave up on the watchdog.
func (e *Executor) Timeouts() uint64 {
	return e.timeouts.Load()
}

// Close stops accepting work and waits up to grace for in-flight commands.
func (e *Executor) Close(grace time.Duration) {
	e.closeOnce.Do(func() { close(e.quit) })
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("Executor: %d command(s) still in flight after %s grace, abandoning", e.InFlight(), grace)
	}
}

func failure(kind ErrorKind, msg string) Result {
	return Result{Success: false, Error: msg, ErrorKind: kind}
}
