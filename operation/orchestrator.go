package operation

import (
	"context"
	"fmt"
	"log"

	"polserver/hardware"
	"polserver/stats"
)

// Executor runs one hardware command and reports a structured result. It
// never returns an error; all failure modes are folded into the Result.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]any) hardware.Result
}

// HistorySink records executed commands. Appends are best-effort: a sink
// failure must never affect the operation's own outcome.
type HistorySink interface {
	Append(command, response string, isError bool)
}

// OpsLog receives lifecycle lines for the dedicated operations log file.
type OpsLog interface {
	WriteOperationsLine(line string)
}

// Orchestrator owns the dispatch path: it creates registry entries, hands the
// actual hardware call to the executor on a background goroutine, records the
// terminal state, and appends to the command history.
type Orchestrator struct {
	registry *Registry
	executor Executor
	history  HistorySink
	tracker  *stats.Tracker
	opsLog   OpsLog
}

// NewOrchestrator wires the dispatch path. history, tracker, and opsLog may
// be nil; the orchestrator degrades to registry-only tracking.
func NewOrchestrator(registry *Registry, executor Executor, history HistorySink, tracker *stats.Tracker, opsLog OpsLog) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		executor: executor,
		history:  history,
		tracker:  tracker,
		opsLog:   opsLog,
	}
}

// Dispatch creates a pending operation and returns its ID immediately. The
// hardware call runs on its own goroutine; poll the registry for progress.
func (o *Orchestrator) Dispatch(ctx context.Context, description, commandName string, params map[string]any) string {
	id := o.registry.Create(description)
	if o.tracker != nil {
		o.tracker.IncrementCommand(commandName)
	}
	go o.execute(ctx, id, description, commandName, params)
	return id
}

// execute is the background half of a dispatch. Every step tolerates partial
// failure: an unknown registry ID is logged and skipped, a history append
// never fails the operation.
func (o *Orchestrator) execute(ctx context.Context, id, description, commandName string, params map[string]any) {
	o.opsLine(fmt.Sprintf("Starting operation %s: %s", id, description))
	o.registry.Update(id, StatusRunning, "", "")

	res := o.executor.Execute(ctx, commandName, params)

	if res.Success {
		o.opsLine(fmt.Sprintf("Operation %s completed successfully", id))
		o.registry.Update(id, StatusCompleted, res.Result, "")
		o.appendHistory(description, res.Result, false)
	} else {
		msg := o.classifyFailure(id, res)
		o.registry.Update(id, StatusError, "", msg)
		o.appendHistory(description, msg, true)
	}

	if o.tracker != nil {
		if res.Success {
			o.tracker.IncrementOutcome("completed")
		} else {
			o.tracker.IncrementOutcome("error")
		}
	}
	o.registry.Collect()
}

// classifyFailure maps an executor failure onto the client-visible error
// message. Hardware-side errors surface verbatim with their kind prefix;
// internal faults get a generic message with full detail logged only.
func (o *Orchestrator) classifyFailure(id string, res hardware.Result) string {
	switch res.ErrorKind {
	case hardware.KindTransport, hardware.KindTimeout, hardware.KindApplication, hardware.KindUnknownCommand:
		msg := fmt.Sprintf("%s: %s", res.ErrorKind, res.Error)
		o.opsLine(fmt.Sprintf("Operation %s failed: %s", id, msg))
		return msg
	default:
		log.Printf("Operations: operation %s internal failure (%s): %s", id, res.ErrorKind, res.Error)
		o.opsLine(fmt.Sprintf("Operation %s failed with an internal error", id))
		return "Unexpected error executing command"
	}
}

func (o *Orchestrator) appendHistory(command, response string, isError bool) {
	if o.history == nil {
		return
	}
	o.history.Append(command, response, isError)
}

func (o *Orchestrator) opsLine(line string) {
	if o.opsLog != nil {
		o.opsLog.WriteOperationsLine(line)
	}
}
