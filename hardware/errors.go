// Package hardware talks to the polarization hardware control server. It
// frames commands as newline-terminated JSON over TCP, resolves the closed
// command table, and runs calls on a small worker pool so a stuck hardware
// call cannot stall the rest of the service.
package hardware

import "fmt"

// ErrorKind classifies command failures for the orchestrator.
type ErrorKind string

const (
	// KindTransport covers unreachable, slow, or malformed hardware replies.
	KindTransport ErrorKind = "TransportError"
	// KindTimeout is a hardware-side or socket-level request timeout.
	KindTimeout ErrorKind = "TimeoutError"
	// KindApplication means the hardware understood the command and rejected it.
	KindApplication ErrorKind = "ApplicationError"
	// KindUnknownCommand is returned for names outside the command table.
	KindUnknownCommand ErrorKind = "UnknownCommand"
	// KindInternal covers panics and other programming faults in the executor.
	KindInternal ErrorKind = "InternalError"
)

// CommandError is the typed failure returned by the transport and executor.
type CommandError struct {
	Kind    ErrorKind
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func transportErr(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindTransport, Message: fmt.Sprintf(format, args...)}
}

func timeoutErr(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

func applicationErr(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindApplication, Message: fmt.Sprintf(format, args...)}
}
