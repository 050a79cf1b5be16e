// Package errors provides a small wrapping helper plus the sentinel error
// taxonomy shared by the channel, protocol, agent, task and container
// packages.
package errors

import "fmt"

// TODO: add stack trace to wrap

// Wrap returns a new error wrapping the passed error. If the passed error is
// nil, nil is returned.
func Wrap(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w", err)
}

// Sentinel errors a caller can test against with errors.Is. These mirror the
// agent's reply taxonomy; protocol.Decode and the task/container packages
// translate wire-level failures into one of these.
var (
	// ErrNoSuccess indicates an operation failed on the remote host (e.g. a
	// kill or suspend returned a nonzero exit code).
	ErrNoSuccess = fmt.Errorf("no success")
	// ErrIncorrectState indicates a verb was not legal for a job's current
	// state (e.g. SUSPEND on a job that is not RUNNING).
	ErrIncorrectState = fmt.Errorf("incorrect state")
	// ErrBadParameter indicates a malformed verb or argument list.
	ErrBadParameter = fmt.Errorf("bad parameter")
	// ErrDoesNotExist indicates the referenced job id has no record.
	ErrDoesNotExist = fmt.Errorf("does not exist")
	// ErrTimeout indicates a wait elapsed before the awaited condition held.
	ErrTimeout = fmt.Errorf("timeout")
	// ErrChannelClosed indicates the underlying transport was closed while a
	// reply was pending.
	ErrChannelClosed = fmt.Errorf("channel closed")
	// ErrEncoding indicates a payload could not be framed onto the wire (for
	// example, an argument contains an embedded newline).
	ErrEncoding = fmt.Errorf("encoding error")
)

// WithMessage wraps sentinel with additional context, preserving it as the
// error chain's root so errors.Is(result, sentinel) still succeeds.
func WithMessage(sentinel error, msg string) error {
	return fmt.Errorf("%s: %w", msg, sentinel)
}
