package agent

import "github.com/agrill/sshjob/internal/state"

// File names within a job's BASE/<id>/ directory (spec.md §3, §6).
const (
	FileCmd       = "cmd"
	FileIn        = "in"
	FileOut       = "out"
	FileErr       = "err"
	FilePID       = "pid"
	FileState     = "state"
	FileExit      = "exit"
	FileSuspended = "suspended"
	FileResumed   = "resumed"
	FileCanceled  = "canceled"
	FileStateSusp = "state.susp"
)

// State is an alias of state.State, kept under this package's name for
// callers that only ever talk to the agent client (state.State itself
// lives in its own leaf package so that internal/task can share the
// vocabulary without importing internal/agent).
type State = state.State

const (
	StateUnknown   = state.Unknown
	StateNew       = state.New
	StateRunning   = state.Running
	StateSuspended = state.Suspended
	StateDone      = state.Done
	StateFailed    = state.Failed
	StateCanceled  = state.Canceled
)

// ParseState normalizes a raw state token read off the wire (which may
// carry the trailing space written by the shell's `echo "$state "`) into a
// State value.
func ParseState(token string) State {
	return state.Parse(token)
}
