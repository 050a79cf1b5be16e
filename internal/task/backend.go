package task

import (
	"context"
	"time"

	"github.com/agrill/sshjob/internal/state"
)

// Backend is the per-task adaptor a remote-backed Task drives. It is
// implemented by *agent.Client. Grounded on spec.md §4.4 ("Construction is
// parameterized by a launch mode") and §9 ("an adaptor declares which bulk
// methods it implements; the Container dispatches by table, not by
// reflection" -- BulkCapability below is that table).
type Backend interface {
	Run(ctx context.Context, cmd string) (id string, err error)
	State(ctx context.Context, id string) (state.State, error)
	Wait(ctx context.Context, id string, timeoutSecs int) (state.State, error)
	Result(ctx context.Context, id string) (int, error)
	Suspend(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// WaitMode selects Container.Wait's semantics (spec.md §4.5).
type WaitMode int

const (
	// All requires every task to reach a terminal state.
	All WaitMode = iota
	// Any returns as soon as one task reaches a terminal state.
	Any
)

// BulkCapability is implemented by a Backend that can service a Container's
// bulk operations against many tasks in one shot, rather than the
// Container falling back to one worker per task. method is the task's
// Method descriptor (spec.md §3 "Method descriptor"); SupportsBulkMethod
// lets the Container demote tasks to unbound without reflection.
type BulkCapability interface {
	SupportsBulkMethod(method string) bool
	ContainerRun(ctx context.Context, tasks []*Task) error
	ContainerWait(ctx context.Context, tasks []*Task, mode WaitMode, timeout time.Duration) error
	ContainerCancel(ctx context.Context, tasks []*Task, timeout time.Duration) error
	ContainerStates(ctx context.Context, tasks []*Task) ([]state.State, error)
}
