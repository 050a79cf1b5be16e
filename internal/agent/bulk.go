package agent

import (
	"context"
	"time"

	"github.com/agrill/sshjob/internal/state"
	"github.com/agrill/sshjob/internal/task"
)

// bulkPollInterval is the resolution at which ContainerWait re-checks a
// batch of tasks sharing this Client's single channel. Since Client
// serializes one verb at a time (spec.md §5), a bulk wait cannot truly run
// its member tasks concurrently on the wire; it instead round-robins a
// short, non-blocking state check across them. This is the same ~10ms
// busy-wait slice spec.md §4.5/§5 documents for Container's own ANY wait,
// now also the mechanism a single-connection bulk backend is forced into.
const bulkPollInterval = 10 * time.Millisecond

// SupportsBulkMethod reports whether Client can service method as a bulk
// operation. A Client backed by one shared Channel can sequence any verb
// across a batch of jobs, so every method is supported; Container still
// consults this rather than assuming it, per spec.md §9's capability-table
// design (no reflection-based method discovery).
func (c *Client) SupportsBulkMethod(method string) bool {
	return true
}

// ContainerRun starts every task in tasks by calling its own Run in turn.
// Per-task failures are recorded on the task itself (it transitions to
// FAILED with its Exception set); ContainerRun only returns an error for a
// context cancellation that aborts the remaining batch.
func (c *Client) ContainerRun(ctx context.Context, tasks []*task.Task) error {
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.Run(ctx)
	}
	return nil
}

// ContainerWait waits on tasks according to mode, sharing this Client's one
// channel by round-robining a non-blocking state check across them until
// the mode's condition is satisfied or timeout elapses (timeout < 0 waits
// indefinitely).
func (c *Client) ContainerWait(ctx context.Context, tasks []*task.Task, mode task.WaitMode, timeout time.Duration) error {
	deadline, hasDeadline := deadlineFor(timeout)

	for {
		terminalCount := 0
		for _, t := range tasks {
			if err := ctx.Err(); err != nil {
				return err
			}

			terminal, err := t.Wait(ctx, 0)
			if err != nil {
				return err
			}
			if terminal {
				terminalCount++
				if mode == task.Any {
					return nil
				}
			}
		}

		if mode == task.All && terminalCount == len(tasks) {
			return nil
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return nil
		}

		time.Sleep(bulkPollInterval)
	}
}

// ContainerCancel sends Cancel to every task in tasks. Like ContainerRun,
// per-task failures land on the task itself; the first error encountered
// is returned but does not stop the remaining cancels from being attempted.
func (c *Client) ContainerCancel(ctx context.Context, tasks []*task.Task, timeout time.Duration) error {
	var firstErr error
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.Cancel(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ContainerStates returns the current state of every task in tasks.
func (c *Client) ContainerStates(ctx context.Context, tasks []*task.Task) ([]state.State, error) {
	out := make([]state.State, 0, len(tasks))
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, t.State())
	}
	return out, nil
}

func deadlineFor(timeout time.Duration) (time.Time, bool) {
	if timeout < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(timeout), true
}
