// Package container implements the Container aggregator (C5): it groups
// Tasks that share a bulk-capable backing agent, routes bulk operations to
// that agent, fans the remainder out to per-task workers, and implements
// ANY/ALL wait semantics with partial-failure-tolerant run/cancel.
//
// Grounded on original_source/saga/task.py's Container class (bucketization
// by (adaptor, method), SagaThread.Run-per-bucket dispatch) and the
// teacher's mutex-guarded accessor style (internal/jobworker/job.Job).
package container

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agrill/sshjob/internal/log"
	"github.com/agrill/sshjob/internal/state"
	"github.com/agrill/sshjob/internal/task"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "container")

// anyPollInterval is the heuristic slice spec.md §4.5/§5 documents for
// wait(ANY, t)'s original busy-polling implementation. This implementation
// "tightens" it (spec.md §9 "implementations MAY tighten this") by using a
// completion channel instead of repeated thread joins; anyPollInterval is
// not referenced by Wait and is not used to busy-wait. See DESIGN.md.
const anyPollInterval = 10 * time.Millisecond

// Container is an ordered aggregator of Tasks.
type Container struct {
	mutex sync.Mutex
	tasks []*task.Task
}

// New creates an empty Container.
func New() *Container {
	return &Container{}
}

// Add appends task to the Container if it is not already a member.
func (c *Container) Add(t *task.Task) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, existing := range c.tasks {
		if existing == t {
			return
		}
	}
	c.tasks = append(c.tasks, t)
}

// Remove deletes task from the Container by value, using ordinary slice
// removal (spec.md §9 design note (b): the original calls a nonexistent
// list method here; this uses the standard remove-by-value operation).
func (c *Container) Remove(t *task.Task) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i, existing := range c.tasks {
		if existing == t {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			return
		}
	}
}

// Size returns the number of member tasks.
func (c *Container) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.tasks)
}

// Tasks returns a snapshot of the Container's member tasks, in the order
// they were added.
func (c *Container) Tasks() []*task.Task {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]*task.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// buckets partitions tasks into those bound to a bulk-capable backend and
// those left unbound.
type buckets struct {
	// byMethod groups bound tasks by (backend, method), used for Run,
	// where the entry point name is "container_<method>"-shaped.
	byMethod map[task.BulkCapability]map[string][]*task.Task
	// byAgent groups bound tasks by backend alone, used for Wait/Cancel/
	// States, which route to a single, non-method-specific entry point.
	byAgent map[task.BulkCapability][]*task.Task
	unbound []*task.Task
}

func (c *Container) bucketize(forMethod bool) buckets {
	b := buckets{
		byMethod: make(map[task.BulkCapability]map[string][]*task.Task),
		byAgent:  make(map[task.BulkCapability][]*task.Task),
	}

	for _, t := range c.Tasks() {
		capability, ok := t.Backend().(task.BulkCapability)
		if !ok {
			b.unbound = append(b.unbound, t)
			continue
		}

		if forMethod && !capability.SupportsBulkMethod(t.Method()) {
			b.unbound = append(b.unbound, t)
			continue
		}

		b.byAgent[capability] = append(b.byAgent[capability], t)
		if b.byMethod[capability] == nil {
			b.byMethod[capability] = make(map[string][]*task.Task)
		}
		b.byMethod[capability][t.Method()] = append(b.byMethod[capability][t.Method()], t)
	}

	return b
}

// RunError is returned by Run when one or more workers fail. It names the
// originating tasks rather than silently discarding per-task context
// (spec.md §9 design note (d): the original's reraise path references an
// undefined variable; this always carries both a message and the
// originating task ids).
type RunError struct {
	Failures []TaskError
}

// TaskError pairs a task id with the error a worker observed for it.
type TaskError struct {
	TaskID string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("container run: %d task(s) failed: %v", len(e.Failures), e.Failures)
}

// Run starts every member task. Bound buckets are dispatched through their
// agent's container_<method> entry point in one worker each; unbound tasks
// get one worker each. All workers run concurrently; a worker failure is
// surfaced as a *RunError naming the originating task(s). Successful
// siblings are not rolled back (spec.md §4.5).
func (c *Container) Run(ctx context.Context) error {
	tasks := c.Tasks()
	if len(tasks) == 0 {
		return nil
	}

	b := c.bucketize(true)
	var wg sync.WaitGroup
	var mutex sync.Mutex
	var failures []TaskError

	recordFailure := func(id string, err error) {
		mutex.Lock()
		failures = append(failures, TaskError{TaskID: id, Err: err})
		mutex.Unlock()
	}

	for capability, methods := range b.byMethod {
		for _, bucket := range methods {
			wg.Add(1)
			go func(capability task.BulkCapability, bucket []*task.Task) {
				defer wg.Done()
				err := capability.ContainerRun(ctx, bucket)
				for _, t := range bucket {
					switch {
					case err != nil:
						recordFailure(t.ID(), err)
					case t.State() == state.Failed:
						recordFailure(t.ID(), t.Exception())
					}
				}
			}(capability, bucket)
		}
	}

	for _, t := range b.unbound {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			if err := t.Run(ctx); err != nil {
				recordFailure(t.ID(), err)
			}
		}(t)
	}

	wg.Wait()

	if len(failures) > 0 {
		return &RunError{Failures: failures}
	}
	return nil
}

// Wait blocks according to mode. ALL joins every worker and returns a
// representative task; the timeout is passed to each worker rather than
// enforced globally, so worst-case wall time is up to n*timeout for n
// workers (spec.md §4.5, design note (c) -- preserved, not tightened,
// since it is explicitly documented as acceptable for implementations to
// preserve). ANY returns as soon as the first worker completes; losing
// workers are left running.
func (c *Container) Wait(ctx context.Context, mode task.WaitMode, timeout time.Duration) (*task.Task, error) {
	tasks := c.Tasks()
	if len(tasks) == 0 {
		return nil, nil
	}

	if mode == task.All {
		return c.waitAll(ctx, timeout)
	}
	return c.waitAny(ctx, timeout)
}

func (c *Container) waitAll(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	b := c.bucketize(false)
	var wg sync.WaitGroup
	var mutex sync.Mutex
	var representative *task.Task
	var failures []TaskError

	for capability, bucket := range b.byAgent {
		wg.Add(1)
		go func(capability task.BulkCapability, bucket []*task.Task) {
			defer wg.Done()
			if err := capability.ContainerWait(ctx, bucket, task.All, timeout); err != nil {
				for _, t := range bucket {
					mutex.Lock()
					failures = append(failures, TaskError{TaskID: t.ID(), Err: err})
					mutex.Unlock()
				}
				return
			}
			mutex.Lock()
			representative = bucket[0]
			mutex.Unlock()
		}(capability, bucket)
	}

	for _, t := range b.unbound {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			if _, err := t.Wait(ctx, timeout); err != nil {
				mutex.Lock()
				failures = append(failures, TaskError{TaskID: t.ID(), Err: err})
				mutex.Unlock()
				return
			}
			mutex.Lock()
			representative = t
			mutex.Unlock()
		}(t)
	}

	wg.Wait()

	if len(failures) > 0 {
		return representative, &RunError{Failures: failures}
	}
	return representative, nil
}

func (c *Container) waitAny(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	b := c.bucketize(false)

	type outcome struct {
		t   *task.Task
		err error
	}
	results := make(chan outcome, len(b.unbound)+len(b.byAgent))

	for capability, bucket := range b.byAgent {
		go func(capability task.BulkCapability, bucket []*task.Task) {
			err := capability.ContainerWait(ctx, bucket, task.Any, timeout)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{t: bucket[0]}
		}(capability, bucket)
	}

	for _, t := range b.unbound {
		go func(t *task.Task) {
			_, err := t.Wait(ctx, timeout)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{t: t}
		}(t)
	}

	total := len(b.unbound) + len(b.byAgent)
	for i := 0; i < total; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				logger.Warnf("container wait(ANY) worker error: %v", r.err)
				continue
			}
			return r.t, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Every worker completed without yielding a task (spec.md §4.5).
	return nil, nil
}

// Cancel sends a best-effort parallel cancel to every member task. Worker
// failures are not fatal to sibling cancels (spec.md §4.5).
func (c *Container) Cancel(ctx context.Context, timeout time.Duration) error {
	b := c.bucketize(false)
	var wg sync.WaitGroup
	var mutex sync.Mutex
	var failures []TaskError

	for capability, bucket := range b.byAgent {
		wg.Add(1)
		go func(capability task.BulkCapability, bucket []*task.Task) {
			defer wg.Done()
			if err := capability.ContainerCancel(ctx, bucket, timeout); err != nil {
				for _, t := range bucket {
					mutex.Lock()
					failures = append(failures, TaskError{TaskID: t.ID(), Err: err})
					mutex.Unlock()
				}
			}
		}(capability, bucket)
	}

	for _, t := range b.unbound {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			if err := t.Cancel(ctx); err != nil {
				mutex.Lock()
				failures = append(failures, TaskError{TaskID: t.ID(), Err: err})
				mutex.Unlock()
			}
		}(t)
	}

	wg.Wait()

	if len(failures) > 0 {
		return &RunError{Failures: failures}
	}
	return nil
}

// States returns the current state of every member task. The returned
// sequence's order is unspecified and may differ from Tasks() (spec.md
// §4.5).
func (c *Container) States(ctx context.Context) ([]state.State, error) {
	b := c.bucketize(false)
	var wg sync.WaitGroup
	var mutex sync.Mutex
	var states []state.State
	var failures []TaskError

	for capability, bucket := range b.byAgent {
		wg.Add(1)
		go func(capability task.BulkCapability, bucket []*task.Task) {
			defer wg.Done()
			got, err := capability.ContainerStates(ctx, bucket)
			if err != nil {
				for _, t := range bucket {
					mutex.Lock()
					failures = append(failures, TaskError{TaskID: t.ID(), Err: err})
					mutex.Unlock()
				}
				return
			}
			mutex.Lock()
			states = append(states, got...)
			mutex.Unlock()
		}(capability, bucket)
	}

	for _, t := range b.unbound {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			mutex.Lock()
			states = append(states, t.State())
			mutex.Unlock()
		}(t)
	}

	wg.Wait()

	if len(failures) > 0 {
		return states, &RunError{Failures: failures}
	}
	return states, nil
}

