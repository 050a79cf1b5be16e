package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ierrors "github.com/agrill/sshjob/internal/errors"
	"github.com/agrill/sshjob/internal/state"
)

// fakeBackend is an in-memory Backend used to exercise Task without a real
// channel/agent.
type fakeBackend struct {
	mutex sync.Mutex
	jobs  map[string]*fakeJob
	next  int
}

type fakeJob struct {
	state  state.State
	result int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{jobs: make(map[string]*fakeJob)}
}

func (b *fakeBackend) Run(ctx context.Context, cmd string) (string, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.next++
	id := string(rune('a' + b.next))
	b.jobs[id] = &fakeJob{state: state.Running}
	return id, nil
}

func (b *fakeBackend) State(ctx context.Context, id string) (state.State, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return state.Unknown, ierrors.ErrDoesNotExist
	}
	return job.state, nil
}

func (b *fakeBackend) Wait(ctx context.Context, id string, timeoutSecs int) (state.State, error) {
	return b.State(ctx, id)
}

func (b *fakeBackend) Result(ctx context.Context, id string) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return 0, ierrors.ErrDoesNotExist
	}
	return job.result, nil
}

func (b *fakeBackend) Suspend(ctx context.Context, id string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.jobs[id].state = state.Suspended
	return nil
}

func (b *fakeBackend) Resume(ctx context.Context, id string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.jobs[id].state = state.Running
	return nil
}

func (b *fakeBackend) Cancel(ctx context.Context, id string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.jobs[id].state = state.Canceled
	return nil
}

func (b *fakeBackend) finish(id string, state state.State, result int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.jobs[id].state = state
	b.jobs[id].result = result
}

func TestTaskAsyncLifecycle(t *testing.T) {
	backend := newFakeBackend()
	tsk, err := New(backend, "run", "/bin/sh -c exit 0", Async)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tsk.State() != state.Running {
		t.Fatalf("expected RUNNING, got %v", tsk.State())
	}

	backend.finish(tsk.ID(), state.Done, 0)

	ctx := context.Background()
	terminal, err := tsk.Wait(ctx, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !terminal {
		t.Fatalf("expected terminal")
	}

	result, err := tsk.Result(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 0 {
		t.Fatalf("unexpected result: %d", result)
	}
}

func TestTaskRunIdempotent(t *testing.T) {
	backend := newFakeBackend()
	tsk, err := New(backend, "run", "/bin/sh -c exit 0", Deferred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	if err := tsk.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := tsk.ID()

	// Second Run is a no-op; id must not change.
	if err := tsk.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tsk.ID() != id {
		t.Fatalf("expected idempotent run to preserve id")
	}
}

func TestTaskCancelRequiresRunningOrSuspended(t *testing.T) {
	backend := newFakeBackend()
	tsk, err := New(backend, "run", "/bin/sh -c exit 0", Deferred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := tsk.Cancel(context.Background()); !errors.Is(err, ierrors.ErrIncorrectState) {
		t.Fatalf("expected ErrIncorrectState, got %v", err)
	}
}

func TestTaskResultOnFailedReraisesException(t *testing.T) {
	backend := newFakeBackend()
	tsk, err := New(backend, "run", "/bin/sh -c exit 1", Async)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("boom")
	backend.mutex.Lock()
	backend.jobs[tsk.ID()].state = state.Failed
	backend.mutex.Unlock()
	tsk.mutex.Lock()
	tsk.exception = boom
	tsk.state = state.Failed
	tsk.mutex.Unlock()

	_, err = tsk.Result(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestLocalTaskLifecycle(t *testing.T) {
	tsk, err := NewLocal(func(ctx context.Context) (int, error) {
		return 42, nil
	}, Sync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tsk.State() != state.Done {
		t.Fatalf("expected DONE after sync launch, got %v", tsk.State())
	}

	result, err := tsk.Result(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Fatalf("unexpected result: %d", result)
	}
}

func TestLocalTaskCancel(t *testing.T) {
	started := make(chan struct{})
	tsk, err := NewLocal(func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}, Async)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-started
	if err := tsk.Cancel(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tsk.State() != state.Canceled {
		t.Fatalf("expected CANCELED, got %v", tsk.State())
	}
}

func TestTaskWaitTimeout(t *testing.T) {
	tsk, err := NewLocal(func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, Async)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tsk.Cancel(context.Background())

	terminal, err := tsk.Wait(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if terminal {
		t.Fatalf("expected non-terminal on short timeout")
	}
}
