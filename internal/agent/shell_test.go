package agent

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/agrill/sshjob/internal/channel"
	"github.com/agrill/sshjob/internal/state"
)

// shellStream adapts a real /bin/sh child process's piped stdin/stdout to
// channel.Stream, exercising the agent script against genuine shell
// semantics rather than a Go fake (spec.md §8's end-to-end scenarios).
type shellStream struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (s *shellStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *shellStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *shellStream) Close() error {
	s.stdin.Close()
	s.stdout.Close()
	return s.cmd.Process.Kill()
}

// launchRealAgent writes Script to a temp file and runs it under a real
// /bin/sh, with BASE (via $HOME) confined to a temp directory so the job
// daemon's on-disk state never touches the real home directory. It returns
// a Client wired to the live process, after consuming its banner.
func launchRealAgent(t *testing.T) *Client {
	t.Helper()

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available on PATH")
	}

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(scriptPath, []byte(Script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cmd := exec.Command(sh, scriptPath, "4242")
	cmd.Env = append(os.Environ(), "HOME="+dir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Skipf("start agent process: %v", err)
	}

	stream := &shellStream{stdin: stdin, stdout: stdout, cmd: cmd}
	t.Cleanup(func() { stream.Close() })

	ch, err := channel.Open(stream)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	t.Cleanup(func() { ch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := ch.ReadInitialPrompt(ctx); err != nil {
		t.Fatalf("read initial prompt: %v", err)
	}

	return NewClient(ch)
}

func TestScriptRunWaitResultAgainstRealShell(t *testing.T) {
	client := launchRealAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := client.Run(ctx, "exit 0")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := client.Wait(ctx, id, 5)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != StateDone {
		t.Fatalf("unexpected state after wait: %v", got)
	}

	code, err := client.Result(ctx, id)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
}

func TestScriptRunFailureAgainstRealShell(t *testing.T) {
	client := launchRealAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := client.Run(ctx, "exit 7")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := client.Wait(ctx, id, 5)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != StateFailed {
		t.Fatalf("unexpected state after wait: %v", got)
	}

	code, err := client.Result(ctx, id)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if code != 7 {
		t.Fatalf("unexpected exit code: %d", code)
	}
}

func TestScriptSuspendResumeCancelAgainstRealShell(t *testing.T) {
	client := launchRealAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := client.Run(ctx, "sleep 30")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := client.Suspend(ctx, id); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, err := client.State(ctx, id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got != state.Suspended {
		t.Fatalf("unexpected state after suspend: %v", got)
	}

	if err := client.Resume(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, err = client.State(ctx, id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got != state.Running {
		t.Fatalf("unexpected state after resume: %v", got)
	}

	if err := client.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err = client.Wait(ctx, id, 5)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != state.Canceled {
		t.Fatalf("unexpected state after cancel: %v", got)
	}
}
