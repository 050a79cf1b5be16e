package channel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	ierrors "github.com/agrill/sshjob/internal/errors"
	"github.com/agrill/sshjob/internal/protocol"
)

// pipeStream is an in-memory Stream used to drive a Channel in tests
// without any real transport. The test writes agent-shaped responses to
// serverWrite and reads client-issued verbs from serverRead.
type pipeStream struct {
	clientRead  *io.PipeReader
	clientWrite *io.PipeWriter
	serverRead  *bufio.Reader
	serverWrite *io.PipeWriter
}

func newPipeStream() (*pipeStream, *pipeStream) {
	r1, w1 := io.Pipe() // server -> client
	r2, w2 := io.Pipe() // client -> server

	client := &pipeStream{clientRead: r1, clientWrite: w2}
	server := &pipeStream{serverRead: bufio.NewReader(r2), serverWrite: w1}
	return client, server
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.clientRead.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.clientWrite.Write(b) }
func (p *pipeStream) Close() error {
	p.clientRead.Close()
	return p.clientWrite.Close()
}

func TestChannelReadReply(t *testing.T) {
	client, server := newPipeStream()

	ch, err := Open(client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ch.Close()

	go func() {
		line, _ := server.serverRead.ReadString('\n')
		if strings.TrimSpace(line) != "STATE 42" {
			return
		}
		server.serverWrite.Write([]byte("OK\nRUNNING\nPROMPT-0->\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := ch.Write(ctx, "STATE 42\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply, err := ch.ReadReply(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Tag != protocol.OK || reply.Payload != "RUNNING" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestChannelReadReplyError(t *testing.T) {
	client, server := newPipeStream()
	ch, err := Open(client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ch.Close()

	go func() {
		server.serverRead.ReadString('\n')
		server.serverWrite.Write([]byte("ERROR\npid 99 not known\nPROMPT-1->\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := ch.Write(ctx, "STATE 99\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reply, err := ch.ReadReply(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Tag != protocol.Err {
		t.Fatalf("expected error tag, got %v", reply.Tag)
	}
	if !errors.Is(reply.AsError(), ierrors.ErrDoesNotExist) {
		t.Fatalf("expected ErrDoesNotExist, got %v", reply.AsError())
	}
}

func TestChannelClosedDuringRead(t *testing.T) {
	client, _ := newPipeStream()
	ch, err := Open(client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.ReadReply(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := ch.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ierrors.ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ReadReply to observe closed channel")
	}
}

func TestReadInitialPrompt(t *testing.T) {
	client, server := newPipeStream()
	ch, err := Open(client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ch.Close()

	go func() {
		server.serverWrite.Write([]byte("PID: 1234\nPROMPT-0->\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pid, ok, err := ch.ReadInitialPrompt(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || pid != 1234 {
		t.Fatalf("unexpected pid/ok: %d, %v", pid, ok)
	}
}
