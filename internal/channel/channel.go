// Package channel provides the duplex-byte-stream abstraction described as
// the Shell Channel (C2) in the spec: it writes verb lines, reads framed
// replies delimited by the agent's PROMPT-<n>-> sentinel, and surfaces
// transport loss as a distinct error.
package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	ierrors "github.com/agrill/sshjob/internal/errors"
	"github.com/agrill/sshjob/internal/log"
	"github.com/agrill/sshjob/internal/protocol"

	"github.com/pkg/errors"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "channel")

// Stream is the minimal transport a Channel needs: a duplex byte stream to
// the remote host. *os.File, net.Conn, an ssh.Session's combined
// stdin/stdout, and an exec.Cmd's piped stdin/stdout all satisfy it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// RawModeSetter is implemented by streams that can disable local echo
// before the agent starts (spec.md §4.2: "sets the underlying terminal to
// no-echo / no-newline-echo"). Streams that don't implement it (e.g. an
// exec.Cmd pipe, which never echoes) are used as-is.
type RawModeSetter interface {
	SetRawMode() error
}

// Channel serializes writes/reads against a single Stream. Only one verb
// may be outstanding at a time; callers needing concurrency must open
// multiple Channels (this is how Container bulk parallelism is obtained).
type Channel struct {
	mutex  sync.Mutex
	stream Stream
	reader *bufio.Reader

	closed   chan struct{}
	closeErr error
}

// Open wraps stream in a Channel, disabling local echo if the stream
// supports it.
func Open(stream Stream) (*Channel, error) {
	if setter, ok := stream.(RawModeSetter); ok {
		if err := setter.SetRawMode(); err != nil {
			logger.Errorf("set raw mode; error: %s", err)
			return nil, errors.Wrap(err, "set raw mode")
		}
	}

	return &Channel{
		stream: stream,
		reader: bufio.NewReader(stream),
		closed: make(chan struct{}),
	}, nil
}

// Close closes the underlying stream. Any read_reply in flight will
// observe ErrChannelClosed.
func (c *Channel) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	select {
	case <-c.closed:
		return c.closeErr
	default:
	}

	err := c.stream.Close()
	c.closeErr = err
	close(c.closed)
	return err
}

// Write sends a single already-encoded line (see protocol.Encode) to the
// remote agent.
func (c *Channel) Write(ctx context.Context, line string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	type result struct{ err error }
	done := make(chan result, 1)

	go func() {
		_, err := io.WriteString(c.stream, line)
		done <- result{err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ierrors.ErrChannelClosed
	case r := <-done:
		if r.err != nil {
			logger.Errorf("write channel; error: %s", r.err)
			return errors.Wrap(r.err, "write channel")
		}
		return nil
	}
}

// ReadReply consumes lines from the stream until a prompt line is seen,
// classifying the preceding lines as an OK/ERROR/NOOP reply per
// protocol.Decode. It MUST NOT be called concurrently on the same Channel;
// Channel's caller (internal/agent.Client) is responsible for one
// in-flight request at a time, per spec.md §5.
func (c *Channel) ReadReply(ctx context.Context) (protocol.Reply, error) {
	type result struct {
		reply protocol.Reply
		err   error
	}
	done := make(chan result, 1)

	go func() {
		reply, err := c.readReply()
		done <- result{reply: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	case <-c.closed:
		return protocol.Reply{}, ierrors.ErrChannelClosed
	case r := <-done:
		return r.reply, r.err
	}
}

func (c *Channel) readReply() (protocol.Reply, error) {
	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Warnf("read channel: stream closed mid-reply")
				return protocol.Reply{}, ierrors.ErrChannelClosed
			}
			logger.Errorf("read channel; error: %s", err)
			return protocol.Reply{}, errors.Wrap(err, "read channel")
		}

		trimmed := trimNewline(line)
		if exit, ok := protocol.MatchPrompt(trimmed); ok {
			return protocol.Decode(lines, exit)
		}
		lines = append(lines, trimmed)
	}
}

func trimNewline(s string) string {
	n := len(s)
	for n > 0 && (s[n-1] == '\n' || s[n-1] == '\r') {
		n--
	}
	return s[:n]
}

// ReadLine reads and returns a single raw line (used for the client's
// initial "PID: <n>" read before the first prompt, see spec.md §6).
func (c *Channel) ReadLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		line, err := c.reader.ReadString('\n')
		done <- result{line: trimNewline(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", ierrors.ErrChannelClosed
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				logger.Warnf("read channel: stream closed mid-line")
				return "", ierrors.ErrChannelClosed
			}
			logger.Errorf("read channel; error: %s", r.err)
			return "", errors.Wrap(r.err, "read channel")
		}
		return r.line, nil
	}
}

// ReadInitialPrompt consumes the agent's startup banner: an optional
// "PID: <n>" line followed by the first PROMPT-0-> line, per spec.md §6.
func (c *Channel) ReadInitialPrompt(ctx context.Context) (pid int, hasPID bool, err error) {
	line, err := c.ReadLine(ctx)
	if err != nil {
		return 0, false, err
	}

	if _, ok := protocol.MatchPrompt(line); ok {
		return 0, false, nil
	}

	n, scanErr := fmt.Sscanf(line, "PID: %d", &pid)
	if scanErr != nil || n != 1 {
		return 0, false, errors.Errorf("unexpected agent banner line: %q", line)
	}

	if _, err := c.ReadLine(ctx); err != nil {
		return 0, false, err
	}
	return pid, true, nil
}
