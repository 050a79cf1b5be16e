package agent

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/agrill/sshjob/internal/channel"
	ierrors "github.com/agrill/sshjob/internal/errors"
	"github.com/agrill/sshjob/internal/log"
	"github.com/agrill/sshjob/internal/protocol"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "agent")

// Client is the Go-side half of the wire protocol: it encodes verbs,
// writes them to a channel.Channel, and decodes the agent's replies. It is
// the concrete implementation the task package's Backend interface is
// built on.
//
// Client enforces spec.md §5's "the agent is single-threaded with respect
// to protocol commands" from the client's side too: only one verb may be
// outstanding on a given Client at a time. Callers needing concurrency open
// multiple Clients against multiple Channels.
type Client struct {
	mutex   sync.Mutex
	channel *channel.Channel
}

// NewClient wraps an already-opened Channel (i.e. one on which the agent
// has already been launched and the initial prompt consumed).
func NewClient(ch *channel.Channel) *Client {
	return &Client{channel: ch}
}

// Close closes the underlying channel.
func (c *Client) Close() error {
	return c.channel.Close()
}

// call writes a single verb/args line and waits for its reply, serializing
// against any concurrent call on this Client.
func (c *Client) call(ctx context.Context, verb string, args ...string) (protocol.Reply, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	line, err := protocol.Encode(verb, args...)
	if err != nil {
		logger.Errorf("encode %s; error: %s", verb, err)
		return protocol.Reply{}, err
	}

	if err := c.channel.Write(ctx, line); err != nil {
		logger.Errorf("write %s; error: %s", verb, err)
		return protocol.Reply{}, err
	}

	reply, err := c.channel.ReadReply(ctx)
	if err != nil {
		logger.Errorf("read reply to %s; error: %s", verb, err)
		return protocol.Reply{}, err
	}
	if reply.Tag == protocol.Err {
		wrapped := reply.AsError()
		logger.Warnf("%s; agent error: %s", verb, wrapped)
		return reply, wrapped
	}
	return reply, nil
}

// Run spawns cmd as a new job and returns its id once the agent confirms
// it has reached RUNNING (spec.md §4.1 "the client is guaranteed the job
// has transitioned").
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	reply, err := c.call(ctx, VerbRun, strings.Fields(cmd)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Payload), nil
}

// State returns the job's current state token.
func (c *Client) State(ctx context.Context, id string) (State, error) {
	reply, err := c.call(ctx, VerbState, id)
	if err != nil {
		return StateUnknown, err
	}
	return ParseState(strings.TrimSpace(reply.Payload)), nil
}

// Wait blocks server-side until id reaches a terminal state or timeoutSecs
// elapses (timeoutSecs < 0 means wait indefinitely), per the redesigned
// WAIT behavior documented in Script.
func (c *Client) Wait(ctx context.Context, id string, timeoutSecs int) (State, error) {
	reply, err := c.call(ctx, VerbWait, id, strconv.Itoa(timeoutSecs))
	if err != nil {
		return StateUnknown, err
	}
	return ParseState(strings.TrimSpace(reply.Payload)), nil
}

// Result returns the job's numeric exit code. Valid only once the job has
// reached a terminal state.
func (c *Client) Result(ctx context.Context, id string) (int, error) {
	reply, err := c.call(ctx, VerbResult, id)
	if err != nil {
		return 0, err
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(reply.Payload))
	if convErr != nil {
		return 0, ierrors.WithMessage(ierrors.ErrNoSuccess, "non-numeric exit code: "+reply.Payload)
	}
	return code, nil
}

// Suspend sends SIGSTOP to the job's process.
func (c *Client) Suspend(ctx context.Context, id string) error {
	_, err := c.call(ctx, VerbSuspend, id)
	return err
}

// Resume sends SIGCONT to a suspended job's process.
func (c *Client) Resume(ctx context.Context, id string) error {
	_, err := c.call(ctx, VerbResume, id)
	return err
}

// Cancel sends SIGKILL to the job's process.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.call(ctx, VerbCancel, id)
	return err
}

// Stdin appends text plus a trailing newline to the job's input feed.
func (c *Client) Stdin(ctx context.Context, id, text string) error {
	_, err := c.call(ctx, VerbStdin, id, text)
	return err
}

// Stdout returns the job's captured standard output, already uudecoded.
func (c *Client) Stdout(ctx context.Context, id string) ([]byte, error) {
	reply, err := c.call(ctx, VerbStdout, id)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeUU(reply.Payload)
}

// Stderr returns the job's captured standard error, already uudecoded.
func (c *Client) Stderr(ctx context.Context, id string) ([]byte, error) {
	reply, err := c.call(ctx, VerbStderr, id)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeUU(reply.Payload)
}

// List returns every job id currently known to the agent's BASE directory.
func (c *Client) List(ctx context.Context) ([]string, error) {
	reply, err := c.call(ctx, VerbList)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(reply.Payload), nil
}

// Purge removes one job's record by id, or every terminal job's record if
// id is empty.
func (c *Client) Purge(ctx context.Context, id string) (string, error) {
	var reply protocol.Reply
	var err error
	if id == "" {
		reply, err = c.call(ctx, VerbPurge)
	} else {
		reply, err = c.call(ctx, VerbPurge, id)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Payload), nil
}

// Quit tells the agent session to stop its idle checker and exit.
func (c *Client) Quit(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	line, err := protocol.Encode(VerbQuit)
	if err != nil {
		return err
	}
	return c.channel.Write(ctx, line)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
