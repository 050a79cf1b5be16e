// Package protocol implements the pure encode/decode half of the wire
// protocol spoken between a client and the remote agent (see
// internal/agent). It performs no I/O; internal/channel owns the transport
// and calls into this package to build request lines and interpret reply
// frames.
package protocol

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	ierrors "github.com/agrill/sshjob/internal/errors"
	"github.com/agrill/sshjob/internal/log"
	"github.com/agrill/sshjob/internal/validator"

	"github.com/pkg/errors"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "protocol")

// promptPattern matches a prompt line of the form PROMPT-<n>-> where <n> is
// the exit status of the last handled verb.
var promptPattern = regexp.MustCompile(`^PROMPT-(-?[0-9]+)->$`)

// Tag classifies a reply frame as reported by the agent.
type Tag string

const (
	// OK indicates the verb completed successfully.
	OK Tag = "OK"
	// Err indicates the verb failed; Reply.Payload carries the message.
	Err Tag = "ERROR"
	// Noop indicates a NOOP verb, which emits no frame at all -- only the
	// next prompt.
	Noop Tag = "NOOP"
)

// Reply is the decoded result of one request/response exchange with the
// agent.
type Reply struct {
	Tag     Tag
	Payload string
	// Exit is the exit status reported in the trailing prompt line. Clients
	// MUST NOT rely on this for correctness (spec: it is for debug
	// observation only); it is retained for diagnostics.
	Exit int
}

// Encode joins verb and args into a single wire line. Arguments containing
// embedded newlines are rejected, since the wire is line-atomic.
func Encode(verb string, args ...string) (string, error) {
	v := validator.New()
	v.Assert(verb != "", "verb empty")
	for _, a := range args {
		v.Assert(!strings.ContainsAny(a, "\n\r"), "argument contains embedded newline")
	}
	if err := v.Err(); err != nil {
		logger.Errorf("encode %s; error: %s", verb, err)
		return "", ierrors.WithMessage(ierrors.ErrEncoding, err.Error())
	}

	tokens := append([]string{strings.ToUpper(verb)}, args...)
	return strings.Join(tokens, " ") + "\n", nil
}

// MatchPrompt reports whether line is a prompt line, and if so, the exit
// status it carries.
func MatchPrompt(line string) (exit int, ok bool) {
	m := promptPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Decode interprets the lines collected between two prompts (exclusive of
// the prompts themselves) as a reply frame. lines[0], if present, is the
// OK/ERROR tag (any other tag is rejected); the remainder (re-joined with
// "\n") is the payload.
//
// An empty lines slice decodes as a Noop frame, matching the agent's NOOP
// handling (which emits nothing but the next prompt).
func Decode(lines []string, exit int) (Reply, error) {
	if len(lines) == 0 {
		return Reply{Tag: Noop, Exit: exit}, nil
	}

	tag := Tag(strings.TrimSpace(lines[0]))
	payload := strings.Join(lines[1:], "\n")

	switch tag {
	case OK, Err:
		return Reply{Tag: tag, Payload: payload, Exit: exit}, nil
	default:
		logger.Errorf("decode reply; unrecognized tag %q", tag)
		return Reply{}, errors.Wrapf(ierrors.ErrEncoding, "unrecognized reply tag %q", tag)
	}
}

// AsError converts a Reply with Tag == Err into the appropriate sentinel
// from internal/errors, based on the well-known message prefixes the agent
// emits (spec.md §7 "Propagation").
func (r Reply) AsError() error {
	if r.Tag != Err {
		return nil
	}

	msg := r.Payload
	switch {
	case strings.Contains(msg, "not known"), strings.Contains(msg, "has no"):
		return ierrors.WithMessage(ierrors.ErrDoesNotExist, msg)
	case strings.Contains(msg, "in incorrect state"):
		return ierrors.WithMessage(ierrors.ErrIncorrectState, msg)
	case strings.Contains(msg, "suspend failed"), strings.Contains(msg, "resume failed"), strings.Contains(msg, "cancel failed"):
		return ierrors.WithMessage(ierrors.ErrNoSuccess, msg)
	case strings.Contains(msg, "unknown ("):
		return ierrors.WithMessage(ierrors.ErrBadParameter, msg)
	default:
		return fmt.Errorf("%w: %s", ierrors.ErrNoSuccess, msg)
	}
}
