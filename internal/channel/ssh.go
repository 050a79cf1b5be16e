package channel

import (
	"io"

	"golang.org/x/crypto/ssh"
)

// SSHStream adapts an *ssh.Session's combined stdin/stdout pipes to the
// Stream interface Channel expects, so a Channel can be opened directly
// against a long-lived interactive SSH login session (spec.md's "typically
// a long-lived remote login session").
type SSHStream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// NewSSHStream starts a shell on session and wires its stdin/stdout as a
// Stream. The caller remains responsible for closing session once the
// returned Stream is closed.
func NewSSHStream(session *ssh.Session) (*SSHStream, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := session.Shell(); err != nil {
		return nil, err
	}

	return &SSHStream{session: session, stdin: stdin, stdout: stdout}, nil
}

func (s *SSHStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *SSHStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Close closes the underlying SSH session. Any pending Channel.ReadReply
// will observe this as a transport failure, surfaced as ErrChannelClosed.
func (s *SSHStream) Close() error {
	return s.session.Close()
}

// SetRawMode is a no-op: it neither requests a PTY nor changes echo
// settings, because ssh.Session's terminal modes are set at RequestPty-time,
// not afterward. Callers that need a PTY with local echo disabled must
// request it before NewSSHStream starts the shell. It exists to satisfy RawModeSetter so
// Channel.Open's type-switch documents the intended behavior even though,
// for SSH, the caller configures modes via ssh.TerminalModes up front.
func (s *SSHStream) SetRawMode() error {
	return nil
}
