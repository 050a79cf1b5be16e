package cli

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/agrill/sshjob/internal/agent"
	"github.com/agrill/sshjob/internal/channel"

	"golang.org/x/crypto/ssh"
)

// dial opens an SSH connection to the host:port named by the -host/-port
// flags, authenticating with the private key at -key. Host key checking is
// intentionally left to the underlying shell channel provider per spec.md's
// "remote authentication and transport setup" non-goal: this dials with
// ssh.InsecureIgnoreHostKey, the same posture a bare ssh_config with no
// known_hosts entry would leave a caller in.
func dial() (*ssh.Client, error) {
	key, err := ioutil.ReadFile(*keyFlag)
	if err != nil {
		return nil, fmt.Errorf("read private key %q: %w", *keyFlag, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %q: %w", *keyFlag, err)
	}

	config := &ssh.ClientConfig{
		User:            *userFlag,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(*hostFlag, strconv.Itoa(*portFlag))
	return ssh.Dial("tcp", addr, config)
}

// bootstrap ensures the agent script is present at its content-addressed
// path on the remote host (uploading it only if missing, per spec.md §6),
// then launches it and opens a Client against the resulting session.
func bootstrap(ctx context.Context, sshClient *ssh.Client) (*agent.Client, error) {
	hash := agent.Hash(agent.Script)
	path := agent.BootstrapPath(hash)

	present, err := remoteFileExists(sshClient, path)
	if err != nil {
		return nil, fmt.Errorf("check remote agent: %w", err)
	}
	if !present {
		if err := uploadScript(sshClient, path); err != nil {
			return nil, fmt.Errorf("upload agent: %w", err)
		}
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	stream, err := channel.NewSSHStream(session)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("start remote shell: %w", err)
	}

	ch, err := channel.Open(stream)
	if err != nil {
		session.Close()
		return nil, err
	}

	cmd := agent.LaunchCommand(path, osPID())
	if err := ch.Write(ctx, cmd+"\n"); err != nil {
		ch.Close()
		return nil, fmt.Errorf("launch agent: %w", err)
	}
	if _, _, err := ch.ReadInitialPrompt(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("read agent banner: %w", err)
	}

	return agent.NewClient(ch), nil
}

func remoteFileExists(sshClient *ssh.Client, path string) (bool, error) {
	session, err := sshClient.NewSession()
	if err != nil {
		return false, err
	}
	defer session.Close()

	err = session.Run(fmt.Sprintf("test -e %s", shQuote(path)))
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*ssh.ExitError); ok {
		return false, nil
	}
	return false, err
}

func uploadScript(sshClient *ssh.Client, path string) error {
	session, err := sshClient.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	dir := path[:strings.LastIndex(path, "/")]
	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod +x %s", shQuote(dir), shQuote(path), shQuote(path))
	if err := session.Start(cmd); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte(agent.Script)); err != nil {
		return err
	}
	if err := stdin.Close(); err != nil {
		return err
	}
	return session.Wait()
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
