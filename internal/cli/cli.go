// Package cli defines the jobctl command line client: it dials a remote
// host over SSH, bootstraps the agent script if needed, and drives one
// job-management verb per invocation. Modeled on the teacher's
// internal/jobworker/cli package (flag-declared globals, an ecXxx exit code
// enum, a Run() int entrypoint, and a help(text string) int usage printer).
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agrill/sshjob/internal/log"
	"github.com/agrill/sshjob/internal/validator"
)

var (
	hostFlag    = flag.String("host", "", "remote host to connect to")
	portFlag    = flag.Int("port", 22, "remote SSH port")
	userFlag    = flag.String("user", "", "remote SSH user")
	keyFlag     = flag.String("key", "", "path to SSH private key")
	timeoutFlag = flag.Duration("timeout", 30*time.Second, "timeout for the operation, where applicable")
)

const (
	ecSuccess = iota
	// ecUnrecognized indicates the subcommand was not recognized.
	ecUnrecognized
	// ecConnect indicates the SSH connection or agent bootstrap failed.
	ecConnect
	// ecArgs indicates the subcommand's positional arguments were invalid.
	ecArgs
	// ecOp indicates the requested operation itself failed.
	ecOp
)

var logger = log.New(os.Stdout, "cli")

const (
	bootstrapSub = "bootstrap"
	runSub       = "run"
	waitSub      = "wait"
	statusSub    = "status"
	cancelSub    = "cancel"
	suspendSub   = "suspend"
	resumeSub    = "resume"
	stdinSub     = "stdin"
	stdoutSub    = "stdout"
	stderrSub    = "stderr"
	listSub      = "list"
	purgeSub     = "purge"
)

// Run is the entrypoint of the jobctl CLI.
func Run() int {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		return help("Too few arguments")
	}

	valid := validator.New()
	valid.Assert(*hostFlag != "", "missing -host")
	valid.Assert(*userFlag != "", "missing -user")
	valid.Assert(*keyFlag != "", "missing -key")
	if err := valid.Err(); err != nil {
		return help(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	sub, rest := args[0], args[1:]
	switch sub {
	case bootstrapSub:
		return runBootstrap(ctx)
	case runSub:
		return runRun(ctx, rest)
	case waitSub:
		return runWait(ctx, rest)
	case statusSub:
		return runStatus(ctx, rest)
	case cancelSub:
		return runCancel(ctx, rest)
	case suspendSub:
		return runSuspend(ctx, rest)
	case resumeSub:
		return runResume(ctx, rest)
	case stdinSub:
		return runStdin(ctx, rest)
	case stdoutSub:
		return runStdout(ctx, rest)
	case stderrSub:
		return runStderr(ctx, rest)
	case listSub:
		return runList(ctx, rest)
	case purgeSub:
		return runPurge(ctx, rest)
	default:
		return help(fmt.Sprintf("Unrecognized subcommand %q.", sub))
	}
}

// help outputs a general overview of the jobctl executable to the user. The
// text argument may be used to add a detailed help message.
func help(text string) int {
	var b strings.Builder
	if text != "" {
		_, _ = b.WriteString(fmt.Sprintf("\nNotice: %s", text))
	}

	b.WriteString(
		`

jobctl drives a remote job daemon over an SSH channel: it can bootstrap the
agent, start commands, and poll, suspend, resume, cancel, or collect the
output of running jobs.

Usage:
  jobctl [global flags] command [args]

Available Commands:
  bootstrap               Upload the agent to its content-addressed path if missing, and launch it.
  run <cmd...>             Start a command; prints the new job id.
  wait <id>                Block until a job reaches a terminal state.
  status <id>              Print a job's current state.
  cancel <id>               Send SIGKILL to a job.
  suspend <id>              Send SIGSTOP to a job.
  resume <id>               Send SIGCONT to a suspended job.
  stdin <id> <text>         Append a line to a job's input feed.
  stdout <id>               Print a job's captured standard output.
  stderr <id>               Print a job's captured standard error.
  list                      Print every known job id.
  purge [id]                Remove one job's record, or every terminal job's.

Global Flags:
  -host       remote host to connect to
  -port       remote SSH port (default 22)
  -user       remote SSH user
  -key        path to SSH private key
  -timeout    timeout for the operation, where applicable (default 30s)
`)
	fmt.Fprint(os.Stdout, b.String())
	return ecUnrecognized
}

func osPID() int {
	return os.Getpid()
}

func parseID(args []string) (string, bool) {
	if len(args) < 1 {
		return "", false
	}
	return args[0], true
}
