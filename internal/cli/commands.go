package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agrill/sshjob/internal/agent"
)

// connectedClient dials, bootstraps, and returns a ready *agent.Client along
// with a cleanup func the caller must defer.
func connectedClient(ctx context.Context) (*agent.Client, func(), error) {
	sshClient, err := dial()
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	client, err := bootstrap(ctx, sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("bootstrap: %w", err)
	}

	cleanup := func() {
		client.Close()
		sshClient.Close()
	}
	return client, cleanup, nil
}

func runBootstrap(ctx context.Context) int {
	_, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("bootstrap; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	fmt.Fprintf(os.Stdout, "agent %s ready\n", agent.Hash(agent.Script))
	return ecSuccess
}

func runRun(ctx context.Context, args []string) int {
	if len(args) < 1 {
		return help("run requires a command")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("run; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	id, err := client.Run(ctx, strings.Join(args, " "))
	if err != nil {
		logger.Errorf("run; error: %v", err)
		return ecOp
	}
	fmt.Fprintln(os.Stdout, id)
	return ecSuccess
}

func runWait(ctx context.Context, args []string) int {
	id, ok := parseID(args)
	if !ok {
		return help("wait requires a job id")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("wait; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	state, err := client.Wait(ctx, id, int(timeoutFlag.Seconds()))
	if err != nil {
		logger.Errorf("wait; error: %v", err)
		return ecOp
	}
	fmt.Fprintln(os.Stdout, state)
	return ecSuccess
}

func runStatus(ctx context.Context, args []string) int {
	id, ok := parseID(args)
	if !ok {
		return help("status requires a job id")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("status; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	state, err := client.State(ctx, id)
	if err != nil {
		logger.Errorf("status; error: %v", err)
		return ecOp
	}
	fmt.Fprintln(os.Stdout, state)
	return ecSuccess
}

func runCancel(ctx context.Context, args []string) int {
	id, ok := parseID(args)
	if !ok {
		return help("cancel requires a job id")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("cancel; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	if err := client.Cancel(ctx, id); err != nil {
		logger.Errorf("cancel; error: %v", err)
		return ecOp
	}
	return ecSuccess
}

func runSuspend(ctx context.Context, args []string) int {
	id, ok := parseID(args)
	if !ok {
		return help("suspend requires a job id")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("suspend; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	if err := client.Suspend(ctx, id); err != nil {
		logger.Errorf("suspend; error: %v", err)
		return ecOp
	}
	return ecSuccess
}

func runResume(ctx context.Context, args []string) int {
	id, ok := parseID(args)
	if !ok {
		return help("resume requires a job id")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("resume; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	if err := client.Resume(ctx, id); err != nil {
		logger.Errorf("resume; error: %v", err)
		return ecOp
	}
	return ecSuccess
}

func runStdin(ctx context.Context, args []string) int {
	if len(args) < 2 {
		return help("stdin requires a job id and text")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("stdin; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	if err := client.Stdin(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
		logger.Errorf("stdin; error: %v", err)
		return ecOp
	}
	return ecSuccess
}

func runStdout(ctx context.Context, args []string) int {
	id, ok := parseID(args)
	if !ok {
		return help("stdout requires a job id")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("stdout; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	out, err := client.Stdout(ctx, id)
	if err != nil {
		logger.Errorf("stdout; error: %v", err)
		return ecOp
	}
	os.Stdout.Write(out)
	return ecSuccess
}

func runStderr(ctx context.Context, args []string) int {
	id, ok := parseID(args)
	if !ok {
		return help("stderr requires a job id")
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("stderr; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	out, err := client.Stderr(ctx, id)
	if err != nil {
		logger.Errorf("stderr; error: %v", err)
		return ecOp
	}
	os.Stderr.Write(out)
	return ecSuccess
}

func runList(ctx context.Context, _ []string) int {
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("list; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	ids, err := client.List(ctx)
	if err != nil {
		logger.Errorf("list; error: %v", err)
		return ecOp
	}
	for _, id := range ids {
		fmt.Fprintln(os.Stdout, id)
	}
	return ecSuccess
}

func runPurge(ctx context.Context, args []string) int {
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	client, cleanup, err := connectedClient(ctx)
	if err != nil {
		logger.Errorf("purge; error: %v", err)
		return ecConnect
	}
	defer cleanup()

	purged, err := client.Purge(ctx, id)
	if err != nil {
		logger.Errorf("purge; error: %v", err)
		return ecOp
	}
	fmt.Fprintln(os.Stdout, purged)
	return ecSuccess
}
