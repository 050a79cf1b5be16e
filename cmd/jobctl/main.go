// Command jobctl is the command-line client for the remote job daemon.
package main

import (
	"os"

	"github.com/agrill/sshjob/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
