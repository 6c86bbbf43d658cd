// Command lofi runs headless clients, the reference authority and the
// scenario harness.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lofi/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
