// Command calder is the CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/calderdb/calder/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
