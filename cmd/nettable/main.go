// Command nettable runs and inspects a server-authoritative topic table.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/nettable/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nettable:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
