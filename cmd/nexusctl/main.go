// Command nexusctl is the control CLI for a nexusd node.
package main

import (
	"fmt"
	"os"

	"github.com/nexuscore/nexusd/cmd/nexusctl/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
