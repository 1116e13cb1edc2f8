// Package cmdutil provides shared utilities for nexusctl commands.
package cmdutil

import (
	"os"

	"github.com/nexuscore/nexusd/cmd/nexusctl/client"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ServerURL string
}

// Client builds a client.Client from the --server flag, falling back to
// NEXUSCTL_SERVER and then a localhost default. There is no login step:
// the nexus REST surface carries no auth, so there is nothing to store a
// credential for.
func Client() *client.Client {
	url := Flags.ServerURL
	if url == "" {
		url = os.Getenv("NEXUSCTL_SERVER")
	}
	if url == "" {
		url = "http://localhost:8420"
	}
	return client.New(url)
}
