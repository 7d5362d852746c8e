// kolosalctl is a command-line client for kolosal-server's HTTP API.
package main

import (
	"os"

	"github.com/kolosal/kolosal-server/cmd/kolosalctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
