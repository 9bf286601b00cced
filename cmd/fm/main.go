// fm is the Foreman CLI for running autonomous agent teams.
package main

import (
	"os"

	"github.com/xcawolfe-amzn/foreman/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
