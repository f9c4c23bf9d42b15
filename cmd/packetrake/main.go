// Packetrake is a raw-socket port scanner supporting SYN, connect,
// stealth, UDP and idle scan techniques.
package main

import (
	"github.com/packetrake/packetrake/cmd/cli"
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
