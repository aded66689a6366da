// Command guest-init is the guest VM's PID 1. It mounts the guest
// filesystem, forks the guest agent as PID 2, and reaps zombies until the
// agent exits or a shutdown signal arrives, then exits with the agent's
// own exit code. It is the init= target baked into every boot's kernel
// command line.
package main

import (
	"os"

	"github.com/oriys/vm0-runner/internal/pid1"
)

const defaultAgentPath = "/usr/local/bin/vm0-agent"

func main() {
	agentPath := defaultAgentPath
	var agentArgs []string
	if len(os.Args) > 1 {
		agentPath = os.Args[1]
		agentArgs = os.Args[2:]
	}

	os.Exit(pid1.Supervise(agentPath, agentArgs))
}
