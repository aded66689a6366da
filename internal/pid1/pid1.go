// Package pid1 implements the guest's init process: filesystem bring-up,
// sigaction-based signal handling, and a reap loop that owns exactly one
// watched child (the guest agent) while silently absorbing orphaned
// zombies reparented to PID 1.
package pid1

import (
	"fmt"
	"os"
	"time"
)

// ShutdownGraceIterations is the number of 100ms reap-loop ticks to wait
// after SIGTERM before escalating to SIGKILL (1 second total).
const ShutdownGraceIterations = 10

// ReapInterval is the sleep between waitpid(-1, WNOHANG) polls.
const ReapInterval = 100 * time.Millisecond

// Supervise forks the guest agent binary, then blocks as the reap loop
// until it exits or a shutdown signal is observed. It returns the exit
// code the supervisor process should itself exit with.
func Supervise(agentPath string, agentArgs []string) int {
	if err := bringUpFilesystem(); err != nil {
		logLine("FATAL: filesystem init failed: %v", err)
		return 1
	}

	setupSignalHandlers()
	logLine("signal handlers installed")

	childPID, err := forkExecAgent(agentPath, agentArgs)
	if err != nil {
		logLine("FATAL: fork/exec agent failed: %v", err)
		return 1
	}
	logLine("agent forked as pid=%d", childPID)

	return reapLoop(childPID)
}

func reapLoop(childPID int) int {
	for {
		if code, reaped := reapZombies(childPID); reaped {
			logLine("agent exited with code %d", code)
			return code
		}

		if shutdownRequested() {
			logLine("shutdown requested, sending SIGTERM to agent")
			signalChild(childPID, sigterm)

			for i := 0; i < ShutdownGraceIterations; i++ {
				time.Sleep(ReapInterval)
				if code, reaped := reapZombies(childPID); reaped {
					logLine("agent exited with code %d after SIGTERM", code)
					return code
				}
			}

			logLine("agent did not exit after SIGTERM, sending SIGKILL")
			signalChild(childPID, sigkill)
			return waitBlocking(childPID)
		}

		time.Sleep(ReapInterval)
	}
}

func logLine(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[guest-init] "+format+"\n", args...)
}
