//go:build !linux

package pid1

import "fmt"

const (
	sigterm = unixSignalStub(0)
	sigkill = unixSignalStub(0)
)

type unixSignalStub int

func setupSignalHandlers() {}

func shutdownRequested() bool { return false }

func signalChild(pid int, sig unixSignalStub) {}

func bringUpFilesystem() error {
	return fmt.Errorf("pid1: guest filesystem bring-up is only supported on linux")
}

func forkExecAgent(agentPath string, args []string) (int, error) {
	return 0, fmt.Errorf("pid1: fork/exec supervision is only supported on linux")
}

func reapZombies(watchedPID int) (int, bool) { return 0, false }

func waitBlocking(watchedPID int) int { return 1 }
