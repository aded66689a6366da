//go:build linux

package pid1

import (
	"os"

	"golang.org/x/sys/unix"
)

// forkExecAgent forks and execs agentPath via the runtime's ForkExec,
// which performs the fork+exec pair through the narrow async-signal-safe
// path the Go runtime requires for multi-threaded processes (a raw
// fork() syscall is unsafe once goroutines/runtime threads exist).
// SIGTERM/SIGINT dispositions are reset to default by exec() itself —
// only SIG_IGN (our SIGTTIN/SIGTTOU/SIGPIPE) survives an exec, which is
// exactly the behavior the agent needs to inherit.
func forkExecAgent(agentPath string, args []string) (int, error) {
	argv := append([]string{agentPath}, args...)
	pid, err := unix.ForkExec(agentPath, argv, &unix.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()},
	})
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func reapZombies(watchedPID int) (int, bool) {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return 0, false
		}
		if pid == watchedPID {
			return exitCodeFromStatus(status), true
		}
	}
}

func waitBlocking(watchedPID int) int {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(watchedPID, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if pid == watchedPID {
			return exitCodeFromStatus(status)
		}
		return 1
	}
}

func exitCodeFromStatus(status unix.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	default:
		return 1
	}
}
