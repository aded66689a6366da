//go:build linux

package pid1

import (
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	sigterm = unix.SIGTERM
	sigkill = unix.SIGKILL
)

var shutdownFlag atomic.Bool

// setupSignalHandlers mirrors tini's approach: SIGTERM/SIGINT set a flag
// the reap loop polls every tick; SIGTTIN/SIGTTOU/SIGPIPE are ignored so
// they never terminate PID 1. The Go runtime installs its signal
// handling via sigaction internally, so signal.Notify/signal.Ignore give
// the same non-resetting, SA_RESTART-equivalent behavior the original
// gets from a raw sigaction call.
func setupSignalHandlers() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT)
	go func() {
		for range ch {
			shutdownFlag.Store(true)
		}
	}()

	signal.Ignore(unix.SIGTTIN, unix.SIGTTOU, unix.SIGPIPE)
}

func shutdownRequested() bool {
	return shutdownFlag.Load()
}

func signalChild(pid int, sig unix.Signal) {
	_ = unix.Kill(pid, sig)
}
