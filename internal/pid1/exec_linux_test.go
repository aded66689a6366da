//go:build linux

package pid1

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestExitCodeFromStatusExited(t *testing.T) {
	// A normally-exited child encodes its exit code in bits 8-15 and
	// leaves the low 7 bits (the signal-number field) zero.
	status := unix.WaitStatus(0 << 8)
	if got := exitCodeFromStatus(status); got != 0 {
		t.Fatalf("exit 0: got %d, want 0", got)
	}

	status = unix.WaitStatus(42 << 8)
	if got := exitCodeFromStatus(status); got != 42 {
		t.Fatalf("exit 42: got %d, want 42", got)
	}
}

func TestExitCodeFromStatusSignaled(t *testing.T) {
	// A child killed by a signal encodes the signal number in the low 7
	// bits, never 0x7f (that value means stopped, not terminated).
	status := unix.WaitStatus(uint32(unix.SIGKILL))
	if got := exitCodeFromStatus(status); got != 128+int(unix.SIGKILL) {
		t.Fatalf("SIGKILL: got %d, want %d", got, 128+int(unix.SIGKILL))
	}
}
