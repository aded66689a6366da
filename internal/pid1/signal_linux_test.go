//go:build linux

package pid1

import "testing"

func TestShutdownRequestedReflectsFlag(t *testing.T) {
	defer shutdownFlag.Store(false)

	if shutdownRequested() {
		t.Fatal("expected no shutdown requested before flag is set")
	}
	shutdownFlag.Store(true)
	if !shutdownRequested() {
		t.Fatal("expected shutdown requested after flag is set")
	}
}
