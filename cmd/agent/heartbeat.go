package main

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/vm0-runner/internal/controlplane"
	"github.com/oriys/vm0-runner/internal/logging"
)

const heartbeatInterval = 60 * time.Second

// heartbeatLoop posts a liveness beat every heartbeatInterval until ctx is
// canceled. The first beat is a reachability gate: if the control plane
// is unreachable from the very start, the run cannot possibly complete,
// so that failure is returned to the caller instead of being logged and
// ignored like every later one.
func heartbeatLoop(ctx context.Context, client *controlplane.Client, runID string) error {
	// The reachability gate fires at loop start, not after a full
	// interval elapses, so an unreachable control plane is caught
	// immediately instead of 60s into a run that can never complete.
	if err := client.Heartbeat(ctx, runID); err != nil {
		return fmt.Errorf("initial heartbeat unreachable: %w", err)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := client.Heartbeat(ctx, runID); err != nil {
				logging.Op().Warn("heartbeat failed, continuing", "error", err)
			}
		}
	}
}
