package main

import "fmt"

// Every run-scoped temp file lives under /tmp, named by run ID so
// concurrent runs (never expected on one guest, but cheap to guarantee)
// can't collide, and so destroying the sandbox's filesystem purges them
// all without a dedicated cleanup pass.

// eventErrorFlag's existence (not its content) marks that some event the
// CLI tried to emit failed to send, downgrading a zero exit to failure.
func eventErrorFlag(runID string) string {
	return fmt.Sprintf("/tmp/vm0-event-error-%s", runID)
}

func agentLogFile(runID string) string {
	return fmt.Sprintf("/tmp/vm0-agent-%s.log", runID)
}

// sandboxOpsLogFile is where every stage's SandboxOp record is written as
// it happens (logging.Logger's JSON-lines output), independent of the
// CLI's own stdout/stderr capture in agentLogFile.
func sandboxOpsLogFile(runID string) string {
	return fmt.Sprintf("/tmp/vm0-main-%s.log", runID)
}

func metricsLogFile(runID string) string {
	return fmt.Sprintf("/tmp/vm0-metrics-%s.jsonl", runID)
}

func networkLogFile(runID string) string {
	return fmt.Sprintf("/tmp/vm0-network-%s.jsonl", runID)
}

func telemetryLogPosFile(runID string) string {
	return fmt.Sprintf("/tmp/vm0-telemetry-log-pos-%s.txt", runID)
}

func telemetryMetricsPosFile(runID string) string {
	return fmt.Sprintf("/tmp/vm0-telemetry-metrics-pos-%s.txt", runID)
}

func telemetryNetworkPosFile(runID string) string {
	return fmt.Sprintf("/tmp/vm0-telemetry-network-pos-%s.txt", runID)
}

func telemetrySandboxOpsPosFile(runID string) string {
	return fmt.Sprintf("/tmp/vm0-telemetry-sandbox-ops-pos-%s.txt", runID)
}
