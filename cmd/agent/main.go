// Command vm0-agent is the guest agent orchestrator: the program PID 1
// (cmd/guest-init) execs as PID 2 inside every sandbox. It coordinates
// four cooperative tasks against the control plane — heartbeat, metrics
// collection, telemetry upload, and CLI execution — and serves a
// host-initiated exec/ping/stop channel over vsock for the runner's own
// use (the clock-fix command after a snapshot resume, liveness probes,
// and graceful shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oriys/vm0-runner/internal/controlplane"
	"github.com/oriys/vm0-runner/internal/logging"
)

const httpRequestTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

// run is the top-level orchestrator. It always returns an exit code and
// always performs cleanup (final telemetry upload, terminal complete
// call) regardless of how execution ended.
func run() int {
	c := loadEnv()

	apiStart := parseAPIStartMillis(c.apiStartTimeMs)
	if apiStart > 0 {
		e2e := nowMillis() - apiStart
		logging.Op().Info("api to agent start", "elapsed_ms", e2e)
	}

	if c.workingDir == "" {
		logging.Op().Error("VM0_WORKING_DIR is required but not set")
		masker := newSecretMasker(c.secretValues)
		cleanup(context.Background(), c, masker, 1, "VM0_WORKING_DIR is required but not set")
		return 1
	}

	logging.Op().Info("sandbox starting", "run_id", c.runID)

	if err := logging.Default().SetOutput(sandboxOpsLogFile(c.runID)); err != nil {
		logging.Op().Warn("sandbox-op log file unavailable", "error", err)
	}
	defer logging.Default().Close()

	masker := newSecretMasker(c.secretValues)
	client := controlplane.New(c.apiURL, c.apiToken, httpRequestTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heartbeatDone := make(chan error, 1)
	go func() { heartbeatDone <- heartbeatLoop(ctx, client, c.runID) }()
	go metricsLoop(ctx, c.runID)
	go telemetryLoop(ctx, client, masker, c.runID)
	go serveControlChannel(ctx, c.runID, cancel)

	exitCode, errMessage := execute(ctx, client, c, heartbeatDone)

	cleanup(context.Background(), c, masker, exitCode, errMessage)
	cancel()

	if exitCode == 0 {
		logging.Op().Info("sandbox finished successfully", "run_id", c.runID)
	} else {
		logging.Op().Error("sandbox failed", "run_id", c.runID, "exit_code", exitCode)
		fmt.Fprintf(os.Stderr, "error: %s\n", errMessage)
	}
	return exitCode
}

// execute runs working-directory setup, the configured CLI agent, and
// (on success) the artifact checkpoint protocol. It races the CLI run
// against the heartbeat task's own fatal first-failure: if the control
// plane was never reachable, there is no point waiting out the CLI.
func execute(ctx context.Context, client *controlplane.Client, c *runConfig, heartbeatDone <-chan error) (int, string) {
	if err := os.MkdirAll(c.workingDir, 0755); err != nil {
		msg := fmt.Sprintf("working dir setup failed: %v", err)
		logging.Op().Error(msg)
		return 1, msg
	}
	if err := os.Chdir(c.workingDir); err != nil {
		msg := fmt.Sprintf("working dir setup failed: %v", err)
		logging.Op().Error(msg)
		return 1, msg
	}

	cliDone := make(chan struct {
		res *cliResult
		err error
	}, 1)
	go func() {
		res, err := executeCLI(ctx, c)
		cliDone <- struct {
			res *cliResult
			err error
		}{res, err}
	}()

	var exitCode int
	var errMessage string
	var cliExitCode int

	select {
	case err := <-heartbeatDone:
		if err != nil {
			logging.Op().Error("CLI execution aborted: heartbeat unreachable", "error", err)
			return 1, err.Error()
		}
		// heartbeatDone only fires without error on shutdown; either way
		// the CLI result (already running concurrently) decides outcome.
		out := <-cliDone
		exitCode, errMessage, cliExitCode = interpretCLIResult(out.res, out.err)
	case out := <-cliDone:
		exitCode, errMessage, cliExitCode = interpretCLIResult(out.res, out.err)
	}

	if eventErrorFlagSet(c.runID) {
		logging.Op().Error("some events failed to send, marking run as failed")
		exitCode = 1
		if cliExitCode == 0 {
			errMessage = "some events failed to send"
		}
	}

	if cliExitCode == 0 && exitCode == 0 {
		if err := createCheckpoint(ctx, client, c); err != nil {
			logging.Op().Error("checkpoint failed", "error", err)
			exitCode = 1
			errMessage = "checkpoint creation failed"
		}
	}

	return exitCode, errMessage
}

func interpretCLIResult(res *cliResult, err error) (exitCode int, errMessage string, cliExitCode int) {
	if err != nil {
		return 1, err.Error(), 1
	}
	if res.exitCode != 0 {
		msg := fmt.Sprintf("agent exited with code %d", res.exitCode)
		if len(res.stderrLines) > 0 {
			msg = joinStderr(res.stderrLines)
		}
		return res.exitCode, msg, res.exitCode
	}
	return 0, "", 0
}

// cleanup always runs: a final telemetry upload, then the terminal
// complete call reporting the run's outcome. Neither failure changes the
// exit code that is about to be returned — the run has already finished.
func cleanup(ctx context.Context, c *runConfig, masker *secretMasker, exitCode int, errMessage string) {
	client := controlplane.New(c.apiURL, c.apiToken, httpRequestTimeout)

	if err := finalUpload(ctx, client, masker, c.runID); err != nil {
		logging.Op().Warn("final telemetry upload failed", "error", err)
	}

	req := controlplane.CompleteRequest{RunID: c.runID, ExitCode: exitCode, Error: errMessage}
	if err := client.Complete(ctx, req); err != nil {
		logging.Op().Error("complete API call failed, control plane may not see this run finish", "error", err)
	}
}

func parseAPIStartMillis(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
