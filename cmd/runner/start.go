package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vm0-runner/internal/config"
	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/metrics"
	"github.com/oriys/vm0-runner/internal/netnspool"
	"github.com/oriys/vm0-runner/internal/sandbox"
)

// Job is one unit of work claimed from the control plane: a run ID plus
// the content hashes of the rootfs and snapshot it names.
// The control plane's job-listing endpoint and wire schema are an
// external collaborator this runner only consumes, not implements.
type Job struct {
	RunID        string
	RootfsHash   string
	SnapshotHash string
}

// JobSource claims the next available job, blocking up to ctx's deadline
// when none is ready. The production implementation lives behind the
// control plane's HTTP API (out of scope to implement the server side
// of); noJobSource below is the minimal stand-in that keeps the daemon
// loop's shape real without inventing a job schema the specification
// does not define.
type JobSource interface {
	Next(ctx context.Context) (*Job, error)
}

// noJobSource reports no jobs are ever available. runDaemon always wires
// it in (no other JobSource exists), so `runner start` runs a
// complete, correctly draining daemon loop against an empty job feed.
type noJobSource struct{}

func (noJobSource) Next(ctx context.Context) (*Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func startCmd() *cobra.Command {
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the runner and poll for jobs (must run setup + build first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunnerConfig()
			if err != nil {
				return err
			}
			initObservability(cfg)

			return runDaemon(cmd.Context(), cfg, pollInterval)
		},
	}

	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "interval between job-source polls when idle")
	return cmd
}

// runDaemon wires the sandbox factory and job source, then loops:
// poll for a job, run it in its own goroutine against a per-run
// context, and track in-flight runs so a drain signal can wait for them.
// SIGINT/SIGTERM trigger an immediate stop-accepting-new-jobs shutdown
// that still waits for in-flight runs; SIGUSR1 (sent by `runner service
// drain`) does the same, matching spec.md's "in-flight jobs run to
// completion" drain contract.
func runDaemon(ctx context.Context, cfg *config.Config, pollInterval time.Duration) error {
	netnsPool := netnspool.New(cfg.Netns.Capacity, "/var/lock", cfg.Netns.BridgeName)
	factory := sandbox.NewFactory(cfg, netnsPool)

	// The control plane's job-listing endpoint is an external
	// collaborator (spec.md's explicit Non-goal for this component); a
	// concrete JobSource backed by cfg.ControlPlane.APIURL belongs to
	// that integration, not to this daemon loop.
	var jobs JobSource = noJobSource{}

	metrics.SetNetnsPoolSize(netnsPool.Capacity())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	var wg sync.WaitGroup
	draining := false

	logging.Op().Info("runner started", "poll_interval", pollInterval.String())

	for {
		if draining {
			break
		}

		select {
		case sig := <-sigCh:
			logging.Op().Info("shutdown signal received, draining in-flight runs", "signal", sig.String())
			draining = true
			continue
		default:
		}

		pollCtx, cancel := context.WithTimeout(runCtx, pollInterval)
		job, err := jobs.Next(pollCtx)
		cancel()
		if err != nil {
			if runCtx.Err() != nil {
				draining = true
				continue
			}
			continue // poll timeout, nothing ready
		}
		if job == nil {
			continue
		}

		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			runJob(runCtx, factory, job)
		}(job)
	}

	logging.Op().Info("waiting for in-flight runs to finish")
	wg.Wait()
	logging.Op().Info("runner stopped")
	return nil
}

// runJob provisions one sandbox, cold-boots it, stops it, and guarantees
// teardown regardless of outcome. It runs no command inside the guest and
// does not read job.RootfsHash or job.SnapshotHash.
func runJob(ctx context.Context, factory *sandbox.Factory, job *Job) {
	sb, err := factory.Create(ctx, job.RunID)
	if err != nil {
		logging.Op().Error("create sandbox failed", "run_id", job.RunID, "error", err)
		metrics.RecordSandboxCrashed("create_failed")
		return
	}
	defer func() {
		if err := sb.Destroy(ctx); err != nil {
			logging.Op().Error("destroy sandbox failed", "run_id", job.RunID, "sandbox_id", sb.ID, "error", err)
		}
	}()

	bootStart := time.Now()
	if err := sb.StartCold(ctx); err != nil {
		logging.Op().Error("start sandbox failed", "run_id", job.RunID, "error", err)
		metrics.RecordSandboxCrashed("boot_failed")
		return
	}
	metrics.RecordSandboxCreated("cold")
	metrics.ObserveBootDuration("cold", time.Since(bootStart).Seconds())

	logging.Op().Info("sandbox running", "run_id", job.RunID, "sandbox_id", sb.ID)

	if err := sb.Stop(ctx); err != nil {
		logging.Op().Error("stop sandbox failed", "run_id", job.RunID, "error", err)
	}
}
