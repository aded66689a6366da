// Command runner is the vm0-runner CLI: setup, build, rootfs, snapshot,
// benchmark, start, service, and gc, backing the microVM sandbox system
// described by the internal/sandbox, internal/netnspool, internal/gc, and
// internal/controlplane packages.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/oriys/vm0-runner/internal/config"
	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/metrics"
	"github.com/oriys/vm0-runner/internal/tracing"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "runner",
		Short:         "Orchestrate Firecracker microVM sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to runner.json config file")

	rootCmd.AddCommand(
		setupCmd(),
		buildCmd(),
		rootfsCmd(),
		snapshotCmd(),
		benchmarkCmd(),
		startCmd(),
		serviceCmd(),
		gcCmd(),
	)

	if unix.Getuid() == 0 {
		fmt.Fprintln(os.Stderr, "error: runner must not be run as root (it calls sudo internally as needed)")
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// exitCodeError lets a subcommand (benchmark) propagate a specific
// process exit code through cobra's normal error return instead of
// calling os.Exit directly, so deferred sandbox teardown still runs.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("command exited %d", e.code) }

// loadRunnerConfig layers DefaultConfig -> file (if configFile is set) ->
// VM0_*-prefixed env overrides, the same order every cobra entry point in
// the corpus uses.
func loadRunnerConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configFile, err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// initObservability wires structured logging and Prometheus metrics for
// any subcommand that runs long enough to care; one-shot commands
// (setup/build/rootfs/snapshot) call this too so their logs are
// consistent with start's.
func initObservability(cfg *config.Config) {
	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
	}
	if err := tracing.Init(context.Background(), cfg.Tracing); err != nil {
		logging.Op().Warn("tracing init failed, continuing without spans", "error", err)
	}
}
