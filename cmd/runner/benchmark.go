package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/netnspool"
	"github.com/oriys/vm0-runner/internal/paths"
	"github.com/oriys/vm0-runner/internal/sandbox"
)

func benchmarkCmd() *cobra.Command {
	var timeoutSecs int
	var snapshotHash string

	cmd := &cobra.Command{
		Use:   "benchmark <command>",
		Short: "Run a single bash command in a VM for benchmarking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunnerConfig()
			if err != nil {
				return err
			}
			initObservability(cfg)
			cfg.Netns.Capacity = 1

			home := paths.NewHomePaths(cfg.HomeDir)
			netnsPool := netnspool.New(cfg.Netns.Capacity, "/var/lock", cfg.Netns.BridgeName)
			factory := sandbox.NewFactory(cfg, netnsPool)

			ctx := cmd.Context()
			total := time.Now()

			sb, err := factory.Create(ctx, "benchmark")
			if err != nil {
				return fmt.Errorf("create sandbox: %w", err)
			}
			defer sb.Destroy(ctx)

			bootStart := time.Now()
			if snapshotHash != "" {
				sp := paths.NewSnapshotPaths(home, snapshotHash)
				err = sb.StartFromSnapshot(ctx, sp.Snapshot(), sp.Memory())
			} else {
				err = sb.StartCold(ctx)
			}
			if err != nil {
				return fmt.Errorf("start sandbox: %w", err)
			}
			bootMs := time.Since(bootStart).Milliseconds()

			execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
			defer cancel()
			result, err := sb.Exec(execCtx, sandbox.ExecRequest{
				Cmd:      []string{"bash", "-c", args[0]},
				TimeoutS: timeoutSecs,
			})
			totalMs := time.Since(total).Milliseconds()
			if err != nil {
				logging.Op().Info("benchmark failed", "boot_ms", bootMs, "total_ms", totalMs, "error", err)
				return fmt.Errorf("exec: %w", err)
			}
			logging.Op().Info("benchmark complete", "boot_ms", bootMs, "total_ms", totalMs, "exit_code", result.ExitCode)

			if result.Stdout != "" {
				fmt.Print(result.Stdout)
			}
			if result.Stderr != "" {
				fmt.Fprint(os.Stderr, result.Stderr)
			}

			code := result.ExitCode
			if code < 0 || code > 255 {
				logging.Op().Warn("exit code out of byte range, using 1", "exit_code", code)
				code = 1
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&timeoutSecs, "timeout-secs", 300, "command timeout in seconds")
	cmd.Flags().StringVar(&snapshotHash, "snapshot-hash", "", "boot from this snapshot instead of a cold boot")
	return cmd
}
