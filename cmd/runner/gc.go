package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/vm0-runner/internal/gc"
	"github.com/oriys/vm0-runner/internal/paths"
)

func gcCmd() *cobra.Command {
	var dryRun bool
	var keepLatest int

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Sweep unused rootfs and snapshot directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunnerConfig()
			if err != nil {
				return err
			}
			initObservability(cfg)

			if !cmd.Flags().Changed("keep-latest") {
				keepLatest = cfg.GC.KeepLatest
			}
			if !cmd.Flags().Changed("dry-run") {
				dryRun = cfg.GC.DryRun
			}

			home := paths.NewHomePaths(cfg.HomeDir)
			ctx := context.Background()

			rootfsResult, err := gc.Sweep(ctx, "rootfs", home.RootfsDir(), home.RootfsLock, keepLatest, dryRun)
			if err != nil {
				return fmt.Errorf("sweep rootfs: %w", err)
			}
			snapshotResult, err := gc.Sweep(ctx, "snapshots", home.SnapshotsDir(), home.SnapshotLock, keepLatest, dryRun)
			if err != nil {
				return fmt.Errorf("sweep snapshots: %w", err)
			}

			total := rootfsResult.FreedBytes + snapshotResult.FreedBytes
			verb := "freed"
			if dryRun {
				verb = "would free"
			}
			if total == 0 {
				fmt.Println("nothing to clean up")
			} else {
				fmt.Printf("rootfs: %s %d bytes across %d dirs (%d kept)\n", verb, rootfsResult.FreedBytes, len(rootfsResult.Deleted), len(rootfsResult.Kept))
				fmt.Printf("snapshots: %s %d bytes across %d dirs (%d kept)\n", verb, snapshotResult.FreedBytes, len(snapshotResult.Deleted), len(snapshotResult.Kept))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be deleted without deleting")
	cmd.Flags().IntVar(&keepLatest, "keep-latest", 0, "keep the N most recently used unused directories")
	return cmd
}
