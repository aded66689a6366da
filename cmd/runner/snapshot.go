package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vm0-runner/internal/config"
	"github.com/oriys/vm0-runner/internal/lockfile"
	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/netnspool"
	"github.com/oriys/vm0-runner/internal/paths"
	"github.com/oriys/vm0-runner/internal/sandbox"
)

func snapshotCmd() *cobra.Command {
	var rootfsHash string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create a Firecracker VM snapshot for fast sandbox boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunnerConfig()
			if err != nil {
				return err
			}
			initObservability(cfg)

			home := paths.NewHomePaths(cfg.HomeDir)
			if rootfsHash == "" {
				rootfsHash = home.ExtractRootfsHash(cfg.Firecracker.RootfsDir)
			}
			if rootfsHash == "" {
				return fmt.Errorf("--rootfs-hash required (no rootfs hash could be inferred from config)")
			}
			rp := paths.NewRootfsPaths(home, rootfsHash)
			if !paths.IsComplete(rp.ExpectedFiles()) {
				return fmt.Errorf("rootfs %s is not fully built: run `runner rootfs` first", rootfsHash)
			}
			cfg.Firecracker.RootfsDir = rp.Rootfs()

			sp, err := buildSnapshot(cmd.Context(), cfg, home, rootfsHash)
			if err != nil {
				return err
			}
			logging.Op().Info("snapshot build complete", "dir", sp.Dir())
			fmt.Println(sp.Dir())
			return nil
		},
	}

	cmd.Flags().StringVar(&rootfsHash, "rootfs-hash", "", "content hash of the rootfs to snapshot (defaults to the configured rootfs)")
	return cmd
}

// buildSnapshot boots one cold sandbox against the configured rootfs,
// pauses and snapshots it, and persists the result under a content hash
// derived from the rootfs hash (a snapshot is a pure function of the
// rootfs it was taken from, since this runner boots with no other
// configurable guest state).
func buildSnapshot(ctx context.Context, cfg *config.Config, home *paths.HomePaths, rootfsHash string) (*paths.SnapshotPaths, error) {
	sp := paths.NewSnapshotPaths(home, rootfsHash)
	if paths.IsComplete(sp.ExpectedFiles()) {
		logging.Op().Info("snapshot already built", "hash", rootfsHash)
		return sp, nil
	}

	lock, err := lockfile.Open(home.SnapshotLock(rootfsHash))
	if err != nil {
		return nil, fmt.Errorf("open snapshot lock: %w", err)
	}
	defer lock.Close()
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock snapshot build: %w", err)
	}
	defer lock.Unlock()

	if paths.IsComplete(sp.ExpectedFiles()) {
		return sp, nil
	}
	if err := os.MkdirAll(sp.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", sp.Dir(), err)
	}

	netnsPool := netnspool.New(cfg.Netns.Capacity, "/var/lock", cfg.Netns.BridgeName)
	factory := sandbox.NewFactory(cfg, netnsPool)

	sb, err := factory.Create(ctx, "snapshot-build")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer sb.Destroy(ctx)

	bootCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.BootReadiness)
	defer cancel()
	if err := sb.StartCold(bootCtx); err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}

	meta, err := sb.CreateSnapshot(ctx, sp.Snapshot(), sp.Memory(), sp.Overlay())
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	if err := paths.WriteManifest(sp.Manifest(), &paths.BuildManifest{
		ExpectedFiles: sp.ExpectedFiles(),
		BuildInputs: map[string]string{
			"rootfs_hash": rootfsHash,
			"vsock_cid":   fmt.Sprint(meta.VsockCID),
		},
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return sp, nil
}
