package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/paths"
)

func buildCmd() *cobra.Command {
	var dockerfile, buildContext string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build rootfs and snapshot in one step",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunnerConfig()
			if err != nil {
				return err
			}
			initObservability(cfg)

			home := paths.NewHomePaths(cfg.HomeDir)
			ctx := cmd.Context()

			rp, err := buildRootfs(ctx, home, dockerfile, buildContext)
			if err != nil {
				return fmt.Errorf("build rootfs: %w", err)
			}
			rootfsHash := home.ExtractRootfsHash(rp.Rootfs())
			cfg.Firecracker.RootfsDir = rp.Rootfs()

			sp, err := buildSnapshot(ctx, cfg, home, rootfsHash)
			if err != nil {
				return fmt.Errorf("build snapshot: %w", err)
			}

			logging.Op().Info("build complete", "rootfs", rp.Dir(), "snapshot", sp.Dir())
			fmt.Println(rp.Dir())
			fmt.Println(sp.Dir())
			return nil
		},
	}

	cmd.Flags().StringVar(&dockerfile, "dockerfile", "Dockerfile", "path to the rootfs image's Dockerfile")
	cmd.Flags().StringVar(&buildContext, "context", ".", "docker build context directory")
	return cmd
}
