package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/vm0-runner/internal/hashutil"
	"github.com/oriys/vm0-runner/internal/lockfile"
	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/paths"
)

func rootfsCmd() *cobra.Command {
	var dockerfile, buildContext string

	cmd := &cobra.Command{
		Use:   "rootfs",
		Short: "Build squashfs rootfs only (without snapshot)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunnerConfig()
			if err != nil {
				return err
			}
			initObservability(cfg)

			home := paths.NewHomePaths(cfg.HomeDir)
			rp, err := buildRootfs(cmd.Context(), home, dockerfile, buildContext)
			if err != nil {
				return err
			}
			logging.Op().Info("rootfs build complete", "dir", rp.Dir())
			fmt.Println(rp.Dir())
			return nil
		},
	}

	cmd.Flags().StringVar(&dockerfile, "dockerfile", "Dockerfile", "path to the rootfs image's Dockerfile")
	cmd.Flags().StringVar(&buildContext, "context", ".", "docker build context directory")
	return cmd
}

// buildRootfs hashes the build inputs, takes the rootfs content-hash's
// exclusive lock (so a concurrent GC sweep cannot probe it as free
// mid-build), builds the image with docker, exports its filesystem, and
// packs it into a squashfs image plus a sidecar manifest. A build that
// finds its target hash already complete is a fast no-op, matching
// spec §3's "presence of all expected_files means the build was fully
// committed" invariant.
func buildRootfs(ctx context.Context, home *paths.HomePaths, dockerfile, buildContext string) (*paths.RootfsPaths, error) {
	inputHash, err := hashBuildInputs(dockerfile, buildContext)
	if err != nil {
		return nil, fmt.Errorf("hash build inputs: %w", err)
	}

	rp := paths.NewRootfsPaths(home, inputHash)
	if paths.IsComplete(rp.ExpectedFiles()) {
		logging.Op().Info("rootfs already built", "hash", inputHash)
		return rp, nil
	}

	lock, err := lockfile.Open(home.RootfsLock(inputHash))
	if err != nil {
		return nil, fmt.Errorf("open rootfs lock: %w", err)
	}
	defer lock.Close()
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock rootfs build: %w", err)
	}
	defer lock.Unlock()

	if paths.IsComplete(rp.ExpectedFiles()) {
		return rp, nil
	}

	if err := os.MkdirAll(rp.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", rp.Dir(), err)
	}

	image := "vm0-rootfs-" + uuid.New().String()
	containerName := "vm0-rootfs-build-" + uuid.New().String()[:8]

	buildCmd := exec.CommandContext(ctx, "docker", "build", "-f", dockerfile, "-t", image, buildContext)
	buildCmd.Stdout = os.Stderr
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		return nil, fmt.Errorf("docker build: %w", err)
	}
	defer exec.Command("docker", "rmi", "-f", image).Run()

	createCmd := exec.CommandContext(ctx, "docker", "create", "--name", containerName, image)
	if err := createCmd.Run(); err != nil {
		return nil, fmt.Errorf("docker create: %w", err)
	}
	defer exec.Command("docker", "rm", "-f", containerName).Run()

	exportDir, err := os.MkdirTemp("", "vm0-rootfs-export-*")
	if err != nil {
		return nil, fmt.Errorf("mkdir export temp: %w", err)
	}
	defer os.RemoveAll(exportDir)

	exportCmd := exec.CommandContext(ctx, "docker", "export", containerName)
	tarPath := filepath.Join(exportDir, "rootfs.tar")
	tarFile, err := os.Create(tarPath)
	if err != nil {
		return nil, fmt.Errorf("create export tar: %w", err)
	}
	exportCmd.Stdout = tarFile
	runErr := exportCmd.Run()
	tarFile.Close()
	if runErr != nil {
		return nil, fmt.Errorf("docker export: %w", runErr)
	}

	extractDir := filepath.Join(exportDir, "rootfs")
	if err := os.MkdirAll(extractDir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir extract dir: %w", err)
	}
	untarCmd := exec.CommandContext(ctx, "tar", "-xf", tarPath, "-C", extractDir)
	untarCmd.Stderr = os.Stderr
	if err := untarCmd.Run(); err != nil {
		return nil, fmt.Errorf("untar export: %w", err)
	}

	squashCmd := exec.CommandContext(ctx, "mksquashfs", extractDir, rp.Rootfs(), "-noappend", "-comp", "zstd")
	squashCmd.Stdout = os.Stderr
	squashCmd.Stderr = os.Stderr
	if err := squashCmd.Run(); err != nil {
		return nil, fmt.Errorf("mksquashfs: %w", err)
	}

	if err := paths.WriteManifest(rp.Manifest(), &paths.BuildManifest{
		ExpectedFiles: rp.ExpectedFiles(),
		BuildInputs:   map[string]string{"dockerfile": dockerfile, "context": buildContext, "hash": inputHash},
		CreatedAt:     time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return rp, nil
}

// hashBuildInputs hashes the Dockerfile's content together with the
// build context path so identical inputs always produce the same
// content hash (spec §8's "building a rootfs hash H twice yields
// byte-identical expected_files" determinism property), while distinct
// Dockerfiles never collide.
func hashBuildInputs(dockerfile, buildContext string) (string, error) {
	data, err := os.ReadFile(dockerfile)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dockerfile, err)
	}
	abs, err := filepath.Abs(buildContext)
	if err != nil {
		abs = buildContext
	}
	return hashutil.HashBytes(append(data, []byte(abs)...)), nil
}
