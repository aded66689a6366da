package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/paths"
)

// defaultFirecrackerURL and defaultKernelURL point at the pinned
// binary/kernel release assets. Overridable via flags for air-gapped
// hosts that mirror them locally.
const (
	defaultFirecrackerURL = "https://github.com/firecracker-microvm/firecracker/releases/download/v1.7.0/firecracker-v1.7.0-x86_64.tgz"
	defaultKernelURL      = "https://s3.amazonaws.com/spec.ccfc.min/img/quickstart_guide/x86_64/kernels/vmlinux.bin"

	httpFetchTimeout = 120 * time.Second
)

func setupCmd() *cobra.Command {
	var firecrackerURL, kernelURL string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download Firecracker, kernel, and verify host prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunnerConfig()
			if err != nil {
				return err
			}
			initObservability(cfg)

			if err := verifyHostPrerequisites(); err != nil {
				return fmt.Errorf("host prerequisites: %w", err)
			}

			home := paths.NewHomePaths(cfg.HomeDir)
			if err := os.MkdirAll(home.BinDir(), 0755); err != nil {
				return fmt.Errorf("create bin dir: %w", err)
			}

			ctx := cmd.Context()
			if err := fetchFirecracker(ctx, firecrackerURL, cfg.Firecracker.BinaryPath); err != nil {
				return fmt.Errorf("fetch firecracker: %w", err)
			}
			if err := fetchFile(ctx, kernelURL, cfg.Firecracker.KernelPath); err != nil {
				return fmt.Errorf("fetch kernel: %w", err)
			}

			logging.Op().Info("setup complete",
				"firecracker", cfg.Firecracker.BinaryPath,
				"kernel", cfg.Firecracker.KernelPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&firecrackerURL, "firecracker-url", defaultFirecrackerURL, "Firecracker release tarball URL")
	cmd.Flags().StringVar(&kernelURL, "kernel-url", defaultKernelURL, "guest kernel image URL")
	return cmd
}

// verifyHostPrerequisites checks for /dev/kvm and the network tooling the
// netns pool's build script shells out to, failing fast with a clear
// message rather than letting the first sandbox create fail obscurely.
func verifyHostPrerequisites() error {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return fmt.Errorf("/dev/kvm not present (is KVM enabled and is this user in the kvm group?): %w", err)
	}
	for _, tool := range []string{"ip", "iptables", "sudo"} {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required tool %q not found on PATH", tool)
		}
	}
	return nil
}

// fetchFirecracker downloads and extracts the release tarball, installing
// just the firecracker binary (the tarball also bundles jailer and
// readme/license files this runner does not use) at destPath.
func fetchFirecracker(ctx context.Context, url, destPath string) error {
	data, err := httpGet(ctx, url)
	if err != nil {
		return err
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open tarball: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("firecracker binary not found in release tarball")
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if filepath.Base(hdr.Name) != "firecracker" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(destPath), err)
		}
		f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return fmt.Errorf("create %s: %w", destPath, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", destPath, err)
		}
		return f.Close()
	}
}

// fetchFile downloads url directly to destPath with no extraction, used
// for the bare kernel image.
func fetchFile(ctx context.Context, url, destPath string) error {
	data, err := httpGet(ctx, url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(destPath), err)
	}
	return os.WriteFile(destPath, data, 0644)
}

func httpGet(ctx context.Context, url string) ([]byte, error) {
	client := &http.Client{Timeout: httpFetchTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
