package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/oriys/vm0-runner/internal/cmdrunner"
	"github.com/oriys/vm0-runner/internal/logging"
)

const unitPrefix = "vm0-runner-"

var unitSuffixRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var unitFileTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=VM0 Runner ({{.Unit}})
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart="{{.Exe}}" start --config "{{.Config}}"
Restart=on-failure
RestartSec=5
MemoryMax=2G
KillSignal=SIGTERM
TimeoutStopSec=300
User={{.User}}
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Unit}}

[Install]
WantedBy=multi-user.target
`))

// unitName builds the full systemd unit name from a user-supplied suffix,
// rejecting anything that isn't safe in a unit name or file path.
func unitName(suffix string) (string, error) {
	if suffix == "" || !unitSuffixRE.MatchString(suffix) {
		return "", fmt.Errorf("invalid service name suffix %q: only alphanumeric, '.', '-', '_' allowed", suffix)
	}
	return unitPrefix + suffix, nil
}

func unitFilePath(unit string) string {
	return filepath.Join("/etc/systemd/system", unit+".service")
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the runner as a systemd service",
	}
	cmd.AddCommand(
		serviceStartCmd(),
		serviceStopCmd(),
		serviceInstallCmd(),
		serviceUninstallCmd(),
		serviceDrainCmd(),
		serviceStatusCmd(),
		serviceLogsCmd(),
	)
	return cmd
}

func serviceStartCmd() *cobra.Command {
	var name, config string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a transient runner service via systemd-run",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := unitName(name)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			active, err := isUnitActive(ctx, unit)
			if err != nil {
				return err
			}
			if active {
				return fmt.Errorf("unit %s is already running, stop it first with: runner service stop --name %s", unit, name)
			}

			configPath, err := filepath.Abs(config)
			if err != nil {
				return fmt.Errorf("resolve config path %s: %w", config, err)
			}
			exePath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("current executable: %w", err)
			}
			uid := os.Getuid()

			_, err = cmdrunner.RunSudo(ctx, "systemd-run",
				"--unit="+unit,
				"--description=VM0 Runner ("+unit+")",
				"--property=Type=exec",
				"--property=Restart=on-failure",
				"--property=RestartSec=5",
				"--property=MemoryMax=2G",
				"--property=StandardOutput=journal",
				"--property=StandardError=journal",
				"--property=KillSignal=SIGTERM",
				"--property=TimeoutStopSec=300",
				"--property=SyslogIdentifier="+unit,
				fmt.Sprintf("--uid=%d", uid),
				exePath, "start", "--config", configPath,
			)
			if err != nil {
				return fmt.Errorf("systemd-run: %w", err)
			}
			logging.Op().Info("transient service started", "unit", unit)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service name suffix")
	cmd.Flags().StringVarP(&config, "config", "c", "", "path to runner.json config file")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("config")
	return cmd
}

func serviceStopCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the named runner service",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := unitName(name)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			active, err := isUnitActive(ctx, unit)
			if err != nil {
				return err
			}
			if !active {
				logging.Op().Info("no active service found", "unit", unit)
				return nil
			}
			if _, err := cmdrunner.RunSudo(ctx, "systemctl", "stop", unit+".service"); err != nil {
				return fmt.Errorf("systemctl stop: %w", err)
			}
			logging.Op().Info("stopped", "unit", unit)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service name suffix")
	cmd.MarkFlagRequired("name")
	return cmd
}

func serviceInstallCmd() *cobra.Command {
	var name, config string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a persistent runner systemd unit and start it",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := unitName(name)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			configPath, err := filepath.Abs(config)
			if err != nil {
				return fmt.Errorf("resolve config path %s: %w", config, err)
			}
			exePath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("current executable: %w", err)
			}
			user, err := currentUsername()
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := unitFileTemplate.Execute(&buf, struct{ Unit, Exe, Config, User string }{
				Unit: unit, Exe: exePath, Config: configPath, User: user,
			}); err != nil {
				return fmt.Errorf("render unit file: %w", err)
			}

			upath := unitFilePath(unit)
			if err := writeUnitFile(ctx, upath, buf.String()); err != nil {
				return err
			}
			if _, err := cmdrunner.RunSudo(ctx, "systemctl", "daemon-reload"); err != nil {
				return fmt.Errorf("systemctl daemon-reload: %w", err)
			}
			if _, err := cmdrunner.RunSudo(ctx, "systemctl", "enable", "--now", unit+".service"); err != nil {
				return fmt.Errorf("systemctl enable --now: %w", err)
			}
			logging.Op().Info("service installed and started", "unit", unit)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service name suffix")
	cmd.Flags().StringVarP(&config, "config", "c", "", "path to runner.json config file")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("config")
	return cmd
}

func serviceUninstallCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable, and remove the named runner systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := unitName(name)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc := unit + ".service"

			// Best-effort: the unit may already be stopped or disabled.
			cmdrunner.RunSudo(ctx, "systemctl", "stop", svc)
			cmdrunner.RunSudo(ctx, "systemctl", "disable", svc)

			if _, err := cmdrunner.RunSudo(ctx, "rm", "-f", unitFilePath(unit)); err != nil {
				logging.Op().Warn("failed to remove unit file", "unit", unit, "error", err)
			}
			if _, err := cmdrunner.RunSudo(ctx, "systemctl", "daemon-reload"); err != nil {
				logging.Op().Warn("failed to reload systemd daemon", "unit", unit, "error", err)
			}
			logging.Op().Info("service uninstalled", "unit", unit)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service name suffix")
	cmd.MarkFlagRequired("name")
	return cmd
}

func serviceDrainCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Signal the named runner service to stop accepting new jobs and disable it",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := unitName(name)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			active, err := isUnitActive(ctx, unit)
			if err != nil {
				return err
			}
			if !active {
				logging.Op().Info("no active service found", "unit", unit)
				return nil
			}

			pid, err := servicePID(ctx, unit)
			if err != nil {
				return err
			}
			if pid == 0 {
				return fmt.Errorf("%s has no main PID", unit)
			}
			if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
				return fmt.Errorf("SIGUSR1 to PID %d: %w", pid, err)
			}
			logging.Op().Info("sent SIGUSR1 (drain)", "unit", unit, "pid", pid)

			if _, err := cmdrunner.RunSudo(ctx, "systemctl", "disable", unit+".service"); err != nil {
				logging.Op().Warn("failed to disable unit", "unit", unit, "error", err)
			} else {
				logging.Op().Info("disabled (won't restart on reboot)", "unit", unit)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service name suffix")
	cmd.MarkFlagRequired("name")
	return cmd
}

func serviceStatusCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show systemctl status for the named service, or all runner services",
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := unitPrefix + "*.service"
			if name != "" {
				unit, err := unitName(name)
				if err != nil {
					return err
				}
				pattern = unit + ".service"
			}
			// systemctl status exits non-zero for inactive units; that is
			// not a failure of this command, so its exit code is ignored.
			c := exec.CommandContext(cmd.Context(), "systemctl", "status", pattern)
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			c.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service name suffix (all runner services if omitted)")
	return cmd
}

func serviceLogsCmd() *cobra.Command {
	var name string
	var follow bool
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show journalctl output for the named runner service",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := unitName(name)
			if err != nil {
				return err
			}
			logArgs := []string{"--unit", unit + ".service", "--lines", strconv.Itoa(lines)}
			if follow {
				logArgs = append(logArgs, "--follow")
			}
			c := exec.CommandContext(cmd.Context(), "journalctl", logArgs...)
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service name suffix")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "l", 100, "number of trailing log lines to show")
	cmd.MarkFlagRequired("name")
	return cmd
}

// isUnitActive reports whether a systemd unit is active or activating.
func isUnitActive(ctx context.Context, unit string) (bool, error) {
	err := exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", unit+".service").Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if isExitError(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("systemctl is-active: %w", err)
}

// servicePID returns a unit's MainPID, or 0 if it has none.
func servicePID(ctx context.Context, unit string) (int, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "show", unit+".service", "--property=MainPID", "--value").Output()
	if err != nil {
		return 0, fmt.Errorf("systemctl show: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// writeUnitFile installs a unit file under /etc/systemd/system via `sudo
// tee`, since the runner itself does not hold write access there.
func writeUnitFile(ctx context.Context, path, content string) error {
	c := exec.CommandContext(ctx, "sudo", "tee", path)
	c.Stdin = strings.NewReader(content)
	c.Stdout = nil
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("sudo tee %s: %w: %s", path, err, stderr.String())
	}
	return nil
}

func currentUsername() (string, error) {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u, nil
	}
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	return "", fmt.Errorf("cannot determine current username (USER unset)")
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
