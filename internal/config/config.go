// Package config loads the runner's configuration from a JSON file with
// VM0_*-prefixed environment variable overrides, following the same
// defaults-then-file-then-env layering as the rest of the corpus's config
// packages (no viper).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// FirecrackerConfig locates the Firecracker binary and the kernel/rootfs
// images used to boot a cold VM.
type FirecrackerConfig struct {
	BinaryPath  string `json:"binary_path"`
	KernelPath  string `json:"kernel_path"`
	RootfsDir   string `json:"rootfs_dir"`   // $HOME/.vm0-runner/rootfs
	SnapshotDir string `json:"snapshot_dir"` // $HOME/.vm0-runner/snapshots
	VCPUCount   int    `json:"vcpu_count"`
	MemSizeMiB  int    `json:"mem_size_mib"`
}

// NetnsConfig sizes the netns pool and names its bridge.
type NetnsConfig struct {
	Capacity   int    `json:"capacity"`    // N in spec §4.2, default 16
	BridgeName string `json:"bridge_name"` // default vm0br0
	ProxyPort  int    `json:"proxy_port"`  // loaded but not passed to the netns pool; no proxy DNAT is programmed
}

// ControlPlaneConfig points the guest agent at the webhook API described
// in spec §6. The bearer token is passed through opaquely per spec's
// explicit non-goal of not authenticating it further.
type ControlPlaneConfig struct {
	APIURL string `json:"api_url"`
	// APIToken is read from VM0_API_TOKEN at guest-agent start, never from
	// the JSON config file, to avoid leaving the token on the rootfs image.
}

// TimeoutsConfig holds the bounded-per-call durations from spec §5.
type TimeoutsConfig struct {
	HTTPConnect     time.Duration `json:"http_connect"`      // 10s
	HTTPRequest     time.Duration `json:"http_request"`      // 30s
	FirecrackerCall time.Duration `json:"firecracker_call"`  // 30s
	Heartbeat       time.Duration `json:"heartbeat"`         // 30s
	Upload          time.Duration `json:"upload"`            // 60s
	SystemdStop     time.Duration `json:"systemd_stop"`      // 5m
	BootReadiness   time.Duration `json:"boot_readiness"`    // bound on §4.1 readiness wait
}

// GCConfig holds the sweeper's default behavior (overridable by CLI flags).
type GCConfig struct {
	KeepLatest int  `json:"keep_latest"`
	DryRun     bool `json:"dry_run"`
}

// TracingConfig configures the OTLP/HTTP exporter wired into sandbox
// lifecycle spans. Disabled (no-op tracer) unless Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig controls the Prometheus exposition surface.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	Addr      string `json:"addr"` // e.g. 127.0.0.1:9090; loaded but not read, no /metrics listener is started
}

// LoggingConfig controls the operational logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// Config is the root configuration object, loaded once at process start.
type Config struct {
	HomeDir      string             `json:"home_dir"` // $HOME/.vm0-runner
	Firecracker  FirecrackerConfig  `json:"firecracker"`
	Netns        NetnsConfig        `json:"netns"`
	ControlPlane ControlPlaneConfig `json:"control_plane"`
	Timeouts     TimeoutsConfig     `json:"timeouts"`
	GC           GCConfig           `json:"gc"`
	Tracing      TracingConfig      `json:"tracing"`
	Metrics      MetricsConfig      `json:"metrics"`
	Logging      LoggingConfig      `json:"logging"`
}

// DefaultConfig returns a Config with every field set to its documented
// default, suitable as the base that LoadFromFile and LoadFromEnv layer
// overrides onto.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/root"
	}
	root := home + "/.vm0-runner"

	return &Config{
		HomeDir: root,
		Firecracker: FirecrackerConfig{
			BinaryPath:  root + "/bin/firecracker",
			KernelPath:  root + "/bin/vmlinux",
			RootfsDir:   root + "/rootfs",
			SnapshotDir: root + "/snapshots",
			VCPUCount:   2,
			MemSizeMiB:  256,
		},
		Netns: NetnsConfig{
			Capacity:   16,
			BridgeName: "vm0br0",
			ProxyPort:  0,
		},
		ControlPlane: ControlPlaneConfig{
			APIURL: "",
		},
		Timeouts: TimeoutsConfig{
			HTTPConnect:     10 * time.Second,
			HTTPRequest:     30 * time.Second,
			FirecrackerCall: 30 * time.Second,
			Heartbeat:       30 * time.Second,
			Upload:          60 * time.Second,
			SystemdStop:     5 * time.Minute,
			BootReadiness:   10 * time.Second,
		},
		GC: GCConfig{
			KeepLatest: 1,
			DryRun:     false,
		},
		Tracing: TracingConfig{
			Endpoint:    "",
			ServiceName: "vm0-runner",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "vm0_runner",
			Addr:      "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile parses the JSON file at path over DefaultConfig(), so any
// fields the file omits keep their default value.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies VM0_*-prefixed environment variable overrides onto
// cfg in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VM0_HOME_DIR"); v != "" {
		cfg.HomeDir = v
	}
	if v := os.Getenv("VM0_FC_BINARY_PATH"); v != "" {
		cfg.Firecracker.BinaryPath = v
	}
	if v := os.Getenv("VM0_FC_KERNEL_PATH"); v != "" {
		cfg.Firecracker.KernelPath = v
	}
	if v := os.Getenv("VM0_FC_ROOTFS_DIR"); v != "" {
		cfg.Firecracker.RootfsDir = v
	}
	if v := os.Getenv("VM0_FC_SNAPSHOT_DIR"); v != "" {
		cfg.Firecracker.SnapshotDir = v
	}
	if v := os.Getenv("VM0_FC_VCPU_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Firecracker.VCPUCount = n
		}
	}
	if v := os.Getenv("VM0_FC_MEM_SIZE_MIB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Firecracker.MemSizeMiB = n
		}
	}
	if v := os.Getenv("VM0_NETNS_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Netns.Capacity = n
		}
	}
	if v := os.Getenv("VM0_NETNS_BRIDGE"); v != "" {
		cfg.Netns.BridgeName = v
	}
	if v := os.Getenv("VM0_NETNS_PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Netns.ProxyPort = n
		}
	}
	if v := os.Getenv("VM0_API_URL"); v != "" {
		cfg.ControlPlane.APIURL = v
	}
	if v := os.Getenv("VM0_GC_KEEP_LATEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GC.KeepLatest = n
		}
	}
	if v := os.Getenv("VM0_GC_DRY_RUN"); v != "" {
		cfg.GC.DryRun = parseBool(v)
	}
	if v := os.Getenv("VM0_OTEL_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("VM0_OTEL_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("VM0_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("VM0_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("VM0_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VM0_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("VM0_HTTP_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.HTTPRequest = d
		}
	}
	if v := os.Getenv("VM0_BOOT_READINESS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.BootReadiness = d
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
