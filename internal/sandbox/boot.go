package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/netnspool"
	"github.com/oriys/vm0-runner/internal/tracing"
)

// overlayImageSizeBytes sizes the per-sandbox writable ext4 overlay. A
// single size fits every agent run since the guest's own GC (per-run /tmp
// purge) keeps it from growing unbounded across execs within one sandbox.
const overlayImageSizeBytes = 512 * 1024 * 1024

// vmAddrPort is the fixed guest-side vsock port the agent listens on
// (mirrors vsocktransport.Port, duplicated here rather than imported to
// keep this package's dependency on the guest-side transport package
// limited to DialHost).
const vmAddrPort = 9999

// StartCold boots a fresh VM from the kernel/rootfs configured on the
// sandbox's factory: the full machine/boot-source/drives/network/vsock PUT
// sequence followed by InstanceStart.
func (s *Sandbox) StartCold(ctx context.Context) (err error) {
	ctx, end := tracing.StartSpan(ctx, "sandbox.boot", attribute.String("sandbox_id", s.ID), attribute.String("mode", "cold"))
	defer func() { end(err) }()

	start := time.Now()
	if err := s.startCommon(ctx, func(ctx context.Context) error {
		return s.configureAndBoot(ctx)
	}); err != nil {
		logOp(&logging.SandboxOp{
			RunID: s.RunID, SandboxID: s.ID, Name: "start_cold",
			DurationMs: time.Since(start).Milliseconds(), Success: false, Error: err.Error(),
		})
		return err
	}
	logOp(&logging.SandboxOp{
		RunID: s.RunID, SandboxID: s.ID, Name: "start_cold",
		DurationMs: time.Since(start).Milliseconds(), Success: true,
	})
	return nil
}

// StartFromSnapshot restores a previously created snapshot into a fresh
// Firecracker process bound to this sandbox's (newly acquired) netns slot
// and vsock CID. After resume it issues a clock-fix exec over the vsock
// channel, since a snapshotted guest's clock drifts by however long it sat
// on disk.
func (s *Sandbox) StartFromSnapshot(ctx context.Context, snapshotPath, memPath string) (err error) {
	ctx, end := tracing.StartSpan(ctx, "sandbox.boot", attribute.String("sandbox_id", s.ID), attribute.String("mode", "snapshot"))
	defer func() { end(err) }()

	start := time.Now()
	if err := s.startCommon(ctx, func(ctx context.Context) error {
		if err := s.fcClient.LoadSnapshot(ctx, snapshotPath, memPath); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		return nil
	}); err != nil {
		logOp(&logging.SandboxOp{
			RunID: s.RunID, SandboxID: s.ID, Name: "start_snapshot",
			DurationMs: time.Since(start).Milliseconds(), Success: false, Error: err.Error(),
		})
		return err
	}

	if err := s.fixClock(ctx); err != nil {
		// Clock drift does not invalidate the sandbox; the agent's own
		// heartbeat/metrics timestamps would merely be stale.
		logOp(&logging.SandboxOp{
			RunID: s.RunID, SandboxID: s.ID, Name: "fix_clock",
			Success: false, Error: err.Error(),
		})
	}

	logOp(&logging.SandboxOp{
		RunID: s.RunID, SandboxID: s.ID, Name: "start_snapshot",
		DurationMs: time.Since(start).Milliseconds(), Success: true,
	})
	return nil
}

// startCommon runs the steps shared by both boot paths: spawn Firecracker
// inside the reserved namespace, wait for its API socket, run the
// caller-supplied configuration step, then wait for the vsock channel.
func (s *Sandbox) startCommon(ctx context.Context, configure func(context.Context) error) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return fmt.Errorf("sandbox %s: cannot start from state %s", s.ID, s.state)
	}
	netnsRes := s.netnsRes
	s.mu.Unlock()

	if err := createSparseOverlay(s.overlayImagePath(), overlayImageSizeBytes); err != nil {
		return err
	}

	proc, err := spawnFirecracker(s.factory.cfg.Firecracker.BinaryPath, netnsRes.Slot.Namespace, s.apiSocketPath(), s.firecrackerLogPath())
	if err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.factory.cfg.Timeouts.BootReadiness)
	defer cancel()
	if err := s.fcClient.WaitForReady(readyCtx, s.factory.cfg.Timeouts.BootReadiness); err != nil {
		proc.kill()
		return fmt.Errorf("wait for firecracker api: %w", err)
	}

	if err := configure(ctx); err != nil {
		proc.kill()
		return err
	}

	vsock, err := dialVsockWithRetry(ctx, s.vsockUDSPath(), vmAddrPort, s.factory.cfg.Timeouts.BootReadiness)
	if err != nil {
		proc.kill()
		return fmt.Errorf("wait for vsock: %w", err)
	}

	s.mu.Lock()
	s.proc = proc
	s.vsock = vsock
	s.state = StateRunning
	s.mu.Unlock()

	go s.watchProcess(proc)
	return nil
}

// configureAndBoot runs the cold-boot PUT sequence from spec §4.4 step 4-5.
func (s *Sandbox) configureAndBoot(ctx context.Context) error {
	cfg := s.factory.cfg
	netnsRes := s.netnsRes

	if err := s.fcClient.ConfigureMachine(ctx, cfg.Firecracker.VCPUCount, cfg.Firecracker.MemSizeMiB); err != nil {
		return fmt.Errorf("configure machine: %w", err)
	}
	if err := s.fcClient.ConfigureBootSource(ctx, cfg.Firecracker.KernelPath, netnspool.BootArgIPConfig()); err != nil {
		return fmt.Errorf("configure boot source: %w", err)
	}
	if err := s.fcClient.ConfigureDrive(ctx, "rootfs", cfg.Firecracker.RootfsDir, true, true); err != nil {
		return fmt.Errorf("configure rootfs drive: %w", err)
	}
	if err := s.fcClient.ConfigureDrive(ctx, "overlay", s.overlayImagePath(), false, false); err != nil {
		return fmt.Errorf("configure overlay drive: %w", err)
	}
	if err := s.fcClient.ConfigureNetworkInterface(ctx, "eth0", netnspool.GuestMAC, netnsRes.Slot.TapDevice); err != nil {
		return fmt.Errorf("configure network interface: %w", err)
	}
	if err := s.fcClient.ConfigureVsock(ctx, s.cid, s.vsockUDSPath()); err != nil {
		return fmt.Errorf("configure vsock: %w", err)
	}
	if err := s.fcClient.StartInstance(ctx); err != nil {
		return fmt.Errorf("start instance: %w", err)
	}
	return nil
}

// watchProcess observes the Firecracker process's exit. An unexpected exit
// while the sandbox still believes itself to be running marks it stopped
// so Exec/Stop callers fail fast instead of hanging on a dead vsock.
func (s *Sandbox) watchProcess(proc *firecrackerProcess) {
	<-proc.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning && s.proc == proc {
		s.state = StateStopped
		if s.vsock != nil {
			s.vsock.Close()
			s.vsock = nil
		}
	}
}

// fixClock issues the post-snapshot-resume clock correction as an ordinary
// exec over the vsock channel, per SPEC_FULL.md §4.4's resolution of the
// wire-protocol Open Question: no dedicated message type is needed.
func (s *Sandbox) fixClock(ctx context.Context) error {
	now := time.Now().Unix()
	_, err := s.Exec(ctx, ExecRequest{
		Cmd:      []string{"date", "-s", fmt.Sprintf("@%d", now)},
		Sudo:     true,
		TimeoutS: 5,
	})
	return err
}
