package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/tracing"
)

// SnapshotMeta records what a later restore needs to reconstruct this
// sandbox's addressing — the vsock CID, and where the persisted
// overlay backing file lives — since Firecracker's own snapshot state only
// remembers the overlay's path at snapshot time, not that it must survive
// this sandbox's own destruction (grounded in SPEC_FULL.md §3's
// supplementary data-model note, itself grounded in the teacher's
// snapshotMeta/CreateSnapshot).
type SnapshotMeta struct {
	VsockCID       uint32 `json:"vsock_cid"`
	OverlayBackup  string `json:"overlay_backup"`
	SnapshotPath   string `json:"snapshot_path"`
	MemPath        string `json:"mem_path"`
}

// CreateSnapshot pauses the running VM, writes its snapshot and memory
// files, persists a copy of the overlay image (Firecracker's snapshot
// state pins the overlay's path at snapshot time), marks the workspace to
// be kept by Destroy, and stops the VM. The sandbox is left in
// StateStopped; callers that want to keep using
// this exact sandbox process should not call CreateSnapshot.
func (s *Sandbox) CreateSnapshot(ctx context.Context, snapshotPath, memPath, overlayBackupPath string) (meta *SnapshotMeta, err error) {
	ctx, end := tracing.StartSpan(ctx, "sandbox.snapshot", attribute.String("sandbox_id", s.ID))
	defer func() { end(err) }()

	start := time.Now()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s: cannot snapshot from state %s", s.ID, s.state)
	}
	s.mu.Unlock()

	if err := s.fcClient.Pause(ctx); err != nil {
		return nil, fmt.Errorf("pause for snapshot: %w", err)
	}
	if err := s.fcClient.CreateSnapshot(ctx, snapshotPath, memPath); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	if err := copyFile(s.overlayImagePath(), overlayBackupPath); err != nil {
		return nil, fmt.Errorf("persist overlay for snapshot: %w", err)
	}

	meta = &SnapshotMeta{
		VsockCID:      s.cid,
		OverlayBackup: overlayBackupPath,
		SnapshotPath:  snapshotPath,
		MemPath:       memPath,
	}
	metaPath := snapshotPath + ".meta"
	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot meta: %w", err)
	}
	if err := os.WriteFile(metaPath, metaData, 0644); err != nil {
		return nil, fmt.Errorf("write snapshot meta: %w", err)
	}

	s.mu.Lock()
	s.preserveCodeDrive = true
	s.mu.Unlock()

	if err := s.Stop(ctx); err != nil {
		return nil, fmt.Errorf("stop after snapshot: %w", err)
	}

	logOp(&logging.SandboxOp{
		RunID: s.RunID, SandboxID: s.ID, Name: "create_snapshot",
		DurationMs: time.Since(start).Milliseconds(), Success: true,
	})
	return meta, nil
}

// LoadSnapshotMeta reads back a snapshot's sidecar metadata file.
func LoadSnapshotMeta(snapshotPath string) (*SnapshotMeta, error) {
	data, err := os.ReadFile(snapshotPath + ".meta")
	if err != nil {
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}
	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot meta: %w", err)
	}
	return &meta, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}
