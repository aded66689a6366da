package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/vm0-runner/internal/controlplane"
	"github.com/oriys/vm0-runner/internal/logging"
)

const telemetryInterval = 30 * time.Second

// telemetryLoop uploads a batch every telemetryInterval until ctx is
// canceled, then returns without uploading; the last upload covering
// whatever accumulated since the final tick is finalUpload, called from
// cleanup.
func telemetryLoop(ctx context.Context, client *controlplane.Client, masker *secretMasker, runID string) {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := uploadTelemetryBatch(ctx, client, masker, runID); err != nil {
				logging.Op().Warn("telemetry upload failed, continuing", "error", err)
			}
		}
	}
}

// finalUpload runs one last telemetry batch as part of cleanup, so
// records written between the last periodic tick and process exit are
// not silently dropped.
func finalUpload(ctx context.Context, client *controlplane.Client, masker *secretMasker, runID string) error {
	return uploadTelemetryBatch(ctx, client, masker, runID)
}

func uploadTelemetryBatch(ctx context.Context, client *controlplane.Client, masker *secretMasker, runID string) error {
	metricsChunk, err := tailFile(metricsLogFile(runID), telemetryMetricsPosFile(runID))
	if err != nil {
		return err
	}
	networkChunk, err := tailFile(networkLogFile(runID), telemetryNetworkPosFile(runID))
	if err != nil {
		return err
	}
	agentChunk, err := tailFile(agentLogFile(runID), telemetryLogPosFile(runID))
	if err != nil {
		return err
	}
	sandboxOpsChunk, err := tailFile(sandboxOpsLogFile(runID), telemetrySandboxOpsPosFile(runID))
	if err != nil {
		return err
	}

	if len(metricsChunk) == 0 && len(networkChunk) == 0 && len(agentChunk) == 0 && len(sandboxOpsChunk) == 0 {
		return nil
	}

	batch := controlplane.TelemetryBatch{
		RunID:      runID,
		NetworkLog: masker.Mask(string(networkChunk)),
		AgentLog:   masker.Mask(string(agentChunk)),
		SandboxOps: masker.Mask(string(sandboxOpsChunk)),
	}
	if len(metricsChunk) > 0 {
		batch.Metrics = json.RawMessage("[" + strings.TrimRight(strings.ReplaceAll(string(metricsChunk), "\n", ","), ",") + "]")
	}

	return client.Telemetry(ctx, batch)
}

// tailFile reads everything written to path since the byte offset saved
// in posPath, then persists the new offset. The offset write is
// crash-safe: written to a sibling file and renamed over posPath, so a
// crash mid-write never corrupts the last known-good offset and the next
// run never re-uploads (or skips) a range.
func tailFile(path, posPath string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	offset := readOffset(posPath)
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset > info.Size() {
		// The file was truncated or replaced since the last read; start
		// over rather than seek past EOF.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		if err := writeOffset(posPath, offset+int64(len(data))); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func readOffset(posPath string) int64 {
	data, err := os.ReadFile(posPath)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func writeOffset(posPath string, offset int64) error {
	tmp := posPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, posPath)
}
