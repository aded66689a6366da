package paths

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExtractRootfsHashFromManagedPath(t *testing.T) {
	h := NewHomePaths("/home/user/.vm0-runner")
	path := "/home/user/.vm0-runner/rootfs/abc123/rootfs.squashfs"
	if got := h.ExtractRootfsHash(path); got != "abc123" {
		t.Fatalf("ExtractRootfsHash = %q, want abc123", got)
	}
}

func TestExtractRootfsHashReturnsEmptyForUnmanagedPath(t *testing.T) {
	h := NewHomePaths("/home/user/.vm0-runner")
	path := "/other/rootfs/abc123/rootfs.squashfs"
	if got := h.ExtractRootfsHash(path); got != "" {
		t.Fatalf("ExtractRootfsHash = %q, want empty", got)
	}
}

func TestExtractRootfsHashReturnsEmptyForBareFile(t *testing.T) {
	h := NewHomePaths("/home/user/.vm0-runner")
	path := "/home/user/.vm0-runner/rootfs/rootfs.squashfs"
	if got := h.ExtractRootfsHash(path); got != "" {
		t.Fatalf("ExtractRootfsHash = %q, want empty", got)
	}
}

func TestExtractSnapshotHashFromManagedPath(t *testing.T) {
	h := NewHomePaths("/home/user/.vm0-runner")
	path := "/home/user/.vm0-runner/snapshots/def456/snapshot.bin"
	if got := h.ExtractSnapshotHash(path); got != "def456" {
		t.Fatalf("ExtractSnapshotHash = %q, want def456", got)
	}
}

func TestExtractSnapshotHashReturnsEmptyForUnmanagedPath(t *testing.T) {
	h := NewHomePaths("/home/user/.vm0-runner")
	path := "/tmp/snapshots/def456/snapshot.bin"
	if got := h.ExtractSnapshotHash(path); got != "" {
		t.Fatalf("ExtractSnapshotHash = %q, want empty", got)
	}
}

func TestRootfsPathsExpectedFiles(t *testing.T) {
	h := NewHomePaths("/home/user/.vm0-runner")
	r := NewRootfsPaths(h, "abc123")
	files := r.ExpectedFiles()
	if len(files) != 2 {
		t.Fatalf("ExpectedFiles = %v, want 2 entries", files)
	}
}

func TestIsCompleteDetectsPartialBuild(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "rootfs.squashfs")
	missing := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(present, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if IsComplete([]string{present, missing}) {
		t.Fatal("expected incomplete build to be reported as incomplete")
	}
	if err := os.WriteFile(missing, []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}
	if !IsComplete([]string{present, missing}) {
		t.Fatal("expected complete build to be reported as complete")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")

	m := &BuildManifest{
		ExpectedFiles: []string{"rootfs.squashfs", "manifest.yaml"},
		BuildInputs:   map[string]string{"base_image": "alpine:3.20"},
		CreatedAt:     time.Unix(1_700_000_000, 0).UTC(),
	}
	if err := WriteManifest(path, m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	got, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(got.ExpectedFiles) != 2 || got.BuildInputs["base_image"] != "alpine:3.20" {
		t.Fatalf("got = %+v", got)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, m.CreatedAt)
	}
}

func TestTouchMtimeUpdatesModTime(t *testing.T) {
	dir := t.TempDir()
	old := time.Unix(1_000_000, 0)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatal(err)
	}

	if err := TouchMtime(dir); err != nil {
		t.Fatalf("TouchMtime: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().After(old) {
		t.Fatal("expected mtime to advance")
	}
}
