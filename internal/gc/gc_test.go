package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func flockShared(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_SH)
}

func lockPathIn(locksDir string) LockPathFunc {
	return func(hash string) string {
		return filepath.Join(locksDir, "rootfs-"+hash+".lock")
	}
}

func TestSweepEmptyDir(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "rootfs")
	if err := os.MkdirAll(artifacts, 0755); err != nil {
		t.Fatal(err)
	}

	result, err := Sweep(context.Background(), "rootfs", artifacts, lockPathIn(filepath.Join(dir, "locks")), 0, false)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.FreedBytes != 0 || len(result.Deleted) != 0 {
		t.Fatalf("result = %+v, want empty", result)
	}
}

func TestSweepNonexistentDirIsOK(t *testing.T) {
	dir := t.TempDir()
	result, err := Sweep(context.Background(), "rootfs", filepath.Join(dir, "nonexistent"), lockPathIn(dir), 0, false)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.FreedBytes != 0 {
		t.Fatalf("FreedBytes = %d, want 0", result.FreedBytes)
	}
}

func TestSweepDeletesUnusedDir(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "rootfs")
	hashDir := filepath.Join(artifacts, "abc123")
	if err := os.MkdirAll(hashDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hashDir, "rootfs.squashfs"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := Sweep(context.Background(), "rootfs", artifacts, lockPathIn(filepath.Join(dir, "locks")), 0, false)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(hashDir); !os.IsNotExist(err) {
		t.Fatal("expected hash dir to be deleted")
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != "abc123" {
		t.Fatalf("Deleted = %v", result.Deleted)
	}
}

func TestSweepSkipsLockedDir(t *testing.T) {
	dir := t.TempDir()
	locksDir := filepath.Join(dir, "locks")
	artifacts := filepath.Join(dir, "rootfs")
	hashDir := filepath.Join(artifacts, "abc123")
	if err := os.MkdirAll(hashDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hashDir, "rootfs.squashfs"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	lockPath := lockPathIn(locksDir)("abc123")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		t.Fatal(err)
	}
	heldFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer heldFile.Close()
	if err := flockShared(heldFile); err != nil {
		t.Fatalf("flockShared: %v", err)
	}

	result, err := Sweep(context.Background(), "rootfs", artifacts, lockPathIn(locksDir), 0, false)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(hashDir); err != nil {
		t.Fatal("locked dir should NOT be deleted")
	}
	if len(result.Deleted) != 0 {
		t.Fatalf("Deleted = %v, want none", result.Deleted)
	}
}

func TestSweepDryRunDoesNotDelete(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "rootfs")
	hashDir := filepath.Join(artifacts, "abc123")
	if err := os.MkdirAll(hashDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hashDir, "rootfs.squashfs"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := Sweep(context.Background(), "rootfs", artifacts, lockPathIn(filepath.Join(dir, "locks")), 0, true)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(hashDir); err != nil {
		t.Fatal("dry-run should not delete")
	}
	if len(result.Deleted) != 1 {
		t.Fatalf("Deleted = %v, want one reported", result.Deleted)
	}
}

func TestSweepKeepLatestPreservesNewest(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "snapshots")

	oldDir := filepath.Join(artifacts, "old_hash")
	newDir := filepath.Join(artifacts, "new_hash")
	if err := os.MkdirAll(oldDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(newDir, 0755); err != nil {
		t.Fatal(err)
	}

	oldTime := time.Unix(1_000_000, 0)
	newTime := time.Unix(2_000_000, 0)
	if err := os.Chtimes(oldDir, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(newDir, newTime, newTime); err != nil {
		t.Fatal(err)
	}

	lockPath := func(hash string) string {
		return filepath.Join(dir, "locks", "snapshot-"+hash+".lock")
	}

	if _, err := Sweep(context.Background(), "snapshots", artifacts, lockPath, 1, false); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(newDir); err != nil {
		t.Fatal("newest should be kept")
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatal("oldest should be deleted")
	}
}
