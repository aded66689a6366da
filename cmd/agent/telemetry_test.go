package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTailFileReturnsOnlyNewBytes(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "log.txt")
	posPath := filepath.Join(dir, "pos.txt")

	if err := os.WriteFile(logPath, []byte("line1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	chunk, err := tailFile(logPath, posPath)
	if err != nil {
		t.Fatalf("tailFile: %v", err)
	}
	if string(chunk) != "line1\n" {
		t.Fatalf("got %q", chunk)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("line2\n")
	f.Close()

	chunk, err = tailFile(logPath, posPath)
	if err != nil {
		t.Fatalf("tailFile: %v", err)
	}
	if string(chunk) != "line2\n" {
		t.Fatalf("got %q, want only the newly appended line", chunk)
	}
}

func TestTailFileMissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	chunk, err := tailFile(filepath.Join(dir, "missing.txt"), filepath.Join(dir, "pos.txt"))
	if err != nil {
		t.Fatalf("tailFile: %v", err)
	}
	if chunk != nil {
		t.Fatalf("got %q, want nil", chunk)
	}
}

func TestWriteOffsetIsCrashSafeViaRename(t *testing.T) {
	dir := t.TempDir()
	posPath := filepath.Join(dir, "pos.txt")

	if err := writeOffset(posPath, 42); err != nil {
		t.Fatalf("writeOffset: %v", err)
	}
	if got := readOffset(posPath); got != 42 {
		t.Fatalf("readOffset = %d, want 42", got)
	}
	if _, err := os.Stat(posPath + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("sibling tmp file should not survive a successful rename")
	}
}
