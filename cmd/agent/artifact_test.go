package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWalkAndHashSkipsExcludedEntries(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), "hello")
	mustWrite(t, filepath.Join(dir, "sub", "b.txt"), "world")
	mustWrite(t, filepath.Join(dir, ".git", "config"), "ignored")
	mustWrite(t, filepath.Join(dir, ".vm0", "state"), "ignored")

	files, err := walkAndHash(dir)
	if err != nil {
		t.Fatalf("walkAndHash: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %+v", len(files), files)
	}
	for _, f := range files {
		if f.Hash == "" || f.Size == 0 {
			t.Fatalf("file %+v missing hash/size", f)
		}
	}
}

func TestHashFileChunkedMatchesKnownDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	mustWrite(t, path, "hello")

	hash, size, err := hashFileChunked(path)
	if err != nil {
		t.Fatalf("hashFileChunked: %v", err)
	}
	const wantHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if hash != wantHash {
		t.Fatalf("hash = %s, want %s", hash, wantHash)
	}
	if size != 5 {
		t.Fatalf("size = %d, want 5", size)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
