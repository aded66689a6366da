package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashBuildInputsDeterministicAndDistinct(t *testing.T) {
	dir := t.TempDir()
	dockerfile := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(dockerfile, []byte("FROM scratch\n"), 0644); err != nil {
		t.Fatal(err)
	}
	buildCtx := filepath.Join(dir, "ctx")
	if err := os.MkdirAll(buildCtx, 0755); err != nil {
		t.Fatal(err)
	}

	h1, err := hashBuildInputs(dockerfile, buildCtx)
	if err != nil {
		t.Fatalf("hashBuildInputs: %v", err)
	}
	h2, err := hashBuildInputs(dockerfile, buildCtx)
	if err != nil {
		t.Fatalf("hashBuildInputs: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}

	otherDockerfile := filepath.Join(dir, "Dockerfile.other")
	if err := os.WriteFile(otherDockerfile, []byte("FROM alpine\n"), 0644); err != nil {
		t.Fatal(err)
	}
	h3, err := hashBuildInputs(otherDockerfile, buildCtx)
	if err != nil {
		t.Fatalf("hashBuildInputs: %v", err)
	}
	if h3 == h1 {
		t.Fatalf("distinct Dockerfiles produced the same hash")
	}
}

func TestHashBuildInputsMissingDockerfile(t *testing.T) {
	dir := t.TempDir()
	if _, err := hashBuildInputs(filepath.Join(dir, "missing"), dir); err == nil {
		t.Fatal("expected error for missing dockerfile")
	}
}
