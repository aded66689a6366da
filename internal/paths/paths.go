// Package paths is the deterministic, content-hashed directory layout
// rooted at $HOME/.vm0-runner: rootfs/{hash}/..., snapshots/{hash}/...,
// each with a companion lock under locks/, shared by the GC sweeper, the
// sandbox factory, and the runner's rootfs/snapshot build commands that
// populate them.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HomePaths resolves every well-known path under one runner installation
// root.
type HomePaths struct {
	root string
}

// NewHomePaths roots every derived path at root (typically
// config.Config.HomeDir).
func NewHomePaths(root string) *HomePaths {
	return &HomePaths{root: root}
}

func (h *HomePaths) BinDir() string       { return filepath.Join(h.root, "bin") }
func (h *HomePaths) RootfsDir() string    { return filepath.Join(h.root, "rootfs") }
func (h *HomePaths) SnapshotsDir() string { return filepath.Join(h.root, "snapshots") }
func (h *HomePaths) LogsDir() string      { return filepath.Join(h.root, "logs") }
func (h *HomePaths) RunnersDir() string   { return filepath.Join(h.root, "runners") }
func (h *HomePaths) LocksDir() string     { return filepath.Join(h.root, "locks") }
func (h *HomePaths) SandboxesDir() string { return filepath.Join(h.root, "sandboxes") }

// RootfsLock returns the companion lock path for a rootfs build identified
// by hash.
func (h *HomePaths) RootfsLock(hash string) string {
	return filepath.Join(h.LocksDir(), fmt.Sprintf("rootfs-%s.lock", hash))
}

// SnapshotLock returns the companion lock path for a snapshot identified
// by hash.
func (h *HomePaths) SnapshotLock(hash string) string {
	return filepath.Join(h.LocksDir(), fmt.Sprintf("snapshot-%s.lock", hash))
}

// ExtractRootfsHash returns the hash component of a path shaped like
// <RootfsDir>/{hash}/<file>, or "" if path isn't under a managed rootfs
// directory at exactly that depth.
func (h *HomePaths) ExtractRootfsHash(path string) string {
	return extractHash(path, h.RootfsDir())
}

// ExtractSnapshotHash returns the hash component of a path shaped like
// <SnapshotsDir>/{hash}/<file>, or "" if path isn't under a managed
// snapshots directory at exactly that depth.
func (h *HomePaths) ExtractSnapshotHash(path string) string {
	return extractHash(path, h.SnapshotsDir())
}

func extractHash(path, managedDir string) string {
	parent := filepath.Dir(path)
	grandparent := filepath.Dir(parent)
	if grandparent != managedDir {
		return ""
	}
	return filepath.Base(parent)
}

// RootfsPaths names the files inside one content-hashed rootfs build
// output directory.
type RootfsPaths struct {
	dir string
}

// NewRootfsPaths roots a RootfsPaths at home.RootfsDir()/hash.
func NewRootfsPaths(home *HomePaths, hash string) *RootfsPaths {
	return &RootfsPaths{dir: filepath.Join(home.RootfsDir(), hash)}
}

func (r *RootfsPaths) Dir() string      { return r.dir }
func (r *RootfsPaths) Rootfs() string   { return filepath.Join(r.dir, "rootfs.squashfs") }
func (r *RootfsPaths) Manifest() string { return filepath.Join(r.dir, "manifest.yaml") }

// ExpectedFiles lists every file whose presence means the build fully
// committed; a directory missing any of these must be treated as absent
// (spec §3's rootfs/snapshot directory invariant).
func (r *RootfsPaths) ExpectedFiles() []string {
	return []string{r.Rootfs(), r.Manifest()}
}

// SnapshotPaths names the files inside one content-hashed snapshot
// directory.
type SnapshotPaths struct {
	dir string
}

// NewSnapshotPaths roots a SnapshotPaths at home.SnapshotsDir()/hash.
func NewSnapshotPaths(home *HomePaths, hash string) *SnapshotPaths {
	return &SnapshotPaths{dir: filepath.Join(home.SnapshotsDir(), hash)}
}

func (s *SnapshotPaths) Dir() string       { return s.dir }
func (s *SnapshotPaths) Snapshot() string  { return filepath.Join(s.dir, "snapshot.bin") }
func (s *SnapshotPaths) Memory() string    { return filepath.Join(s.dir, "snapshot.mem") }
func (s *SnapshotPaths) Overlay() string   { return filepath.Join(s.dir, "overlay.ext4") }
func (s *SnapshotPaths) Manifest() string  { return filepath.Join(s.dir, "manifest.yaml") }

// ExpectedFiles lists every file whose presence means the snapshot fully
// committed.
func (s *SnapshotPaths) ExpectedFiles() []string {
	return []string{s.Snapshot(), s.Memory(), s.Overlay(), s.Manifest()}
}

// IsComplete reports whether every file in files exists, letting callers
// distinguish a fully-committed content-hash directory from a partial one
// left behind by an interrupted build.
func IsComplete(files []string) bool {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// TouchMtime updates dir's mtime to now so a subsequent GC sweep treats it
// as recently used. Failures are logged by the caller, not here, matching
// the fire-and-forget nature of a cache-warming touch.
func TouchMtime(dir string) error {
	now := time.Now()
	return os.Chtimes(dir, now, now)
}
