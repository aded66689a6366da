// Package gc implements the content-hashed rootfs/snapshot directory
// sweeper: a lock-gated, mtime-ordered cleanup that never deletes a
// resource currently held by another runner process.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/vm0-runner/internal/lockfile"
	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/tracing"
)

const bytesPerBlock = 512

// LockPathFunc maps a candidate's content hash to its companion lock file
// path (e.g. `locks/rootfs-{hash}.lock` or `locks/snapshot-{hash}.lock`).
type LockPathFunc func(hash string) string

// candidate is an unused artifact directory whose exclusive lock is held
// from the probe until it is either deleted or explicitly kept, closing
// the TOCTOU window against a concurrent sandbox start.
type candidate struct {
	path  string
	hash  string
	size  int64
	mtime time.Time
	lock  *lockfile.Lock
}

// Result summarizes one sweep of a single directory.
type Result struct {
	Label      string
	FreedBytes int64
	Kept       []string
	Deleted    []string
}

// Sweep scans dir for hash-named subdirectories, probes each one's
// companion lock (via lockPath) with a non-blocking exclusive flock, and
// deletes every probed-free candidate except the keepLatest most recently
// modified ones. dryRun reports what would be deleted without touching
// the filesystem. A non-existent dir is not an error (nothing to sweep).
func Sweep(ctx context.Context, label, dir string, lockPath LockPathFunc, keepLatest int, dryRun bool) (*Result, error) {
	_, end := tracing.StartSpan(ctx, "gc.sweep",
		attribute.String("label", label),
		attribute.Int("keep_latest", keepLatest),
		attribute.Bool("dry_run", dryRun),
	)
	var err error
	defer func() { end(err) }()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Result{Label: label}, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var candidates []candidate
	defer func() {
		for _, c := range candidates {
			c.lock.Close()
		}
	}()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		hash := entry.Name()
		path := filepath.Join(dir, hash)

		lock, err := lockfile.Open(lockPath(hash))
		if err != nil {
			logging.Op().Info("gc: lock probe failed, skipping", "label", label, "hash", hash, "error", err)
			continue
		}
		if err := lock.TryLock(); err != nil {
			lock.Close()
			if err == lockfile.ErrWouldBlock {
				logging.Op().Debug("gc: in use, skipping", "label", label, "hash", hash)
			} else {
				logging.Op().Info("gc: lock probe failed, skipping", "label", label, "hash", hash, "error", err)
			}
			continue
		}

		size, mtime := dirStats(path)
		candidates = append(candidates, candidate{path: path, hash: hash, size: size, mtime: mtime, lock: lock})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mtime.After(candidates[j].mtime)
	})

	if keepLatest < 0 {
		keepLatest = 0
	}

	result := &Result{Label: label}
	for i, c := range candidates {
		if i < keepLatest {
			result.Kept = append(result.Kept, c.hash)
			continue
		}
		if dryRun {
			result.FreedBytes += c.size
			result.Deleted = append(result.Deleted, c.hash)
			logging.Op().Info("gc: would delete", "label", label, "hash", c.hash, "bytes", c.size)
			continue
		}
		if err := os.RemoveAll(c.path); err != nil {
			logging.Op().Info("gc: delete failed", "label", label, "hash", c.hash, "error", err)
			continue
		}
		result.FreedBytes += c.size
		result.Deleted = append(result.Deleted, c.hash)
		logging.Op().Info("gc: deleted", "label", label, "hash", c.hash, "bytes", c.size)
		// Release the lock for a deleted candidate immediately: there is
		// no directory left for a future holder to race against, and
		// holding it until the deferred cleanup just delays the
		// lockfile's own removal relevance.
		c.lock.Unlock()
	}

	return result, nil
}

// dirStats walks dir with an explicit stack (no recursion, so depth is
// never a concern on pathological trees), accumulating on-disk usage via
// st_blocks*512 (not logical file size) and the latest mtime seen among
// dir itself and its entries. Unreadable sub-entries are logged at debug
// and skipped.
func dirStats(dir string) (int64, time.Time) {
	var totalBytes int64
	var latest time.Time
	if info, err := os.Stat(dir); err == nil {
		latest = info.ModTime()
	}

	stack := []string{dir}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(current)
		if err != nil {
			logging.Op().Debug("gc: dirStats cannot read", "path", current, "error", err)
			continue
		}
		for _, entry := range entries {
			entryPath := filepath.Join(current, entry.Name())
			info, err := entry.Info()
			if err != nil {
				logging.Op().Debug("gc: dirStats cannot stat", "path", entryPath, "error", err)
				continue
			}
			totalBytes += blockBytes(info)
			if mtime := info.ModTime(); mtime.After(latest) {
				latest = mtime
			}
			if entry.IsDir() {
				stack = append(stack, entryPath)
			}
		}
	}

	return totalBytes, latest
}
