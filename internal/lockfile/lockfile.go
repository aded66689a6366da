// Package lockfile provides advisory exclusive/shared locking on a path,
// auto-creating the lock file and its parent directories. It is the sole
// cross-process coordination primitive used by the netns pool, the
// content-hashed rootfs/snapshot directories, and the GC sweeper — the
// kernel releases the lock automatically on process death, which is what
// makes netns slot allocation crash-safe (spec §4.2).
package lockfile

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock/TryRLock when the lock is
// already held by another holder and non-blocking acquisition was
// requested.
var ErrWouldBlock = errors.New("lockfile: would block")

// Lock represents an open, possibly-held advisory lock on a single file.
// The zero value is not usable; construct with Open.
type Lock struct {
	path string
	file *os.File
}

// Open creates (if necessary) the lock file and its parent directories,
// and returns an unlocked Lock bound to it. The underlying fd is kept
// open for the Lock's lifetime so flock's release-on-exit guarantee
// applies even if the process is killed mid-hold.
func Open(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

// Path returns the filesystem path backing this lock.
func (l *Lock) Path() string { return l.path }

// TryLock attempts a non-blocking exclusive lock, returning ErrWouldBlock
// if another holder has it (EWOULDBLOCK from flock(2)). This is the
// allocation primitive for netns slots and the GC sweeper's candidate
// probe.
func (l *Lock) TryLock() error {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	return translate(err)
}

// Lock blocks until an exclusive lock is acquired.
func (l *Lock) Lock() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_EX)
}

// TryRLock attempts a non-blocking shared lock.
func (l *Lock) TryRLock() error {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	return translate(err)
}

// RLock blocks until a shared lock is acquired. Any process reading a
// content-hashed rootfs/snapshot directory holds its companion lock
// shared for the duration of use (spec §3); GC only ever probes
// exclusive, so a live shared holder always wins the probe and GC skips
// the directory.
func (l *Lock) RLock() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_SH)
}

// Unlock releases the lock. It is safe to call even if no lock is
// currently held.
func (l *Lock) Unlock() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}

// Close releases the lock (if held) and closes the underlying file
// descriptor.
func (l *Lock) Close() error {
	_ = l.Unlock()
	return l.file.Close()
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return err
}
