//go:build linux

package firecracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// waitForFileInotify waits for filename to appear in dir using inotify,
// registering the watch before re-checking existence to close the TOCTOU
// race between a caller's pre-check and the watch registration (spec
// §4.1, §9 "FD lifetimes around inotify"). The inotify fd is owned for
// the entire wait and drained on every wake, since epoll is
// level-triggered and a partially-drained fd would otherwise spin.
func waitForFileInotify(ctx context.Context, dir, filename string, deadline time.Time) error {
	fd, err := syscall.InotifyInit1(syscall.IN_NONBLOCK | syscall.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify init: %w", err)
	}
	defer syscall.Close(fd)

	wd, err := syscall.InotifyAddWatch(fd, dir, syscall.IN_CREATE|syscall.IN_MOVED_TO)
	if err != nil {
		return fmt.Errorf("inotify add watch: %w", err)
	}
	defer syscall.InotifyRmWatch(fd, uint32(wd))

	// Re-check after the watch is live: the file may have appeared between
	// the caller's own existence check and our add_watch call above.
	if exists(filepath.Join(dir, filename)) {
		return nil
	}

	epfd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll create: %w", err)
	}
	defer syscall.Close(epfd)

	event := syscall.EpollEvent{Events: syscall.EPOLLIN, Fd: int32(fd)}
	if err := syscall.EpollCtl(epfd, syscall.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}

	events := make([]syscall.EpollEvent, 1)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		timeout := int(time.Until(deadline).Milliseconds())
		if timeout > 100 {
			timeout = 100 // check ctx.Done() and the deadline at least every 100ms
		}
		if timeout <= 0 {
			break
		}

		n, err := syscall.EpollWait(epfd, events, timeout)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}
		if n == 0 {
			continue
		}

		drainInotify(fd)

		if exists(filepath.Join(dir, filename)) {
			return nil
		}
	}

	return fmt.Errorf("timed out waiting for socket file %s", filename)
}

// drainInotify reads every pending event off fd until EAGAIN, discarding
// the contents — presence of the target file is re-checked with stat
// rather than parsed out of the event name, so only the drain matters
// here for avoiding a busy epoll loop.
func drainInotify(fd int) {
	buf := make([]byte, 4096)
	for {
		n, err := syscall.Read(fd, buf)
		if err != nil || n <= 0 {
			return
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
