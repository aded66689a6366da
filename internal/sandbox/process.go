package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// firecrackerProcess tracks the spawned Firecracker instance and whether it
// has exited, so Stop and Destroy can tell a clean shutdown from a crash.
type firecrackerProcess struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	exited   bool
	exitErr  error
	waitOnce sync.Once
	done     chan struct{}
}

// spawnFirecracker starts the Firecracker binary inside the sandbox's netns
// via `sudo -n ip netns exec <namespace>`, matching the privilege model the
// rest of the netns pool uses (the runner process itself is never root).
// exec.Command, not exec.CommandContext, is used deliberately: the process
// must outlive the Start call's own context, same as the teacher's
// CreateVM spawn.
func spawnFirecracker(binPath, namespace, apiSocket, logPath string) (*firecrackerProcess, error) {
	args := []string{
		"-n", "ip", "netns", "exec", namespace,
		binPath, "--api-sock", apiSocket, "--id", namespace,
	}
	cmd := exec.Command("sudo", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open firecracker log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("spawn firecracker: %w", err)
	}

	p := &firecrackerProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		logFile.Close()
		p.mu.Lock()
		p.exited = true
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// hasExited reports whether the process has already terminated, without
// blocking.
func (p *firecrackerProcess) hasExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// terminate sends SIGTERM and returns without waiting; escalating to
// SIGKILL is left to the caller (Stop uses kill). Entering the
// sandbox's netns means the firecracker binary runs under sudo; signaling
// it requires going through the process group sudo created so the signal
// reaches the actual firecracker PID, not just sudo itself.
func (p *firecrackerProcess) terminate() error {
	if p.hasExited() {
		return nil
	}
	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		return p.cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

func (p *firecrackerProcess) kill() error {
	if p.hasExited() {
		return nil
	}
	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		return p.cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}

// wait returns a channel that is closed once the process exits; done
// closes only from the process's own Wait goroutine.
func (p *firecrackerProcess) wait() <-chan struct{} {
	return p.done
}

// createSparseOverlay creates (or truncates) a sparse file of sizeBytes at
// path to back the per-sandbox writable ext4 overlay. Firecracker treats it
// as a raw block device image; the guest's mkfs/mount happens at image-build
// time, not here — this only needs to exist at the right size before the
// drive is attached.
func createSparseOverlay(path string, sizeBytes int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create overlay image: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(sizeBytes); err != nil {
		return fmt.Errorf("size overlay image: %w", err)
	}
	return nil
}
