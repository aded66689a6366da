// Package cmdrunner is a uniform wrapper around privileged and
// unprivileged shell invocations. It exists so every call site in the
// netns pool, PID-1 bring-up, and service surface reports failures the
// same way instead of each hand-rolling exec.Command error handling.
package cmdrunner

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/oriys/vm0-runner/internal/vmerr"
)

// Result captures a completed command's output.
type Result struct {
	Stdout string
	Stderr string
}

// Run executes name with args, returning a *vmerr.CommandError on either
// spawn failure or a non-zero exit. It never returns a naked exec error
// so callers can rely on errors.As(&vmerr.CommandError{}) uniformly.
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		full := append([]string{name}, args...)
		return nil, &vmerr.CommandError{
			Command: full,
			Stderr:  stderr.String(),
			Err:     err,
		}
	}

	return &Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// RunSudo runs the command under sudo -n (non-interactive): the runner
// must already hold passwordless sudo rights for the specific commands it
// shells out to (ip, iptables, mount). Failing closed here (rather than
// falling back to a password prompt) matches the non-root operating model
// in spec §6.
func RunSudo(ctx context.Context, name string, args ...string) (*Result, error) {
	full := append([]string{"-n", name}, args...)
	return Run(ctx, "sudo", full...)
}

// RunTolerant is a helper for idempotent build-script steps where several
// non-zero exits are expected and tolerable (e.g. "namespace already
// exists"). okExit reports whether the given stderr/err should be treated
// as a benign no-op rather than a failure.
func RunTolerant(ctx context.Context, okExit func(stderr string) bool, name string, args ...string) error {
	_, err := Run(ctx, name, args...)
	if err == nil {
		return nil
	}
	var cmdErr *vmerr.CommandError
	if ok := asCommandError(err, &cmdErr); ok && okExit != nil && okExit(cmdErr.Stderr) {
		return nil
	}
	return err
}

func asCommandError(err error, target **vmerr.CommandError) bool {
	ce, ok := err.(*vmerr.CommandError)
	if ok {
		*target = ce
	}
	return ok
}

// Quote renders a command line for log messages; it does not shell-escape
// since it is never fed back into a shell, only printed.
func Quote(name string, args ...string) string {
	s := name
	for _, a := range args {
		s += " " + a
	}
	return s
}
