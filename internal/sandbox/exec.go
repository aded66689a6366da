package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/tracing"
	"github.com/oriys/vm0-runner/internal/vsockproto"
)

// stopGraceWindow bounds how long Stop waits for the guest to exit on its
// own after a shutdown message before the Firecracker process is killed
// outright (spec §4.4: "if no exit within a bounded window, terminate the
// Firecracker process").
const stopGraceWindow = 5 * time.Second

// ExecRequest is one command run inside the sandbox over the vsock
// channel.
type ExecRequest struct {
	Cmd      []string
	Env      map[string]string
	TimeoutS int
	Sudo     bool
}

// ExecResult is the guest's structured reply.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec sends req to the guest agent and blocks for its reply, bounded by
// ctx and, if set, req.TimeoutS.
func (s *Sandbox) Exec(ctx context.Context, req ExecRequest) (result *ExecResult, err error) {
	ctx, end := tracing.StartSpan(ctx, "sandbox.exec",
		attribute.String("sandbox_id", s.ID),
		attribute.String("cmd", strings.Join(req.Cmd, " ")),
	)
	defer func() { end(err) }()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s: not running (state %s)", s.ID, s.state)
	}
	vsock := s.vsock
	s.mu.Unlock()

	start := time.Now()
	requestID := newRequestID()

	if req.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutS)*time.Second)
		defer cancel()
	}

	env, err := vsockproto.EncodeExec(vsockproto.ExecPayload{
		RequestID: requestID,
		Cmd:       req.Cmd,
		Env:       req.Env,
		TimeoutS:  req.TimeoutS,
		Sudo:      req.Sudo,
	})
	if err != nil {
		return nil, fmt.Errorf("encode exec: %w", err)
	}

	resp, err := vsock.roundTrip(ctx, requestID, env)
	success := err == nil && resp != nil && resp.Error == ""
	logOp(&logging.SandboxOp{
		RunID: s.RunID, SandboxID: s.ID, Name: "exec",
		DurationMs: time.Since(start).Milliseconds(),
		Success:    success,
		Error:      execErrString(err, resp),
	})
	if err != nil {
		return nil, fmt.Errorf("exec %v: %w", req.Cmd, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("exec %v: %s", req.Cmd, resp.Error)
	}
	return &ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

func execErrString(err error, resp *vsockproto.RespPayload) string {
	if err != nil {
		return err.Error()
	}
	if resp != nil {
		return resp.Error
	}
	return ""
}

type pingPayload struct {
	RequestID string `json:"request_id"`
}

// Ping sends a liveness probe and reports whether the guest replied within
// ctx's deadline.
func (s *Sandbox) Ping(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("sandbox %s: not running (state %s)", s.ID, s.state)
	}
	vsock := s.vsock
	s.mu.Unlock()

	requestID := newRequestID()
	raw, err := json.Marshal(pingPayload{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	env := &vsockproto.Envelope{Type: vsockproto.MsgPing, Payload: raw}

	_, err = vsock.roundTrip(ctx, requestID, env)
	return err
}

// Stop sends a graceful shutdown message on the vsock channel, then waits
// up to stopGraceWindow for the Firecracker process to exit before killing
// it outright.
func (s *Sandbox) Stop(ctx context.Context) error {
	ctx, end := tracing.StartSpan(ctx, "sandbox.stop", attribute.String("sandbox_id", s.ID))
	defer func() { end(nil) }()

	start := time.Now()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	vsock := s.vsock
	proc := s.proc
	s.mu.Unlock()

	if vsock != nil {
		requestID := newRequestID()
		raw, _ := json.Marshal(pingPayload{RequestID: requestID})
		_ = vsock.sendOnly(&vsockproto.Envelope{Type: vsockproto.MsgStop, Payload: raw})
	}

	var stoppedGracefully bool
	if proc != nil {
		select {
		case <-proc.wait():
			stoppedGracefully = true
		case <-time.After(stopGraceWindow):
			_ = proc.terminate()
			select {
			case <-proc.wait():
			case <-time.After(1 * time.Second):
				_ = proc.kill()
				<-proc.wait()
			}
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	if s.vsock != nil {
		s.vsock.Close()
		s.vsock = nil
	}
	s.mu.Unlock()

	logOp(&logging.SandboxOp{
		RunID: s.RunID, SandboxID: s.ID, Name: "stop",
		DurationMs: time.Since(start).Milliseconds(),
		Success:    true,
		Error:      stopDetail(stoppedGracefully),
	})
	return nil
}

func stopDetail(graceful bool) string {
	if graceful {
		return ""
	}
	return "terminated after grace window elapsed"
}
