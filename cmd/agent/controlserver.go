package main

import (
	"context"
	"encoding/json"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/vsockproto"
	"github.com/oriys/vm0-runner/internal/vsocktransport"
)

// serveControlChannel accepts the host's vsock connection and dispatches
// MsgExec/MsgPing/MsgStop until ctx is canceled or the listener errors.
// A MsgStop triggers stopRequested so run()'s main execution can cut
// short in favor of a graceful exit.
func serveControlChannel(ctx context.Context, runID string, stopRequested context.CancelFunc) {
	ln, err := vsocktransport.Listen()
	if err != nil {
		logging.Op().Warn("control channel listen failed, host exec/stop unavailable", "error", err)
		return
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Op().Warn("control channel accept failed", "error", err)
			return
		}
		go handleControlConn(ctx, conn, runID, stopRequested)
	}
}

func handleControlConn(ctx context.Context, conn net.Conn, runID string, stopRequested context.CancelFunc) {
	defer conn.Close()
	codec := vsockproto.NewCodec(conn)

	for {
		env, err := codec.Receive()
		if err != nil {
			return
		}

		switch env.Type {
		case vsockproto.MsgExec:
			resp := runHostExec(ctx, env.Payload)
			out, err := vsockproto.EncodeResp(resp)
			if err != nil {
				return
			}
			if err := codec.Send(out); err != nil {
				return
			}
		case vsockproto.MsgPing:
			var ping struct {
				RequestID string `json:"request_id"`
			}
			_ = json.Unmarshal(env.Payload, &ping)
			out, err := vsockproto.EncodeResp(vsockproto.RespPayload{RequestID: ping.RequestID})
			if err != nil {
				return
			}
			if err := codec.Send(out); err != nil {
				return
			}
		case vsockproto.MsgStop:
			logging.Op().Info("stop requested over control channel", "run_id", runID)
			stopRequested()
			return
		default:
			// Unknown message type: drop the connection rather than
			// guess at a reply the host isn't expecting.
			return
		}
	}
}

func runHostExec(ctx context.Context, payload []byte) vsockproto.RespPayload {
	var req vsockproto.ExecPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return vsockproto.RespPayload{Error: "decode exec payload: " + err.Error()}
	}
	if len(req.Cmd) == 0 {
		return vsockproto.RespPayload{RequestID: req.RequestID, Error: "empty command"}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutS)*time.Second)
		defer cancel()
	}

	name := req.Cmd[0]
	args := req.Cmd[1:]
	if req.Sudo {
		name = "sudo"
		args = append([]string{"-n"}, req.Cmd...)
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	if len(req.Env) > 0 {
		env := make([]string, 0, len(req.Env))
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return vsockproto.RespPayload{RequestID: req.RequestID, Error: err.Error()}
		}
	}

	return vsockproto.RespPayload{
		RequestID: req.RequestID,
		ExitCode:  exitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}
}
