package sandbox

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/oriys/vm0-runner/internal/vsockproto"
)

// fakeGuest wraps one end of a net.Pipe and answers every received Exec
// envelope with a canned RespPayload, exercising the same codec the real
// guest agent would use without needing a VM.
func fakeGuest(t *testing.T, conn net.Conn, exitCode int) {
	t.Helper()
	codec := vsockproto.NewCodec(conn)
	for {
		env, err := codec.Receive()
		if err != nil {
			return
		}
		switch env.Type {
		case vsockproto.MsgExec:
			var req vsockproto.ExecPayload
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return
			}
			reply, _ := vsockproto.EncodeResp(vsockproto.RespPayload{
				RequestID: req.RequestID,
				ExitCode:  exitCode,
				Stdout:    "ok",
			})
			if err := codec.Send(reply); err != nil {
				return
			}
		case vsockproto.MsgPing:
			var req pingPayload
			_ = json.Unmarshal(env.Payload, &req)
			reply, _ := vsockproto.EncodeResp(vsockproto.RespPayload{RequestID: req.RequestID})
			if err := codec.Send(reply); err != nil {
				return
			}
		}
	}
}

func newPipedClient(t *testing.T) (*vsockClient, net.Conn) {
	t.Helper()
	hostConn, guestConn := net.Pipe()
	vc := &vsockClient{
		conn:    hostConn,
		codec:   vsockproto.NewCodec(hostConn),
		pending: make(map[string]chan *vsockproto.RespPayload),
	}
	go vc.readLoop()
	return vc, guestConn
}

func TestVsockClientRoundTrip(t *testing.T) {
	vc, guestConn := newPipedClient(t)
	defer vc.Close()
	go fakeGuest(t, guestConn, 0)

	requestID := newRequestID()
	env, err := vsockproto.EncodeExec(vsockproto.ExecPayload{RequestID: requestID, Cmd: []string{"true"}})
	if err != nil {
		t.Fatalf("EncodeExec: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := vc.roundTrip(ctx, requestID, env)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if resp.ExitCode != 0 || resp.Stdout != "ok" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestVsockClientMultiplexesConcurrentRequests(t *testing.T) {
	vc, guestConn := newPipedClient(t)
	defer vc.Close()
	go fakeGuest(t, guestConn, 7)

	type result struct {
		resp *vsockproto.RespPayload
		err  error
	}
	results := make(chan result, 3)

	for i := 0; i < 3; i++ {
		go func() {
			requestID := newRequestID()
			env, err := vsockproto.EncodeExec(vsockproto.ExecPayload{RequestID: requestID, Cmd: []string{"true"}})
			if err != nil {
				results <- result{nil, err}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			resp, err := vc.roundTrip(ctx, requestID, env)
			results <- result{resp, err}
		}()
	}

	for i := 0; i < 3; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("roundTrip: %v", r.err)
		}
		if r.resp.ExitCode != 7 {
			t.Fatalf("ExitCode = %d, want 7", r.resp.ExitCode)
		}
	}
}

func TestVsockClientFailsPendingOnClose(t *testing.T) {
	vc, guestConn := newPipedClient(t)
	requestID := newRequestID()
	ch := make(chan *vsockproto.RespPayload, 1)
	vc.mu.Lock()
	vc.pending[requestID] = ch
	vc.mu.Unlock()

	guestConn.Close()
	vc.conn.Close()

	select {
	case resp := <-ch:
		if resp.Error == "" {
			t.Fatal("expected an error on the failed pending request")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pending request to be failed")
	}
}

func TestVsockClientPing(t *testing.T) {
	vc, guestConn := newPipedClient(t)
	defer vc.Close()
	go fakeGuest(t, guestConn, 0)

	requestID := newRequestID()
	raw, _ := json.Marshal(pingPayload{RequestID: requestID})
	env := &vsockproto.Envelope{Type: vsockproto.MsgPing, Payload: raw}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := vc.roundTrip(ctx, requestID, env); err != nil {
		t.Fatalf("ping roundTrip: %v", err)
	}
}
