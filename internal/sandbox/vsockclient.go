package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vm0-runner/internal/vsockproto"
	"github.com/oriys/vm0-runner/internal/vsocktransport"
)

// vsockClient is the host side of one sandbox's multiplexed vsock channel.
// Unlike the teacher's VsockClient (one exec in flight, redial on a broken
// connection), this channel can carry several exec and ping requests
// concurrently, so replies are matched to requests by RequestID
// rather than assumed to arrive in request order; a broken connection ends
// the sandbox's usable lifetime instead of triggering a redial, since a
// dead VM has no guest agent left to redial into.
type vsockClient struct {
	conn  net.Conn
	codec *vsockproto.Codec

	mu      sync.Mutex
	pending map[string]chan *vsockproto.RespPayload
	closed  bool
}

// dialVsockWithRetry polls DialHost until the guest agent's listener
// accepts a connection or timeout elapses — mirroring the Firecracker
// client's own readiness-poll shape since both wait on a socket a just-
// booted guest hasn't opened yet.
func dialVsockWithRetry(ctx context.Context, udsPath string, guestPort uint32, timeout time.Duration) (*vsockClient, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := vsocktransport.DialHost(udsPath, guestPort)
		if err == nil {
			vc := &vsockClient{
				conn:    conn,
				codec:   vsockproto.NewCodec(conn),
				pending: make(map[string]chan *vsockproto.RespPayload),
			}
			go vc.readLoop()
			return vc, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("vsock did not become reachable: %w", lastErr)
}

func (vc *vsockClient) readLoop() {
	for {
		env, err := vc.codec.Receive()
		if err != nil {
			vc.failAllPending(err)
			return
		}
		if env.Type != vsockproto.MsgResp {
			// MsgStream chunks and anything else are not yet consumed by a
			// caller here; the guest agent's own logs carry the full
			// output, so dropping them on the host side loses nothing the
			// exec's final RespPayload doesn't already contain.
			continue
		}

		var resp vsockproto.RespPayload
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			continue
		}

		vc.mu.Lock()
		ch, ok := vc.pending[resp.RequestID]
		if ok {
			delete(vc.pending, resp.RequestID)
		}
		vc.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (vc *vsockClient) failAllPending(err error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.closed = true
	for id, ch := range vc.pending {
		ch <- &vsockproto.RespPayload{RequestID: id, ExitCode: -1, Error: err.Error()}
		delete(vc.pending, id)
	}
}

// roundTrip sends env and blocks for the matching RequestID reply, bounded
// by ctx.
func (vc *vsockClient) roundTrip(ctx context.Context, requestID string, env *vsockproto.Envelope) (*vsockproto.RespPayload, error) {
	ch := make(chan *vsockproto.RespPayload, 1)

	vc.mu.Lock()
	if vc.closed {
		vc.mu.Unlock()
		return nil, fmt.Errorf("vsock channel closed")
	}
	vc.pending[requestID] = ch
	vc.mu.Unlock()

	if err := vc.codec.Send(env); err != nil {
		vc.mu.Lock()
		delete(vc.pending, requestID)
		vc.mu.Unlock()
		return nil, fmt.Errorf("send: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		vc.mu.Lock()
		delete(vc.pending, requestID)
		vc.mu.Unlock()
		return nil, ctx.Err()
	}
}

// sendOnly writes env without waiting for a correlated reply (used for
// MsgStop, which the guest answers by exiting rather than replying).
func (vc *vsockClient) sendOnly(env *vsockproto.Envelope) error {
	vc.mu.Lock()
	closed := vc.closed
	vc.mu.Unlock()
	if closed {
		return fmt.Errorf("vsock channel closed")
	}
	return vc.codec.Send(env)
}

func (vc *vsockClient) Close() error {
	vc.mu.Lock()
	vc.closed = true
	vc.mu.Unlock()
	return vc.conn.Close()
}

func newRequestID() string {
	return uuid.New().String()
}
