// Package vsockproto is the length-prefixed JSON message protocol carried
// over the host-guest vsock channel. Every message is a 4-byte
// big-endian length prefix followed by that many bytes of JSON.
//
// Unlike a single-exec-at-a-time channel, this protocol lets several exec
// and ping requests be in flight on one connection concurrently, so every
// Exec/Resp pair carries a RequestID the sender generates and the receiver
// echoes back, letting a caller match responses to requests instead of
// assuming in-order single-flight delivery. Heartbeat, metrics, and
// telemetry do not travel on this channel; the guest agent posts them to
// the control plane over HTTP.
package vsockproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// Message types, shared by both directions of the channel.
const (
	MsgInit   = 1 // host -> guest: run configuration
	MsgExec   = 2 // host -> guest: invoke the CLI agent
	MsgResp   = 3 // guest -> host: exec result
	MsgPing   = 4 // host -> guest: liveness probe
	MsgStop   = 5 // host -> guest: graceful shutdown request
	MsgStream = 7 // guest -> host: incremental stdout/stderr chunk
)

// maxMessageBytes bounds a single frame to guard against a malformed
// length prefix turning into an unbounded allocation.
const maxMessageBytes = 16 * 1024 * 1024

// Envelope is the outer frame: Type selects how Payload should be
// unmarshaled.
type Envelope struct {
	Type    int             `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// InitPayload configures the guest agent for the run about to execute.
// Sent once, immediately after connect.
type InitPayload struct {
	RunID           string            `json:"run_id"`
	APIURL          string            `json:"api_url"`
	APIToken        string            `json:"api_token"`
	Prompt          string            `json:"prompt"`
	WorkDir         string            `json:"work_dir,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	AgentType       string            `json:"agent_type"`
	ResumeSessionID string            `json:"resume_session_id,omitempty"`
}

// ExecPayload runs one command inside the sandbox.
type ExecPayload struct {
	RequestID string            `json:"request_id"`
	Cmd       []string          `json:"cmd"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutS  int               `json:"timeout_s,omitempty"`
	Sudo      bool              `json:"sudo,omitempty"`
}

// RespPayload answers an ExecPayload (or an empty MsgPing) carrying the
// same RequestID.
type RespPayload struct {
	RequestID string `json:"request_id"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamPayload carries one chunk of incremental output, correlated to
// the exec that produced it via RequestID.
type StreamPayload struct {
	RequestID string `json:"request_id"`
	Stream    string `json:"stream"` // "stdout" or "stderr"
	Data      string `json:"data"`
	EOF       bool   `json:"eof,omitempty"`
}

// Codec reads and writes Envelopes over a connection.
type Codec struct {
	conn net.Conn
}

// NewCodec wraps conn for length-prefixed JSON framing.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn}
}

// Send marshals env and writes it as one length-prefixed frame.
func (c *Codec) Send(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > maxMessageBytes {
		return fmt.Errorf("envelope too large: %d bytes", len(data))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Receive blocks for one full frame and unmarshals its envelope.
func (c *Codec) Receive() (*Envelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxMessageBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// EncodeExec is a convenience constructor for an Envelope wrapping an
// ExecPayload.
func EncodeExec(p ExecPayload) (*Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: MsgExec, Payload: raw}, nil
}

// EncodeResp is a convenience constructor for an Envelope wrapping a
// RespPayload.
func EncodeResp(p RespPayload) (*Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: MsgResp, Payload: raw}, nil
}
