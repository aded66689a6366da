package vsockproto

import (
	"encoding/json"
	"net"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverCodec := NewCodec(server)
	clientCodec := NewCodec(client)

	env, err := EncodeExec(ExecPayload{RequestID: "req-1", Cmd: []string{"echo", "hello"}})
	if err != nil {
		t.Fatalf("EncodeExec: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- clientCodec.Send(env) }()

	got, err := serverCodec.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got.Type != MsgExec {
		t.Fatalf("Type = %d, want %d", got.Type, MsgExec)
	}

	var payload ExecPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.RequestID != "req-1" || len(payload.Cmd) != 2 || payload.Cmd[0] != "echo" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	go client.Write(header)

	_, err := NewCodec(server).Receive()
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestRespRequestIDRoundTrips(t *testing.T) {
	env, err := EncodeResp(RespPayload{RequestID: "req-42", ExitCode: 0, Stdout: "ok"})
	if err != nil {
		t.Fatalf("EncodeResp: %v", err)
	}
	var p RespPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.RequestID != "req-42" {
		t.Fatalf("RequestID = %q, want req-42", p.RequestID)
	}
}
