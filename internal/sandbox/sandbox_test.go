package sandbox

import (
	"context"
	"errors"
	"testing"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateCreated:   "created",
		StateRunning:   "running",
		StateStopped:   "stopped",
		StateDestroyed: "destroyed",
		State(99):      "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestExecRejectsNonRunningSandbox(t *testing.T) {
	s := &Sandbox{ID: "sb-1", state: StateCreated}
	if _, err := s.Exec(context.Background(), ExecRequest{Cmd: []string{"true"}}); err == nil {
		t.Fatal("expected Exec on a non-running sandbox to fail")
	}
}

func TestPingRejectsNonRunningSandbox(t *testing.T) {
	s := &Sandbox{ID: "sb-1", state: StateStopped}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping on a non-running sandbox to fail")
	}
}

func TestStopOnNonRunningSandboxIsNoop(t *testing.T) {
	s := &Sandbox{ID: "sb-1", state: StateStopped}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on an already-stopped sandbox should be a no-op, got %v", err)
	}
}

func TestErrStringHandlesNil(t *testing.T) {
	if got := errString(nil); got != "" {
		t.Fatalf("errString(nil) = %q, want empty", got)
	}
	if got := errString(errors.New("boom")); got != "boom" {
		t.Fatalf("errString = %q, want boom", got)
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a := newRequestID()
	b := newRequestID()
	if a == b {
		t.Fatal("expected distinct request IDs")
	}
}

func TestStopDetail(t *testing.T) {
	if got := stopDetail(true); got != "" {
		t.Fatalf("stopDetail(true) = %q, want empty", got)
	}
	if got := stopDetail(false); got == "" {
		t.Fatal("stopDetail(false) should describe the forced termination")
	}
}
