package firecracker

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// mockServer starts a Unix-socket listener at path that replies to every
// accepted connection with a fixed response, keeping the connection open
// for further requests (Firecracker's actual keep-alive behavior).
func mockServer(t *testing.T, path string, respond func(conn net.Conn)) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go respond(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func writeFixedResponse(conn net.Conn, status int, body string) {
	defer conn.Close()
	resp := fmt.Sprintf("HTTP/1.1 %d OK\r\nContent-Length: %d\r\n\r\n%s", status, len(body), body)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n == 0 || err != nil {
			return
		}
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func socketPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "firecracker.sock")
}

func TestClientConfigureMachineSuccess(t *testing.T) {
	sp := socketPath(t)
	mockServer(t, sp, func(conn net.Conn) { writeFixedResponse(conn, 204, "") })

	c := New(sp)
	if err := c.ConfigureMachine(context.Background(), 2, 256); err != nil {
		t.Fatalf("ConfigureMachine: %v", err)
	}
}

func TestClientConfigureMachineFault(t *testing.T) {
	sp := socketPath(t)
	mockServer(t, sp, func(conn net.Conn) {
		writeFixedResponse(conn, 400, `{"fault_message":"invalid vcpu_count"}`)
	})

	c := New(sp)
	err := c.ConfigureMachine(context.Background(), 0, 256)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestClientBootSourceKeepsConnectionOpen(t *testing.T) {
	sp := socketPath(t)
	var count int
	mockServer(t, sp, func(conn net.Conn) {
		writeFixedResponse(conn, 204, "")
		count++
	})

	c := New(sp)
	if err := c.ConfigureBootSource(context.Background(), "/vmlinux", "console=ttyS0"); err != nil {
		t.Fatalf("ConfigureBootSource: %v", err)
	}
	if err := c.ConfigureDrive(context.Background(), "rootfs", "/rootfs.ext4", true, false); err != nil {
		t.Fatalf("ConfigureDrive: %v", err)
	}
}

func TestClientStartInstance(t *testing.T) {
	sp := socketPath(t)
	mockServer(t, sp, func(conn net.Conn) { writeFixedResponse(conn, 204, "") })

	c := New(sp)
	if err := c.StartInstance(context.Background()); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
}

func TestClientPauseThenSnapshot(t *testing.T) {
	sp := socketPath(t)
	mockServer(t, sp, func(conn net.Conn) { writeFixedResponse(conn, 204, "") })

	c := New(sp)
	if err := c.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.CreateSnapshot(context.Background(), "/snap/state", "/snap/mem"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
}

func TestClientLoadSnapshotResumes(t *testing.T) {
	sp := socketPath(t)
	mockServer(t, sp, func(conn net.Conn) { writeFixedResponse(conn, 204, "") })

	c := New(sp)
	if err := c.LoadSnapshot(context.Background(), "/snap/state", "/snap/mem"); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
}

func TestClientWaitForReadySocketAppearsLate(t *testing.T) {
	sp := socketPath(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		mockServer(t, sp, func(conn net.Conn) { writeFixedResponse(conn, 200, "{}") })
	}()

	c := New(sp)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}
}

func TestClientWaitForReadyTimesOut(t *testing.T) {
	sp := socketPath(t)

	c := New(sp)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := c.WaitForReady(ctx, 100*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestParseContentLengthCaseInsensitive(t *testing.T) {
	headers := "HTTP/1.1 200 OK\r\ncontent-LENGTH: 5\r\nServer: x\r\n"
	if got := parseContentLength(headers); got != 5 {
		t.Fatalf("parseContentLength = %d, want 5", got)
	}
}

func TestParseStatusLineVariants(t *testing.T) {
	cases := []struct {
		line string
		want int
	}{
		{"HTTP/1.1 204 No Content\r\n", 204},
		{"HTTP/1.1 500 Internal Server Error\r\n", 500},
	}
	for _, tc := range cases {
		if got := parseStatusLine([]byte(tc.line)); got != tc.want {
			t.Errorf("parseStatusLine(%q) = %d, want %d", tc.line, got, tc.want)
		}
	}
}

func TestSplitPath(t *testing.T) {
	dir, file := splitPath("/var/run/vm0/abc.sock")
	if dir != "/var/run/vm0" || file != "abc.sock" {
		t.Fatalf("splitPath = %q, %q", dir, file)
	}
}
