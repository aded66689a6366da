// Package firecracker drives a single Firecracker microVM over its
// Unix-domain-socket API: readiness detection, machine/boot/drive/netif/
// vsock configuration, snapshot create/load, pause, and instance start.
//
// # Framing
//
// The client is stateless and opens a fresh connection per call, but
// Firecracker itself speaks HTTP/1.1 keep-alive: EOF cannot be used to
// delimit a response body, so every response is parsed by reading to the
// header terminator, extracting Content-Length, and reading exactly that
// many more bytes (see request in client.go). This is the authoritative
// framing per the design notes — the alternative Connection: close
// variant is not implemented here because it would silently waste a
// round-trip's worth of read(2) calls waiting on a FIN that keep-alive
// peers never send.
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oriys/vm0-runner/internal/vmerr"
)

// requestTimeout bounds every individual API call (spec §5: 30s for
// Firecracker per-call).
const requestTimeout = 30 * time.Second

// Client is a minimal HTTP-over-Unix-socket driver for one Firecracker
// instance's API socket. The zero value is not usable; construct with New.
type Client struct {
	socketPath string
}

// New returns a Client bound to the Firecracker API socket at socketPath.
// It does not dial or verify the socket exists; call WaitForReady first.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// WaitForReady blocks until the API socket accepts connections and
// answers GET / with a 2xx status, or until timeout elapses.
//
// Two phases, matching spec §4.1: first wait for the socket file itself
// to appear (inotify-driven; an inotify or epoll setup failure is returned
// as an error, with no polling fallback), then poll GET / every 10ms. A connect error whose
// kind is connection-refused is retried; any other connect error (notably
// permission-denied) fails immediately so callers don't spin for the full
// timeout against a socket that exists but can never be dialed.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	if !exists(c.socketPath) {
		dir, file := splitPath(c.socketPath)
		if err := waitForFileInotify(ctx, dir, file, deadline); err != nil {
			return err
		}
	}

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for API ready", timeout)
		}

		_, err := c.request(ctx, "GET", "/", nil)
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// isRetryable mirrors the original client's is_retryable: a connection
// refused is transient (Firecracker hasn't bound the socket's listener
// yet even though the inode exists); any other connect error (e.g.
// permission denied) is fatal. An HTTP error response is retried only when
// HTTPError.Retryable allows it (429 or 5xx); every other 4xx is fatal.
func isRetryable(err error) bool {
	var connErr *connectError
	if asConnectError(err, &connErr) {
		return isConnRefused(connErr.err)
	}
	var httpErr *vmerr.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	// Other failures during the exchange (timeouts mid-request, short
	// reads) are worth a retry.
	return true
}

// connectError distinguishes a failure to establish the connection from a
// failure during the request/response exchange.
type connectError struct{ err error }

func (e *connectError) Error() string { return fmt.Sprintf("connect: %v", e.err) }
func (e *connectError) Unwrap() error { return e.err }

func asConnectError(err error, target **connectError) bool {
	ce, ok := err.(*connectError)
	if ok {
		*target = ce
	}
	return ok
}

// isConnRefused reports whether err is ultimately ECONNREFUSED, the
// transient state while Firecracker has created the socket inode but
// hasn't called listen(2) on it yet.
func isConnRefused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED)
}

// ConfigureMachine issues PUT /machine-config.
func (c *Client) ConfigureMachine(ctx context.Context, vcpuCount, memSizeMiB int) error {
	return c.putJSON(ctx, "/machine-config", map[string]any{
		"vcpu_count":   vcpuCount,
		"mem_size_mib": memSizeMiB,
	})
}

// ConfigureBootSource issues PUT /boot-source.
func (c *Client) ConfigureBootSource(ctx context.Context, kernelImagePath, bootArgs string) error {
	return c.putJSON(ctx, "/boot-source", map[string]any{
		"kernel_image_path": kernelImagePath,
		"boot_args":         bootArgs,
	})
}

// ConfigureDrive issues PUT /drives/{driveID}.
func (c *Client) ConfigureDrive(ctx context.Context, driveID, pathOnHost string, isRootDevice, isReadOnly bool) error {
	return c.putJSON(ctx, "/drives/"+driveID, map[string]any{
		"drive_id":        driveID,
		"path_on_host":    pathOnHost,
		"is_root_device":  isRootDevice,
		"is_read_only":    isReadOnly,
	})
}

// ConfigureNetworkInterface issues PUT /network-interfaces/{ifaceID}.
func (c *Client) ConfigureNetworkInterface(ctx context.Context, ifaceID, guestMAC, hostDevName string) error {
	return c.putJSON(ctx, "/network-interfaces/"+ifaceID, map[string]any{
		"iface_id":      ifaceID,
		"guest_mac":     guestMAC,
		"host_dev_name": hostDevName,
	})
}

// ConfigureVsock issues PUT /vsock.
func (c *Client) ConfigureVsock(ctx context.Context, guestCID uint32, udsPath string) error {
	return c.putJSON(ctx, "/vsock", map[string]any{
		"guest_cid": guestCID,
		"uds_path":  udsPath,
	})
}

// StartInstance issues PUT /actions with InstanceStart.
func (c *Client) StartInstance(ctx context.Context) error {
	return c.requestDiscard(ctx, "PUT", "/actions", map[string]any{
		"action_type": "InstanceStart",
	})
}

// Pause issues PATCH /vm to transition the VM to Paused. The VM must be
// paused before CreateSnapshot.
func (c *Client) Pause(ctx context.Context) error {
	return c.requestDiscard(ctx, "PATCH", "/vm", map[string]any{"state": "Paused"})
}

// Resume issues PATCH /vm to transition the VM back to Resumed.
func (c *Client) Resume(ctx context.Context) error {
	return c.requestDiscard(ctx, "PATCH", "/vm", map[string]any{"state": "Resumed"})
}

// CreateSnapshot issues PUT /snapshot/create. The VM must be paused first.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	return c.putJSON(ctx, "/snapshot/create", map[string]any{
		"snapshot_type": "Full",
		"snapshot_path": snapshotPath,
		"mem_file_path": memFilePath,
	})
}

// LoadSnapshot issues PUT /snapshot/load with resume_vm: true.
func (c *Client) LoadSnapshot(ctx context.Context, snapshotPath, memPath string) error {
	return c.putJSON(ctx, "/snapshot/load", map[string]any{
		"snapshot_path": snapshotPath,
		"mem_backend": map[string]any{
			"backend_type": "File",
			"backend_path": memPath,
		},
		"resume_vm": true,
	})
}

func (c *Client) putJSON(ctx context.Context, path string, body map[string]any) error {
	return c.requestDiscard(ctx, "PUT", path, body)
}

func (c *Client) requestDiscard(ctx context.Context, method, path string, body map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}
	_, err := c.request(ctx, method, path, raw)
	return err
}

// request sends one HTTP/1.1 request over a fresh connection to the
// Unix-domain socket and returns the response body on 2xx, or a
// *vmerr.HTTPError on non-2xx with Firecracker's fault_message extracted
// when the body is JSON.
func (c *Client) request(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, &connectError{err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	header := buildRequestHeader(method, path, len(body))
	if _, err := conn.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return nil, fmt.Errorf("write body: %w", err)
		}
	}

	status, respBody, err := readResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if status >= 200 && status < 300 {
		return respBody, nil
	}

	message := string(respBody)
	var fault struct {
		FaultMessage string `json:"fault_message"`
	}
	if json.Unmarshal(respBody, &fault) == nil && fault.FaultMessage != "" {
		message = fault.FaultMessage
	}
	return nil, &vmerr.HTTPError{Status: status, Body: message}
}

func buildRequestHeader(method, path string, bodyLen int) []byte {
	var b bytes.Buffer
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: localhost\r\n")
	b.WriteString("Accept: application/json\r\n")
	if bodyLen > 0 {
		b.WriteString("Content-Type: application/json\r\n")
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(bodyLen))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// readResponse reads an HTTP/1.1 response from conn. Firecracker uses
// keep-alive, so EOF cannot delimit the body: read until the header
// terminator appears, parse Content-Length case-insensitively, then read
// exactly that many more bytes.
func readResponse(conn net.Conn) (int, []byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	headerEnd := -1
	for headerEnd < 0 {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			headerEnd = bytes.Index(buf, []byte("\r\n\r\n"))
		}
		if err != nil {
			if err == io.EOF && headerEnd >= 0 {
				break
			}
			if headerEnd < 0 {
				return 0, nil, err
			}
		}
	}

	status := parseStatusLine(buf)
	contentLength := parseContentLength(string(buf[:headerEnd]))

	bodyStart := headerEnd + 4
	for len(buf)-bodyStart < contentLength {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if len(buf)-bodyStart >= contentLength {
				break
			}
			return 0, nil, err
		}
	}

	bodyEnd := bodyStart + contentLength
	if bodyEnd > len(buf) {
		bodyEnd = len(buf)
	}
	return status, buf[bodyStart:bodyEnd], nil
}

// parseStatusLine extracts the numeric status code from bytes [9:12) of
// "HTTP/1.1 204 No Content\r\n...", per spec §4.1.
func parseStatusLine(buf []byte) int {
	if len(buf) < 12 {
		return 0
	}
	n, err := strconv.Atoi(string(buf[9:12]))
	if err != nil {
		return 0
	}
	return n
}

// parseContentLength scans the header block case-insensitively for
// Content-Length, matching "Content-Length", "content-length", and
// "CONTENT-LENGTH" alike (spec §8 boundary behavior).
func parseContentLength(headers string) int {
	for _, line := range strings.Split(headers, "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func splitPath(p string) (dir, file string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ".", p
	}
	return p[:i], p[i+1:]
}
