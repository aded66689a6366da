// Package vsocktransport picks the right listener for the guest agent's
// control channel: AF_VSOCK inside a Firecracker guest, falling back to a
// Unix socket for local development and for any guest kernel built
// without CONFIG_VIRTIO_VSOCKETS.
package vsocktransport

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/mdlayher/vsock"
)

// Port is the vsock port the guest agent listens on and the host dials.
const Port = 9999

// Listen returns a listener for the agent's control channel. On Linux it
// tries AF_VSOCK first (VMADDR_CID_ANY, the only binding that makes sense
// from inside a guest, which doesn't know its own CID); any failure
// (missing vsock device, unsupported kernel) falls back to a Unix socket
// at a fixed path so the agent still runs under a plain container or on a
// developer workstation.
func Listen() (net.Listener, error) {
	if runtime.GOOS == "linux" {
		l, err := vsock.Listen(Port, &vsock.Config{})
		if err == nil {
			return l, nil
		}
	}

	sockPath := fmt.Sprintf("/tmp/vm0-agent-%d.sock", Port)
	_ = os.Remove(sockPath)
	return net.Listen("unix", sockPath)
}

// DialHost connects from the host side to a guest's vsock control
// channel through the Unix-socket bridge Firecracker's vsock device
// exposes on the host (configured via ConfigureVsock's uds_path). The
// host-side protocol is CONNECT <port>\n, answered with OK\n before the
// channel carries the length-prefixed message stream.
func DialHost(udsPath string, guestPort uint32) (net.Conn, error) {
	conn, err := net.Dial("unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock bridge: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", guestPort); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reply := make([]byte, 64)
	n, err := conn.Read(reply)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT reply: %w", err)
	}
	if n < 2 || reply[0] != 'O' || reply[1] != 'K' {
		conn.Close()
		return nil, fmt.Errorf("vsock bridge refused connect: %q", reply[:n])
	}
	return conn, nil
}
