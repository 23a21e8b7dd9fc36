package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// NewUDPSocket binds a fresh IPv4 UDP socket to an OS-assigned port on all
// interfaces.
func NewUDPSocket() (*net.UDPConn, error) {
	// Port 0 lets the OS pick; udp4 keeps peer addresses IPv4.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	return conn, nil
}

// LocalPort returns the port a UDP socket is bound to.
func LocalPort(conn *net.UDPConn) uint16 {
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

// Listen opens a TCP listener with SO_REUSEADDR set, so a restarted server
// can rebind while old connections sit in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe or connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// ValidateTCPAddr checks that addr is a host:port pair with a usable port.
func ValidateTCPAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("invalid address: empty address")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}
