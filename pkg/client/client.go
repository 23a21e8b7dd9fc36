// Package client joins a simplecall room and hands back a bound UDP socket
// plus the endpoint to talk to: the partner itself in direct mode, or the
// server's relay socket in relay mode. What runs over that socket (audio,
// text) is up to the caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saintparish4/simplecall/internal/signaling"
	"github.com/saintparish4/simplecall/pkg/netutil"
	"github.com/saintparish4/simplecall/pkg/types"
)

const (
	// DefaultProbeInterval is how often the discovery probe is resent while
	// waiting for the partner's endpoint.
	DefaultProbeInterval = 250 * time.Millisecond

	// DefaultDialTimeout bounds connecting to the server.
	DefaultDialTimeout = 10 * time.Second
)

// ErrUnexpectedSignal is returned when the server sends an unknown signal byte.
var ErrUnexpectedSignal = errors.New("unexpected signal from server")

// Options configures Join.
type Options struct {
	// Addr is the server's control address: "host:port" for TCP or a
	// ws:// URL for the WebSocket control channel. The host must be IPv4.
	Addr string

	// Room is the human-readable room name shared with the partner.
	Room string

	// Relay asks the server to relay the call.
	Relay bool

	ProbeInterval time.Duration
	DialTimeout   time.Duration

	// OnWaiting is called each time the server reports we are waiting in the room.
	OnWaiting func()
}

// Call is a joined call: a bound UDP socket and the endpoint to send to.
type Call struct {
	Conn  *net.UDPConn
	Peer  *net.UDPAddr
	Relay bool

	control io.Closer
}

// Send writes one datagram to the peer.
func (c *Call) Send(p []byte) error {
	if _, err := c.Conn.WriteToUDP(p, c.Peer); err != nil {
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	return nil
}

// Receive waits up to timeout for one datagram.
func (c *Call) Receive(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	n, from, err := c.Conn.ReadFromUDP(buf)
	if err != nil {
		if netutil.IsTimeout(err) {
			return 0, nil, fmt.Errorf("timeout waiting for datagram: %w", err)
		}
		return 0, nil, fmt.Errorf("failed to receive datagram: %w", err)
	}
	return n, from, nil
}

// Close releases the UDP socket and the control channel.
func (c *Call) Close() error {
	err := c.Conn.Close()
	if c.control != nil {
		if cerr := c.control.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Join enters the room and blocks until the call is set up or ctx ends.
// The context bounds the whole exchange, including waiting for the partner.
func Join(ctx context.Context, opts Options) (*Call, error) {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	control, host, err := dial(ctx, opts)
	if err != nil {
		return nil, err
	}

	// Unblock pending reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { control.Close() })
	defer stop()

	call, err := join(ctx, control, host, opts)
	if err != nil {
		control.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return call, nil
}

func join(ctx context.Context, control signaling.Conn, host net.IP, opts Options) (*Call, error) {
	token := signaling.TokenFromName(opts.Room)
	if err := signaling.WriteJoinRequest(control, token, signaling.Settings{Relay: opts.Relay}); err != nil {
		return nil, err
	}

	port, err := awaitPartner(control, opts.OnWaiting)
	if err != nil {
		return nil, err
	}

	sock, err := netutil.NewUDPSocket()
	if err != nil {
		return nil, err
	}
	server := &net.UDPAddr{IP: host, Port: int(port)}

	call := &Call{Conn: sock, Relay: opts.Relay, control: control}

	if opts.Relay {
		// The server latches our first datagram, so a single probe suffices;
		// later ones would be relayed to the partner.
		if _, err := sock.WriteToUDP(nil, server); err != nil {
			sock.Close()
			return nil, fmt.Errorf("failed to send probe: %w", err)
		}
		call.Peer = server
		return call, nil
	}

	peer, err := probeUntilPeer(ctx, sock, server, control, opts.ProbeInterval)
	if err != nil {
		sock.Close()
		return nil, err
	}
	call.Peer = peer.UDPAddr()
	return call, nil
}

func dial(ctx context.Context, opts Options) (signaling.Conn, net.IP, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if strings.HasPrefix(opts.Addr, "ws://") || strings.HasPrefix(opts.Addr, "wss://") {
		dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
		ws, _, err := dialer.DialContext(dialCtx, opts.Addr, nil)
		if err != nil {
			return nil, nil, types.NewTransportError("dial", 0, err)
		}
		conn := signaling.NewWSConn(ws)
		host, err := hostIPv4(conn.RemoteAddr())
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return conn, host, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp4", opts.Addr)
	if err != nil {
		return nil, nil, types.NewTransportError("dial", 0, err)
	}
	host, err := hostIPv4(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, host, nil
}

func hostIPv4(addr net.Addr) (net.IP, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected server address type %T", addr)
	}
	ip4 := tcp.IP.To4()
	if ip4 == nil {
		return nil, types.NewProtocolError("server_address", types.ErrUnsupportedAddress)
	}
	return ip4, nil
}

// awaitPartner consumes WAITING_IN_ROOM signals until PARTNER_FOUND and
// returns the UDP port the server assigned to us.
func awaitPartner(control io.Reader, onWaiting func()) (uint16, error) {
	var signal [1]byte
	for {
		if _, err := io.ReadFull(control, signal[:]); err != nil {
			return 0, types.NewTransportError("read_signal", 0, err)
		}

		switch signal[0] {
		case signaling.SignalWaitingInRoom:
			if onWaiting != nil {
				onWaiting()
			}
		case signaling.SignalPartnerFound:
			var port [2]byte
			if _, err := io.ReadFull(control, port[:]); err != nil {
				return 0, types.NewTransportError("read_port", 0, err)
			}
			return signaling.DecodePort(port[:])
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnexpectedSignal, signal[0])
		}
	}
}

// probeUntilPeer sends discovery probes to the server every interval until
// the partner's endpoint arrives on the control channel. Repeated probes are
// harmless: the server keeps the first source address it saw.
func probeUntilPeer(ctx context.Context, sock *net.UDPConn, server *net.UDPAddr, control io.Reader, interval time.Duration) (types.Endpoint, error) {
	type result struct {
		ep  types.Endpoint
		err error
	}
	done := make(chan result, 1)

	go func() {
		var wire [types.EndpointSize]byte
		if _, err := io.ReadFull(control, wire[:]); err != nil {
			done <- result{err: types.NewTransportError("read_peer_endpoint", 0, err)}
			return
		}
		var ep types.Endpoint
		err := ep.UnmarshalBinary(wire[:])
		done <- result{ep: ep, err: err}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := sock.WriteToUDP(nil, server); err != nil {
			return types.Endpoint{}, fmt.Errorf("failed to send probe: %w", err)
		}

		select {
		case res := <-done:
			return res.ep, res.err
		case <-ctx.Done():
			return types.Endpoint{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
