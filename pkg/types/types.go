package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// EndpointSize is the length of an endpoint on the control channel:
// 4 bytes of IPv4 address followed by a big-endian port.
const EndpointSize = 6

// ErrUnsupportedAddress is returned for any endpoint that is not IPv4.
var ErrUnsupportedAddress = errors.New("unsupported address: only IPv4 is supported")

// Endpoint represents a public UDP endpoint (IPv4 + port) as observed by the server
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

// EndpointFromUDPAddr converts a socket address into an Endpoint.
// IPv4-mapped IPv6 addresses are unmapped; real IPv6 addresses are rejected.
func EndpointFromUDPAddr(addr *net.UDPAddr) (Endpoint, error) {
	if addr == nil {
		return Endpoint{}, fmt.Errorf("nil address: %w", ErrUnsupportedAddress)
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return Endpoint{}, fmt.Errorf("%s: %w", addr, ErrUnsupportedAddress)
	}
	return Endpoint{
		IP:   netip.AddrFrom4([4]byte(ip4)),
		Port: uint16(addr.Port),
	}, nil
}

// UDPAddr returns the endpoint as a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(e.IP, e.Port))
}

// IsValid reports whether the endpoint holds an IPv4 address.
func (e Endpoint) IsValid() bool {
	return e.IP.Is4()
}

// MarshalBinary encodes the endpoint in its 6-byte wire form.
func (e Endpoint) MarshalBinary() ([]byte, error) {
	if !e.IsValid() {
		return nil, fmt.Errorf("%s: %w", e, ErrUnsupportedAddress)
	}
	b := make([]byte, EndpointSize)
	ip := e.IP.As4()
	copy(b[:4], ip[:])
	binary.BigEndian.PutUint16(b[4:], e.Port)
	return b, nil
}

// UnmarshalBinary decodes the 6-byte wire form.
func (e *Endpoint) UnmarshalBinary(b []byte) error {
	if len(b) != EndpointSize {
		return fmt.Errorf("endpoint must be %d bytes, got %d", EndpointSize, len(b))
	}
	e.IP = netip.AddrFrom4([4]byte(b[:4]))
	e.Port = binary.BigEndian.Uint16(b[4:])
	return nil
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.IP, e.Port).String()
}

// TransportError represents a read or write failure on a control channel.
type TransportError struct {
	Op   string // Operation that failed
	Peer int    // 1 or 2; 0 when not tied to a paired peer
	Err  error  // Underlying error
}

func (e *TransportError) Error() string {
	if e.Peer == 0 {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s (peer %d): %v", e.Op, e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error
func NewTransportError(op string, peer int, err error) error {
	return &TransportError{
		Op:   op,
		Peer: peer,
		Err:  err,
	}
}

// ProtocolError represents a violation of the control protocol, such as a
// short token or an IPv6 peer address.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new protocol error
func NewProtocolError(op string, err error) error {
	return &ProtocolError{
		Op:  op,
		Err: err,
	}
}
