package types

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestEndpointWireForm(t *testing.T) {
	ep, err := EndpointFromUDPAddr(&net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000})
	if err != nil {
		t.Fatalf("EndpointFromUDPAddr: %v", err)
	}

	b, err := ep.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	want := []byte{192, 168, 1, 20, 0x9c, 0x40}
	if !bytes.Equal(b, want) {
		t.Errorf("wire form = %v, want %v", b, want)
	}

	var decoded Endpoint
	if err := decoded.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded != ep {
		t.Errorf("decoded %s, want %s", decoded, ep)
	}
}

func TestEndpointRejectsIPv6(t *testing.T) {
	_, err := EndpointFromUDPAddr(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 9})
	if !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("expected ErrUnsupportedAddress, got %v", err)
	}

	_, err = EndpointFromUDPAddr(nil)
	if !errors.Is(err, ErrUnsupportedAddress) {
		t.Fatalf("expected ErrUnsupportedAddress for nil, got %v", err)
	}
}

func TestEndpointUnmapsIPv4InIPv6(t *testing.T) {
	ep, err := EndpointFromUDPAddr(&net.UDPAddr{IP: net.ParseIP("::ffff:10.0.0.1"), Port: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.String() != "10.0.0.1:5" {
		t.Errorf("got %s, want 10.0.0.1:5", ep)
	}
}

func TestEndpointMarshalRequiresIPv4(t *testing.T) {
	var zero Endpoint
	if zero.IsValid() {
		t.Error("zero endpoint should not be valid")
	}
	if _, err := zero.MarshalBinary(); !errors.Is(err, ErrUnsupportedAddress) {
		t.Errorf("expected ErrUnsupportedAddress, got %v", err)
	}
}

func TestEndpointUnmarshalLength(t *testing.T) {
	var ep Endpoint
	if err := ep.UnmarshalBinary([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short endpoint")
	}
}

func TestEndpointUDPAddr(t *testing.T) {
	var ep Endpoint
	if err := ep.UnmarshalBinary([]byte{127, 0, 0, 1, 0x1f, 0x90}); err != nil {
		t.Fatal(err)
	}
	addr := ep.UDPAddr()
	if !addr.IP.Equal(net.IPv4(127, 0, 0, 1)) || addr.Port != 8080 {
		t.Errorf("UDPAddr() = %s", addr)
	}
	if !ep.IsValid() {
		t.Error("IPv4 endpoint should be valid")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("broken pipe")

	err := NewTransportError("write", 2, base)
	if !errors.Is(err, base) {
		t.Error("TransportError should unwrap to its cause")
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Peer != 2 {
		t.Errorf("errors.As failed: %v", err)
	}
	if err.Error() != "transport write (peer 2): broken pipe" {
		t.Errorf("unexpected message %q", err.Error())
	}

	perr := NewProtocolError("latch", ErrUnsupportedAddress)
	if !errors.Is(perr, ErrUnsupportedAddress) {
		t.Error("ProtocolError should unwrap to its cause")
	}
}
