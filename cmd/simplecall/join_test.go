package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/saintparish4/simplecall/pkg/client"
)

func TestReceiveLinesSkipsEmptyDatagrams(t *testing.T) {
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer local.Close()
	remote, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer remote.Close()

	to := local.LocalAddr().(*net.UDPAddr)
	// A relayed discovery datagram is empty.
	remote.WriteToUDP(nil, to)
	remote.WriteToUDP([]byte("hello"), to)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	call := &client.Call{Conn: local, Peer: remote.LocalAddr().(*net.UDPAddr)}
	if err := receiveLines(ctx, call, &out); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if out.String() != "hello\n" {
		t.Errorf("expected only %q, got %q", "hello\n", out.String())
	}
}
