package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/saintparish4/simplecall/internal/signaling"
)

func startServer(t *testing.T) *signaling.Server {
	t.Helper()

	cfg := signaling.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Call.ProbeTimeout = 20 * time.Millisecond
	cfg.Call.TickInterval = 5 * time.Millisecond
	cfg.Call.PollInterval = 20 * time.Millisecond
	cfg.Call.Retries = 200
	cfg.SettingsTimeout = 50 * time.Millisecond

	server := signaling.NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	select {
	case <-server.Ready():
	case err := <-done:
		t.Fatalf("server failed to start: %v", err)
	}
	return server
}

// joinPair joins two clients to the same room concurrently.
func joinPair(t *testing.T, a, b Options) (*Call, *Call) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	calls := make([]*Call, 2)
	errs := make([]error, 2)
	for i, opts := range []Options{a, b} {
		i, opts := i, opts
		wg.Add(1)
		go func() {
			defer wg.Done()
			calls[i], errs[i] = Join(ctx, opts)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("client %d: join failed: %v", i+1, err)
		}
	}
	t.Cleanup(func() {
		calls[0].Close()
		calls[1].Close()
	})
	return calls[0], calls[1]
}

func exchange(t *testing.T, a, b *Call) {
	t.Helper()
	buf := make([]byte, 64)

	if err := a.Send([]byte{42}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	n, _, err := b.Receive(buf, 2*time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{42}) {
		t.Errorf("expected [42], got %v", buf[:n])
	}

	if err := b.Send([]byte{24}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	n, _, err = a.Receive(buf, 2*time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{24}) {
		t.Errorf("expected [24], got %v", buf[:n])
	}
}

func TestJoinDirect(t *testing.T) {
	server := startServer(t)
	opts := Options{Addr: server.Addr().String(), Room: "room", ProbeInterval: 20 * time.Millisecond}

	for i := 0; i < 20; i++ {
		a, b := joinPair(t, opts, opts)

		if a.Relay || b.Relay {
			t.Fatal("calls should be direct")
		}
		if a.Peer.Port != b.Conn.LocalAddr().(*net.UDPAddr).Port {
			t.Errorf("iteration %d: peer of a should be b's socket", i)
		}

		exchange(t, a, b)
		a.Close()
		b.Close()
	}
}

func TestJoinRelay(t *testing.T) {
	server := startServer(t)
	opts := Options{Addr: server.Addr().String(), Room: "room", Relay: true}

	for i := 0; i < 20; i++ {
		a, b := joinPair(t, opts, opts)

		if a.Peer.Port == b.Conn.LocalAddr().(*net.UDPAddr).Port {
			t.Errorf("iteration %d: relayed calls should talk to the server", i)
		}

		exchange(t, a, b)
		a.Close()
		b.Close()
	}
}

func TestJoinWebSocket(t *testing.T) {
	server := startServer(t)
	ws := Options{Addr: "ws://" + server.HTTPAddr().String() + "/ws", Room: "mixed", ProbeInterval: 20 * time.Millisecond}
	tcp := Options{Addr: server.Addr().String(), Room: "mixed", ProbeInterval: 20 * time.Millisecond}

	a, b := joinPair(t, ws, tcp)
	exchange(t, a, b)
}

func TestJoinReportsWaiting(t *testing.T) {
	server := startServer(t)

	waited := make(chan struct{}, 4)
	first := Options{
		Addr:          server.Addr().String(),
		Room:          "waiting",
		ProbeInterval: 20 * time.Millisecond,
		OnWaiting:     func() { waited <- struct{}{} },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		call, err := Join(ctx, first)
		if err == nil {
			call.Close()
		}
		result <- err
	}()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("expected WAITING_IN_ROOM callback")
	}

	second, err := Join(ctx, Options{Addr: server.Addr().String(), Room: "waiting", ProbeInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	defer second.Close()

	if err := <-result; err != nil {
		t.Errorf("first join failed: %v", err)
	}
}

func TestJoinCancelledWhileWaiting(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := Join(ctx, Options{Addr: server.Addr().String(), Room: "alone"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestJoinUnexpectedSignal(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Read(make([]byte, 65))
		conn.Write([]byte{9})
		time.Sleep(100 * time.Millisecond)
	}()

	_, err = Join(context.Background(), Options{Addr: ln.Addr().String(), Room: "room"})
	if !errors.Is(err, ErrUnexpectedSignal) {
		t.Errorf("expected ErrUnexpectedSignal, got %v", err)
	}
}

func TestJoinServerUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := Join(context.Background(), Options{Addr: addr, Room: "room", DialTimeout: time.Second}); err == nil {
		t.Error("expected dial error")
	}
}
