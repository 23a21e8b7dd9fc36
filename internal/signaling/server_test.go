package signaling

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saintparish4/simplecall/pkg/netutil"
)

func testServerConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Call = fastCallConfig()
	cfg.SettingsTimeout = 50 * time.Millisecond
	return cfg
}

func getJSON(t *testing.T, server *Server, path string, wantStatus int) map[string]interface{} {
	t.Helper()

	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != wantStatus {
		t.Errorf("%s: expected status %d, got %d", path, wantStatus, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s: expected JSON content type, got %q", path, ct)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("%s: failed to parse response: %v", path, err)
	}
	return response
}

func TestServerHealthEndpoint(t *testing.T) {
	server := NewServer(testServerConfig())

	response := getJSON(t, server, "/health", http.StatusOK)
	if response["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%v'", response["status"])
	}
	if _, ok := response["timestamp"]; !ok {
		t.Error("response should include timestamp")
	}
}

func TestServerHealthMethodNotAllowed(t *testing.T) {
	server := NewServer(testServerConfig())

	req := httptest.NewRequest("POST", "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestServerStatsEndpoint(t *testing.T) {
	server := NewServer(testServerConfig())

	server.Registry().RegisterOrPair(TokenFromName("a"), NewWaiter(&fakeConn{}, Settings{}))
	server.Registry().RegisterOrPair(TokenFromName("b"), NewWaiter(&fakeConn{}, Settings{}))

	response := getJSON(t, server, "/api/stats", http.StatusOK)

	rooms := response["rooms"].(map[string]interface{})
	if rooms["waiting_rooms"].(float64) != 2 {
		t.Errorf("expected 2 waiting rooms, got %v", rooms["waiting_rooms"])
	}
	if rooms["registered"].(float64) != 2 {
		t.Errorf("expected 2 registrations, got %v", rooms["registered"])
	}

	sessions := response["sessions"].(map[string]interface{})
	if sessions["active"].(float64) != 0 {
		t.Errorf("expected 0 active sessions, got %v", sessions["active"])
	}
}

func TestServerSessionsEndpoint(t *testing.T) {
	server := NewServer(testServerConfig())

	coord := NewCoordinator(&fakeConn{}, &fakeConn{}, Settings{Relay: true}, fastCallConfig(), server.logger)
	server.Sessions().Add(coord)

	response := getJSON(t, server, "/api/sessions", http.StatusOK)
	sessions := response["sessions"].([]interface{})
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	session := sessions[0].(map[string]interface{})
	if session["id"] != coord.ID.String() {
		t.Errorf("expected id %s, got %v", coord.ID, session["id"])
	}
	if session["mode"] != "relay" {
		t.Errorf("expected mode relay, got %v", session["mode"])
	}
	if session["state"] != StateHandshakeBegin {
		t.Errorf("expected state %s, got %v", StateHandshakeBegin, session["state"])
	}
}

func TestServerNotFound(t *testing.T) {
	server := NewServer(testServerConfig())

	response := getJSON(t, server, "/nope", http.StatusNotFound)
	if response["path"] != "/nope" {
		t.Errorf("expected path /nope, got %v", response["path"])
	}
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	server := NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	select {
	case <-server.Ready():
	case err := <-done:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}
	return server
}

func TestServerPairsTCPAndWebSocket(t *testing.T) {
	server := startServer(t, testServerConfig())
	token := TokenFromName("room")

	tcp, err := net.Dial("tcp4", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer tcp.Close()
	WriteJoinRequest(tcp, token, Settings{})

	tcp.SetReadDeadline(time.Now().Add(2 * time.Second))
	signal := make([]byte, 1)
	if _, err := io.ReadFull(tcp, signal); err != nil || signal[0] != SignalWaitingInRoom {
		t.Fatalf("expected WAITING_IN_ROOM, got %v (%v)", signal, err)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+server.HTTPAddr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	wsConn := NewWSConn(ws)
	defer wsConn.Close()
	WriteJoinRequest(wsConn, token, Settings{})

	msg := make([]byte, 4)
	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(wsConn, msg); err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	if msg[0] != SignalWaitingInRoom || msg[1] != SignalPartnerFound {
		t.Errorf("expected WAITING then PARTNER_FOUND over websocket, got %v", msg)
	}

	msg = msg[:3]
	if _, err := io.ReadFull(tcp, msg); err != nil {
		t.Fatalf("tcp read failed: %v", err)
	}
	if msg[0] != SignalPartnerFound {
		t.Errorf("expected PARTNER_FOUND over tcp, got %v", msg)
	}

	if stats := server.Registry().Stats(); stats.Paired != 1 {
		t.Errorf("expected 1 pairing, got %d", stats.Paired)
	}
}

func TestServerShutdownClosesWaiters(t *testing.T) {
	cfg := testServerConfig()
	cfg.HTTPAddr = ""

	server := NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	<-server.Ready()

	if server.HTTPAddr() != nil {
		t.Error("HTTP listener should be disabled")
	}

	conn, err := net.Dial("tcp4", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	WriteJoinRequest(conn, TokenFromName("lonely"), Settings{})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	signal := make([]byte, 1)
	if _, err := io.ReadFull(conn, signal); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	if _, err := conn.Read(signal); err != io.EOF {
		t.Errorf("waiting connection should be closed on shutdown, got %v", err)
	}
}

func TestServerCleansUpStaleWaiters(t *testing.T) {
	cfg := testServerConfig()
	cfg.HTTPAddr = ""
	cfg.WaitTimeout = 50 * time.Millisecond
	cfg.CleanupInterval = 20 * time.Millisecond
	server := startServer(t, cfg)

	conn, err := net.Dial("tcp4", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	WriteJoinRequest(conn, TokenFromName("stale"), Settings{})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if _, err := conn.Read(buf); err != io.EOF {
		t.Errorf("stale waiter should be closed, got %v", err)
	}
	if server.Registry().Stats().Expired != 1 {
		t.Errorf("expected 1 expired waiter, got %d", server.Registry().Stats().Expired)
	}
}

func TestServerWithdrawsDepartedWaiter(t *testing.T) {
	cfg := testServerConfig()
	cfg.HTTPAddr = ""
	server := startServer(t, cfg)
	token := TokenFromName("room")

	join := func() net.Conn {
		t.Helper()
		conn, err := net.Dial("tcp4", server.Addr().String())
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		WriteJoinRequest(conn, token, Settings{})
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		signal := make([]byte, 1)
		if _, err := io.ReadFull(conn, signal); err != nil || signal[0] != SignalWaitingInRoom {
			t.Fatalf("expected WAITING_IN_ROOM, got %v (%v)", signal, err)
		}
		return conn
	}

	first := join()
	first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for server.Registry().waiting(token) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if server.Registry().waiting(token) {
		t.Fatal("departed client is still parked in the room")
	}

	// The next arrival waits instead of pairing with the closed connection.
	second := join()
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := second.Read(make([]byte, 3)); !netutil.IsTimeout(err) {
		t.Errorf("expected no further signal, got %d bytes (%v)", n, err)
	}
	if !server.Registry().waiting(token) {
		t.Error("second client should be waiting")
	}
	if stats := server.Registry().Stats(); stats.Paired != 0 {
		t.Errorf("expected no pairing, got %d", stats.Paired)
	}
}
