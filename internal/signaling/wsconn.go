package signaling

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NewUpgrader creates the WebSocket upgrader for the control channel endpoint.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Clients are native apps, not browsers; there is no origin to check.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// WSConn carries the byte-oriented control protocol over binary WebSocket
// frames. Each Write is sent as one frame; reads drain frames in order.
// A client must put its token and settings byte in the same frame.
type WSConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	pending *bytes.Reader

	writeMu sync.Mutex
	closed  bool
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	ws.SetReadLimit(4 * 1024)
	return &WSConn{ws: ws}
}

// Read implements io.Reader over the stream of binary frames.
func (c *WSConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.pending == nil || c.pending.Len() == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.pending = bytes.NewReader(data)
	}
	return c.pending.Read(p)
}

// Buffered returns how many bytes of the current frame are still unread.
func (c *WSConn) Buffered() int {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.pending == nil {
		return 0
	}
	return c.pending.Len()
}

// Write sends p as a single binary frame.
func (c *WSConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the underlying connection.
func (c *WSConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// SetReadDeadline sets the deadline for the next frame read.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// RemoteAddr returns the client's address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
