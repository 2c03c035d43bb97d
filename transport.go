package chatrelay

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Conn is a single bidirectional, frame-oriented connection. Implementations
// must be safe for concurrent use.
type Conn interface {
	// Write sends one wire payload (one or more record-separated frames).
	Write(ctx context.Context, data []byte) error

	// Read blocks until the next wire payload arrives.
	Read(ctx context.Context) ([]byte, error)

	// Close initiates a graceful close. It may block while the close
	// handshake completes.
	Close() error

	// Closed reports whether the underlying connection has fully closed.
	Closed() bool
}

// Dialer establishes a Conn. The Registry calls it once per creation
// attempt; tests substitute in-memory implementations.
type Dialer func(ctx context.Context, url string, headers map[string]string) (Conn, error)

// DialWebSocket is the production Dialer, connecting over WebSocket.
func DialWebSocket(ctx context.Context, url string, headers map[string]string) (Conn, error) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: h,
	})
	if err != nil {
		return nil, &TransportError{Kind: KindCreationFailed, Op: "dial", URL: url, Err: err}
	}

	// Streaming responses can be large
	conn.SetReadLimit(16 * 1024 * 1024)

	return &wsConn{conn: conn}, nil
}

// wsConn implements Conn over a WebSocket connection.
type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrSocketNotOpen
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Kind: KindConnectionLost, Op: "write", Err: err}
	}
	return nil
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrSocketNotOpen
		}
		return nil, &TransportError{Kind: KindConnectionLost, Op: "read", Err: err}
	}
	return data, nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *wsConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
