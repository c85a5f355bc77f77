// Package transport is the Connection's single bidirectional message
// channel (spec.md section 1, item 2). The concrete framing is out of
// scope per spec.md section 1 ("the transport's framing"); this package
// supplies the WebSocket implementation the rest of the core dials against,
// built the way the teacher's internal/websocket/client.go drives a
// *websocket.Conn, adapted from server-side upgrade to client-side dial.
package transport

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // bundles can be large; transaction logs are not
)

// Conn is the minimal bidirectional message channel the Connection needs.
// Implementations must make ReadMessage safe to call from one goroutine and
// WriteMessage safe to call from another (gorilla/websocket requires a
// single writer, so WSConn serializes writes internally).
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to a ws:// or wss:// URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials real WebSocket connections with gorilla/websocket.
type WSDialer struct {
	logger *log.Logger
}

// NewWSDialer builds a WSDialer with the teacher's tagged-logger convention.
func NewWSDialer() *WSDialer {
	return &WSDialer{logger: log.New(os.Stdout, "[TRANSPORT] ", log.Ldate|log.Ltime|log.LUTC)}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("transport: dial %s (http status %d): %w", url, status, err)
	}
	return newWSConn(conn, d.logger), nil
}

// WSConn wraps a *websocket.Conn with the read/write-pump discipline from
// internal/websocket/client.go: read deadlines refreshed by pong frames, a
// periodic ping, and a write-side mutex (gorilla/websocket connections are
// not safe for concurrent writers).
type WSConn struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu  chan struct{} // 1-buffered semaphore
	stopPing chan struct{}
}

func newWSConn(conn *websocket.Conn, logger *log.Logger) *WSConn {
	c := &WSConn{
		conn:     conn,
		logger:   logger,
		writeMu:  make(chan struct{}, 1),
		stopPing: make(chan struct{}),
	}
	c.writeMu <- struct{}{}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop()
	return c
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			<-c.writeMu
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu <- struct{}{}
			if err != nil {
				return
			}
		case <-c.stopPing:
			return
		}
	}
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return data, nil
}

func (c *WSConn) WriteMessage(data []byte) error {
	<-c.writeMu
	defer func() { c.writeMu <- struct{}{} }()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *WSConn) Close() error {
	close(c.stopPing)
	return c.conn.Close()
}

// DeriveWebSocketURL turns an http(s):// base URL plus appId/sessionId into
// the ws(s):// origin the Connection dials, per spec.md section 6.
func DeriveWebSocketURL(baseURL, appID, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api"
	q := u.Query()
	q.Set("appId", appID)
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
