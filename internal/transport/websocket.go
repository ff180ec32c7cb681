package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultMaxMessage   = 64 * 1024
)

// Conn adapts a WebSocket connection to Endpoint. Every inbound frame is
// tagged with the origin established at handshake time.
type Conn struct {
	conn   *websocket.Conn
	origin string

	writeMu  sync.Mutex
	inbox    chan Message
	shutdown chan struct{}
	once     sync.Once
}

// Accept upgrades an HTTP request. The upgrader's CheckOrigin decides whether
// the handshake is allowed; the request Origin header becomes the message origin.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) (*Conn, error) {
	if upgrader == nil {
		return nil, errors.New("upgrader is required")
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}
	return newConn(conn, r.Header.Get("Origin")), nil
}

// Dial connects to a relay URL presenting origin as the caller's origin.
// Inbound messages are tagged with the relay's own origin.
func Dial(ctx context.Context, rawURL string, origin string) (*Conn, error) {
	peerOrigin, err := originForSocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if strings.TrimSpace(origin) != "" {
		header.Set("Origin", origin)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   defaultMaxMessage,
		WriteBufferSize:  defaultMaxMessage,
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return newConn(conn, peerOrigin), nil
}

func newConn(conn *websocket.Conn, origin string) *Conn {
	conn.SetReadLimit(defaultMaxMessage)
	c := &Conn{
		conn:     conn,
		origin:   origin,
		inbox:    make(chan Message, defaultPipeBuffer),
		shutdown: make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Origin returns the peer origin.
func (c *Conn) Origin() string {
	return c.origin
}

// Post writes one text frame.
func (c *Conn) Post(ctx context.Context, data []byte) error {
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// Messages returns the inbound queue.
func (c *Conn) Messages() <-chan Message {
	return c.inbox
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.shutdown
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.shutdown)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) receiveLoop() {
	defer func() { _ = c.Close() }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.inbox <- Message{Origin: c.origin, Data: data}:
		case <-c.shutdown:
			return
		}
	}
}

func originForSocketURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		return "http://" + parsed.Host, nil
	case "wss":
		return "https://" + parsed.Host, nil
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", parsed.Scheme)
	}
}
