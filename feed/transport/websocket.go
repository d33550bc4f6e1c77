package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kleeedolinux/datafeed/feed"
)

// Ensure type WebSocketDialer implements interface feed.Dialer.
var _ feed.Dialer = (*WebSocketDialer)(nil)

type WebSocketDialer struct {
	dialer           *websocket.Dialer
	headers          http.Header
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	compression      bool
	log              *zap.Logger
}

type WebSocketOption func(*WebSocketDialer)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(d *WebSocketDialer) {
		for k, v := range headers {
			d.headers[k] = v
		}
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.handshakeTimeout = timeout
	}
}

// WithReadTimeout closes a connection that stays silent for longer than
// timeout. Zero, the default, waits forever.
func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.writeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.compression = enabled
	}
}

func WithLogger(log *zap.Logger) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.log = log
	}
}

func NewWebSocketDialer(opts ...WebSocketOption) *WebSocketDialer {
	d := &WebSocketDialer{
		dialer:           websocket.DefaultDialer,
		headers:          make(http.Header),
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		log:              zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, protocols []string) (feed.Conn, error) {
	d.log.Debug("dialing", zap.String("url", url), zap.Strings("protocols", protocols))

	dialer := *d.dialer
	dialer.HandshakeTimeout = d.handshakeTimeout
	dialer.EnableCompression = d.compression
	dialer.Subprotocols = protocols

	conn, resp, err := dialer.DialContext(ctx, url, d.headers)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}

	d.log.Debug("connected",
		zap.String("url", url),
		zap.String("subprotocol", conn.Subprotocol()),
	)

	return &WebSocketConn{
		conn:         conn,
		readTimeout:  d.readTimeout,
		writeTimeout: d.writeTimeout,
	}, nil
}

// WebSocketConn adapts a gorilla connection to feed.Conn. Writes are
// serialized; a single goroutine is expected to read.
type WebSocketConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       bool
}

func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}
	}

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "read message")
	}

	return message, nil
}

func (c *WebSocketConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return feed.ErrConnectionClosed
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write message")
	}

	return nil
}

// Close sends a normal closure frame and closes the underlying connection.
func (c *WebSocketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	// Best effort: the peer may already be gone.
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return c.conn.Close()
}

func (c *WebSocketConn) Subprotocol() string {
	return c.conn.Subprotocol()
}
