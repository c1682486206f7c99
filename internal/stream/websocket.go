package stream

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WSDialer opens `{base}/conversations/{key}/ws/`, converting http(s) bases to ws(s).
type WSDialer struct {
	baseURL string
	dialer  *websocket.Dialer
}

// NewWSDialer builds a dialer with a bounded handshake.
func NewWSDialer(baseURL string, connectTimeout time.Duration) *WSDialer {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &WSDialer{
		baseURL: base,
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// StreamURL returns the endpoint for key.
func (d *WSDialer) StreamURL(key string) string {
	return fmt.Sprintf("%s/conversations/%s/ws/", d.baseURL, url.PathEscape(key))
}

// Dial performs the websocket handshake.
func (d *WSDialer) Dial(ctx context.Context, key string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.StreamURL(key), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect websocket stream")
	}
	return &WSConn{conn: conn}, nil
}

// WSConn surfaces each text frame as one payload.
type WSConn struct {
	conn *websocket.Conn
}

// Next returns the next text frame.
func (c *WSConn) Next() (string, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

// Close closes the underlying connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
