package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const maxSSELine = 1 << 20

// SSEDialer opens `GET {base}/conversations/{key}/stream/` as a text/event-stream.
type SSEDialer struct {
	baseURL string
	client  *http.Client
}

// NewSSEDialer builds a dialer whose connect and response-header phases are
// bounded by connectTimeout. The body itself is long-lived and unbounded.
func NewSSEDialer(baseURL string, connectTimeout time.Duration) *SSEDialer {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
		transport.ResponseHeaderTimeout = connectTimeout
	}
	return &SSEDialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: transport},
	}
}

// StreamURL returns the endpoint for key.
func (d *SSEDialer) StreamURL(key string) string {
	return fmt.Sprintf("%s/conversations/%s/stream/", d.baseURL, url.PathEscape(key))
}

// Dial issues the stream request.
func (d *SSEDialer) Dial(ctx context.Context, key string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.StreamURL(key), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "connect stream")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	return NewSSEConn(resp.Body), nil
}

// SSEConn parses a text/event-stream body. Only unnamed and "message" events
// are surfaced, matching what an EventSource onmessage handler sees.
type SSEConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewSSEConn wraps an event-stream body.
func NewSSEConn(body io.ReadCloser) *SSEConn {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELine)
	return &SSEConn{body: body, scanner: scanner}
}

// Next returns the data of the next message event.
func (c *SSEConn) Next() (string, error) {
	var (
		eventType string
		data      strings.Builder
		sawData   bool
	)

	for c.scanner.Scan() {
		line := strings.TrimSuffix(c.scanner.Text(), "\r")

		if line == "" {
			if sawData && (eventType == "" || eventType == "message") {
				return strings.TrimSuffix(data.String(), "\n"), nil
			}
			eventType, sawData = "", false
			data.Reset()
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			eventType = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			sawData = true
		}
	}

	if err := c.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close closes the body, unblocking a pending Next.
func (c *SSEConn) Close() error {
	return c.body.Close()
}
