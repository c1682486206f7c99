// Package stream owns reply-stream subscriptions: it dials a stream for a key,
// turns raw payloads into tagged events and drives chunk/error/complete
// callbacks for exactly one open connection per handle.
package stream

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

// EndSentinel is the payload the server sends to finish a reply.
const EndSentinel = chat.EndSentinel

var (
	// ErrInactivity is reported when no payload arrives within the heartbeat window.
	ErrInactivity = errors.New("stream timeout: no activity")
	// ErrClosed is reported when the server hangs up before the end sentinel.
	ErrClosed = errors.New("stream closed before end sentinel")
)

// Kind tags an Event.
type Kind int

const (
	KindChunk Kind = iota
	KindComplete
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a subscription. Text is set for chunks, Err for errors.
type Event struct {
	Kind Kind
	Text string
	Err  error
}

// Terminal reports whether no event can follow this one.
func (e Event) Terminal() bool {
	return e.Kind != KindChunk
}

// Conn is one open stream connection.
type Conn interface {
	// Next blocks until the next data payload arrives. Events without a
	// payload are skipped. io.EOF signals that the server closed the stream.
	Next() (string, error)
	// Close releases the connection; it unblocks a pending Next.
	Close() error
}

// Dialer opens a stream connection for a key.
type Dialer interface {
	Dial(ctx context.Context, key string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, key string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, key string) (Conn, error) {
	return f(ctx, key)
}

// IsTimeout reports whether err is an inactivity or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInactivity) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "no activity")
}
