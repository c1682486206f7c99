package session

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/agentchat/internal/stream"
	"github.com/zhouzirui/z-tavern/agentchat/internal/transport"
)

// ErrSendInProgress rejects a SendMessage issued while another one is still
// saving the agent, creating the session or posting.
var ErrSendInProgress = errors.New("a message is already being sent")

// RequestError is a failed blocking request. It is the only error kind the
// engine returns to callers.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Detail returns the backend's explanation when there is one, otherwise the
// error text.
func (e *RequestError) Detail() string {
	var apiErr *transport.APIError
	if errors.As(e.Err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return e.Err.Error()
}

// StreamError is a failure after the backend accepted the message. It is
// recorded in State.LastError and never returned.
type StreamError struct {
	Err     error
	Timeout bool
}

func newStreamError(err error) *StreamError {
	return &StreamError{Err: err, Timeout: stream.IsTimeout(err)}
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the user for this failure.
func (e *StreamError) UserMessage() string {
	if e.Timeout {
		return "Request timed out: the model may need longer to respond. Retry later or check the network connection."
	}
	return "The reply stream failed, please retry later."
}
