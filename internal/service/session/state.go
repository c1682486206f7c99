package session

import (
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

// State is a read-only snapshot of the engine.
type State struct {
	SessionID          string
	Messages           []chat.Message
	IsStreaming        bool
	IsLoading          bool
	IsBackendReachable bool
	Agent              agent.Agent
	Models             []agent.Model
	LastError          error
}

// LastMessage returns the newest message, if any.
func (s State) LastMessage() (chat.Message, bool) {
	if len(s.Messages) == 0 {
		return chat.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// ErrorMessage renders LastError for display.
func (s State) ErrorMessage() string {
	switch err := s.LastError.(type) {
	case nil:
		return ""
	case *StreamError:
		return err.UserMessage()
	case *RequestError:
		return err.Detail()
	default:
		return err.Error()
	}
}
