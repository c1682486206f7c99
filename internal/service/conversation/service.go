// Package conversation keeps the demo backend's conversations in memory.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

var (
	ErrAgentRequired = errors.New("agent id is required")
	ErrNotFound      = errors.New("conversation not found")
)

// Conversation binds a transcript to an agent.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

type record struct {
	conv     Conversation
	messages []chat.Message
	aborted  bool
}

// Service encapsulates conversation state management.
type Service struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewService bootstraps the in-memory conversation store.
func NewService() *Service {
	return &Service{records: make(map[string]*record)}
}

// Create provisions a conversation bound to an agent.
func (s *Service) Create(_ context.Context, agentID string) (Conversation, error) {
	if agentID == "" {
		return Conversation{}, ErrAgentRequired
	}

	conv := Conversation{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.records[conv.ID] = &record{conv: conv, messages: make([]chat.Message, 0, 16)}
	s.mu.Unlock()

	return conv, nil
}

// Get retrieves a conversation by identifier.
func (s *Service) Get(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return rec.conv, nil
}

// AppendMessage adds a message to the transcript.
func (s *Service) AppendMessage(_ context.Context, id string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.messages = append(rec.messages, msg)
	return nil
}

// StartTurn records a user message and clears the abort flag so the next
// reply stream runs.
func (s *Service) StartTurn(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.messages = append(rec.messages, chat.UserMessage(content))
	rec.aborted = false
	return nil
}

// Transcript returns a copy of the stored messages.
func (s *Service) Transcript(_ context.Context, id string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]chat.Message, len(rec.messages))
	copy(copied, rec.messages)
	return copied, nil
}

// Abort flags the conversation; running reply streams stop before their next
// chunk.
func (s *Service) Abort(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.aborted = true
	return nil
}

// IsAborted reports the abort flag. Unknown conversations count as aborted.
func (s *Service) IsAborted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	return !ok || rec.aborted
}
