package agent

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("agent not found")

// Store exposes agent persistence for HTTP handlers.
type Store interface {
	List() []Agent
	FindByID(id string) (Agent, bool)
	Upsert(a Agent) (Agent, error)
	Delete(id string) error
	Models() []Model
}

// MemoryStore implements Store in memory, suitable for the demo backend.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]Agent
	order  []string
	models []Model
}

// NewMemoryStore returns a MemoryStore serving the supplied model catalogue.
func NewMemoryStore(models []Model) *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]Agent),
		models: append([]Model(nil), models...),
	}
}

// SeedModels lists the models every backend offers without credentials.
func SeedModels() []Model {
	return []Model{
		{Key: "mock-markdown", Label: "Mock markdown streamer"},
		{Key: "mock-echo", Label: "Mock echo streamer"},
	}
}

// List returns agents in creation order.
func (s *MemoryStore) List() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Agent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

// FindByID looks up an agent by identifier.
func (s *MemoryStore) FindByID(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	return a, ok
}

// Upsert creates the agent when it has no id, otherwise replaces it.
func (s *MemoryStore) Upsert(a Agent) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a = a.WithModelFallback(s.models)

	if a.ID == "" {
		a.ID = uuid.NewString()
		s.order = append(s.order, a.ID)
	} else if _, ok := s.items[a.ID]; !ok {
		return Agent{}, ErrNotFound
	}

	s.items[a.ID] = a
	return a, nil
}

// Delete removes an agent.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Models returns the model catalogue.
func (s *MemoryStore) Models() []Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Model(nil), s.models...)
}
