// Package ai produces reply streams for the demo backend.
package ai

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

// Generator streams the reply to the newest user message of history.
type Generator interface {
	Stream(ctx context.Context, a agent.Agent, history []chat.Message) (*schema.StreamReader[*schema.Message], error)
}

// Registry selects a Generator by model key.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
	fallback   Generator
}

// NewRegistry returns a registry answering unknown model keys with fallback.
func NewRegistry(fallback Generator) *Registry {
	return &Registry{generators: make(map[string]Generator), fallback: fallback}
}

// Register binds key to g.
func (r *Registry) Register(key string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[key] = g
}

// For returns the generator for modelKey.
func (r *Registry) For(modelKey string) Generator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.generators[modelKey]; ok {
		return g
	}
	return r.fallback
}
