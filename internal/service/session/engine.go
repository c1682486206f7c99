// Package session is the client-side conversation engine. An Engine owns the
// conversation identity, the message history and the single live reply
// stream, and mediates every change to them through its transitions.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/agentchat/internal/stream"
	"github.com/zhouzirui/z-tavern/agentchat/internal/transport"
)

// ErrConversationReset is returned when the conversation was reset while a
// message was being posted; the reply stream is not opened.
var ErrConversationReset = errors.New("conversation reset while sending")

// Transport is the subset of the backend client the engine relies on.
type Transport interface {
	ListModels(ctx context.Context) ([]agent.Model, error)
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
	UpsertAgent(ctx context.Context, cfg agent.Agent) (agent.Agent, error)
	StartSession(ctx context.Context, agentID string) (transport.Conversation, error)
	PostMessage(ctx context.Context, sessionID, content string) (transport.PostResult, error)
	AbortSession(ctx context.Context, sessionID string) error
}

// Canceler releases a stream. Cancel must be idempotent.
type Canceler interface {
	Cancel()
}

// StreamOpener opens a reply stream. Callbacks must be delivered from another
// goroutine than the one calling Open.
type StreamOpener interface {
	Open(key string, cb stream.Callbacks) Canceler
}

// OpenerFunc adapts a function to StreamOpener.
type OpenerFunc func(key string, cb stream.Callbacks) Canceler

func (f OpenerFunc) Open(key string, cb stream.Callbacks) Canceler { return f(key, cb) }

// ManagerOpener adapts a stream.Manager.
func ManagerOpener(m *stream.Manager) StreamOpener {
	return OpenerFunc(func(key string, cb stream.Callbacks) Canceler {
		return m.Open(key, cb)
	})
}

// Engine is the conversation state machine. It is safe for concurrent use;
// every transition and every stream callback runs to completion under one
// lock, so readers never observe a half-applied change.
type Engine struct {
	transport Transport
	streams   StreamOpener

	mu        sync.Mutex
	sessionID string
	messages  []chat.Message
	streaming bool
	loading   bool
	reachable bool
	agent     agent.Agent
	models    []agent.Model
	lastErr   error

	handle      Canceler
	streamToken uint64
	tokens      uint64
	sending     bool

	changes chan struct{}
}

// New builds an idle engine with an empty agent draft.
func New(t Transport, streams StreamOpener) *Engine {
	return &Engine{
		transport: t,
		streams:   streams,
		agent:     agent.Empty(),
		changes:   make(chan struct{}, 1),
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return State{
		SessionID:          e.sessionID,
		Messages:           chat.Clone(e.messages),
		IsStreaming:        e.streaming,
		IsLoading:          e.loading,
		IsBackendReachable: e.reachable,
		Agent:              e.agent,
		Models:             append([]agent.Model(nil), e.models...),
		LastError:          e.lastErr,
	}
}

// Changes signals after state changes. Signals coalesce: one pending signal
// stands for any number of changes since the last receive.
func (e *Engine) Changes() <-chan struct{} {
	return e.changes
}

// Bootstrap fetches the model catalogue and, when agentID is set, the agent
// configuration. Failures only mark the backend unreachable.
func (e *Engine) Bootstrap(ctx context.Context, agentID string) {
	e.mu.Lock()
	e.loading = true
	e.notifyLocked()
	e.mu.Unlock()

	var (
		models []agent.Model
		loaded agent.Agent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		models, err = e.transport.ListModels(gctx)
		return err
	})
	if agentID != "" {
		g.Go(func() error {
			var err error
			loaded, err = e.transport.GetAgent(gctx, agentID)
			return err
		})
	}
	err := g.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.notifyLocked()

	e.loading = false
	if err != nil {
		e.reachable = false
		log.Warn().Err(err).Str("component", "session").Msg("bootstrap failed, backend marked unreachable")
		return
	}

	e.models = models
	e.reachable = true
	if agentID != "" {
		e.assignAgentLocked(loaded)
		e.resetConversationLocked()
		return
	}
	e.agent = e.agent.WithModelFallback(e.models)
}

// UpsertAgent saves cfg, adopts the saved configuration and starts a fresh
// conversation.
func (e *Engine) UpsertAgent(ctx context.Context, cfg agent.Agent) (agent.Agent, error) {
	e.setLoading(true)
	saved, err := e.transport.UpsertAgent(ctx, cfg)
	e.setLoading(false)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.notifyLocked()

	if err != nil {
		return agent.Agent{}, e.requestFailedLocked("save agent", err)
	}
	e.assignAgentLocked(saved)
	e.resetConversationLocked()
	return e.agent, nil
}

// LoadAgent switches to a stored agent. An empty id prepares a new draft.
func (e *Engine) LoadAgent(ctx context.Context, id string) error {
	if id == "" {
		e.PrepareNewAgent()
		return nil
	}

	e.setLoading(true)
	loaded, err := e.transport.GetAgent(ctx, id)
	e.setLoading(false)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.notifyLocked()

	if err != nil {
		return e.requestFailedLocked("load agent", err)
	}
	e.assignAgentLocked(loaded)
	e.resetConversationLocked()
	return nil
}

// PrepareNewAgent replaces the agent with an empty draft and resets the
// conversation.
func (e *Engine) PrepareNewAgent() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.assignAgentLocked(agent.Empty())
	e.resetConversationLocked()
	e.notifyLocked()
}

// SendMessage posts content and opens the reply stream. Blank content is
// ignored. Request failures are recorded and returned; failures of the
// stream itself only surface through State.LastError.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	e.mu.Lock()
	if e.sending {
		e.mu.Unlock()
		return ErrSendInProgress
	}
	e.sending = true
	cfg := e.agent
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.sending = false
		e.mu.Unlock()
	}()

	if cfg.ID == "" {
		saved, err := e.UpsertAgent(ctx, cfg)
		if err != nil {
			return err
		}
		cfg = saved
	}

	sessionID, err := e.ensureSession(ctx, cfg.ID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sessionID != sessionID {
		e.mu.Unlock()
		return ErrConversationReset
	}
	e.releaseStreamLocked()
	e.messages = append(e.messages, chat.UserMessage(content))
	e.streaming = true
	e.notifyLocked()
	e.mu.Unlock()

	res, err := e.transport.PostMessage(ctx, sessionID, content)
	if err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		reqErr := e.requestFailedLocked("send message", err)
		e.teardownLocked()
		return reqErr
	}

	key := res.StreamID
	if key == "" {
		key = sessionID
	}
	return e.openStream(sessionID, key)
}

// Abort asks the backend to stop the current reply and always tears the
// local stream down, whether or not the remote request succeeded.
func (e *Engine) Abort(ctx context.Context) {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()

	if sessionID == "" {
		return
	}

	defer func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.teardownLocked()
	}()

	if err := e.transport.AbortSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("abort request failed")
	}
}

// ResetConversation drops the history and session id and releases the stream.
func (e *Engine) ResetConversation() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetConversationLocked()
	e.notifyLocked()
}

// Close releases the live stream, keeping the history.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.teardownLocked()
}

func (e *Engine) ensureSession(ctx context.Context, agentID string) (string, error) {
	e.mu.Lock()
	if e.sessionID != "" {
		id := e.sessionID
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	e.setLoading(true)
	conv, err := e.transport.StartSession(ctx, agentID)
	e.setLoading(false)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.notifyLocked()

	if err == nil && conv.ID == "" {
		err = errors.New("backend returned a conversation without id")
	}
	if err != nil {
		return "", e.requestFailedLocked("start conversation", err)
	}

	e.sessionID = conv.ID
	e.messages = chat.Clone(conv.History)
	log.Debug().Str("component", "session").Str("session_id", conv.ID).Int("history", len(conv.History)).Msg("conversation started")
	return conv.ID, nil
}

func (e *Engine) openStream(sessionID, key string) error {
	e.mu.Lock()
	if e.sessionID != sessionID {
		e.mu.Unlock()
		return ErrConversationReset
	}
	if !e.streaming {
		// aborted while the message was being posted
		e.mu.Unlock()
		return nil
	}
	e.tokens++
	token := e.tokens
	e.streamToken = token
	e.mu.Unlock()

	h := e.streams.Open(key, stream.Callbacks{
		OnChunk:    func(text string) { e.onChunk(token, text) },
		OnError:    func(err error) { e.onError(token, err) },
		OnComplete: func() { e.onComplete(token) },
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamToken != token {
		// finished or replaced before Open returned
		h.Cancel()
		return nil
	}
	e.handle = h
	return nil
}

func (e *Engine) onChunk(token uint64, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if token != e.streamToken {
		return
	}
	e.messages = chat.AppendChunk(e.messages, text)
	e.notifyLocked()
}

func (e *Engine) onError(token uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if token != e.streamToken {
		return
	}
	streamErr := newStreamError(err)
	e.lastErr = streamErr
	log.Warn().Err(err).Str("component", "session").Str("session_id", e.sessionID).Bool("timeout", streamErr.Timeout).Msg("reply stream failed")
	e.teardownLocked()
}

func (e *Engine) onComplete(token uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if token != e.streamToken {
		return
	}
	e.teardownLocked()
}

func (e *Engine) requestFailedLocked(op string, err error) *RequestError {
	reqErr := &RequestError{Op: op, Err: err}
	e.lastErr = reqErr
	log.Error().Err(err).Str("component", "session").Str("op", op).Msg("request failed")
	return reqErr
}

func (e *Engine) assignAgentLocked(a agent.Agent) {
	e.agent = a.WithModelFallback(e.models)
}

func (e *Engine) resetConversationLocked() {
	e.messages = nil
	e.sessionID = ""
	e.teardownLocked()
}

func (e *Engine) teardownLocked() {
	e.releaseStreamLocked()
	e.streaming = false
	e.notifyLocked()
}

// releaseStreamLocked cancels the live handle, if any, and invalidates its
// callbacks.
func (e *Engine) releaseStreamLocked() {
	if e.handle != nil {
		e.handle.Cancel()
		e.handle = nil
	}
	e.streamToken = 0
}

func (e *Engine) setLoading(loading bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loading = loading
	e.notifyLocked()
}

func (e *Engine) notifyLocked() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}
