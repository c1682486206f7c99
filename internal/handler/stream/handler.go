// Package stream serves reply streams over Server-Sent Events and WebSocket.
package stream

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/agentchat/internal/service/ai"
	"github.com/zhouzirui/z-tavern/agentchat/internal/service/conversation"
	"github.com/zhouzirui/z-tavern/agentchat/pkg/utils"
)

// Handler streams generated replies for a conversation.
type Handler struct {
	conversations *conversation.Service
	agents        agent.Store
	generators    *ai.Registry
	upgrader      websocket.Upgrader
}

// New creates a new stream handler
func New(conversations *conversation.Service, agents agent.Store, generators *ai.Registry) *Handler {
	return &Handler{
		conversations: conversations,
		agents:        agents,
		generators:    generators,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes 注册流式接口
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations/{conversationID}/stream/", h.handleSSE)
	r.Get("/conversations/{conversationID}/ws/", h.handleWebSocket)
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if _, err := h.conversations.Get(r.Context(), id); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := h.Produce(r.Context(), id, func(data string) error {
		return utils.WriteSSEData(w, flusher, data)
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "stream").Str("conversation_id", id).Msg("sse stream ended early")
	}
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if _, err := h.conversations.Get(r.Context(), id); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "stream").Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the read side only watches for the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = h.Produce(ctx, id, func(data string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(data))
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "stream").Str("conversation_id", id).Msg("websocket stream ended early")
		return
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Produce generates the reply to the conversation's newest user message and
// hands every chunk to emit, finishing with the end sentinel. The abort flag
// is checked before each chunk; generator failures are sent as a chunk. The
// reply produced so far is appended to the transcript. A non-nil error means
// emit failed and the client is gone.
func (h *Handler) Produce(ctx context.Context, id string, emit func(string) error) error {
	conv, err := h.conversations.Get(ctx, id)
	if err != nil {
		return err
	}
	history, err := h.conversations.Transcript(ctx, id)
	if err != nil {
		return err
	}

	a, ok := h.agents.FindByID(conv.AgentID)
	if !ok {
		a = agent.Empty()
	}

	var reply strings.Builder
	defer func() {
		if reply.Len() == 0 {
			return
		}
		if err := h.conversations.AppendMessage(context.WithoutCancel(ctx), id, chat.AssistantMessage(reply.String())); err != nil {
			log.Error().Err(err).Str("component", "stream").Str("conversation_id", id).Msg("failed to save reply")
		}
	}()

	if err := h.generate(ctx, id, a, history, &reply, emit); err != nil {
		return err
	}
	return emit(chat.EndSentinel)
}

func (h *Handler) generate(ctx context.Context, id string, a agent.Agent, history []chat.Message, reply *strings.Builder, emit func(string) error) error {
	if h.conversations.IsAborted(id) {
		return nil
	}

	sr, err := h.generators.For(a.ModelKey).Stream(ctx, a, history)
	if err != nil {
		return emitFailure(id, err, emit)
	}
	defer sr.Close()

	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return emitFailure(id, err, emit)
		}
		if h.conversations.IsAborted(id) {
			log.Info().Str("component", "stream").Str("conversation_id", id).Msg("reply aborted")
			return nil
		}
		if msg == nil || msg.Content == "" {
			continue
		}

		if err := emit(msg.Content); err != nil {
			return errors.Wrap(err, "emit chunk")
		}
		reply.WriteString(msg.Content)
	}
}

func emitFailure(id string, err error, emit func(string) error) error {
	log.Error().Err(err).Str("component", "stream").Str("conversation_id", id).Msg("reply generation failed")
	return emit("**Error**: " + err.Error())
}
