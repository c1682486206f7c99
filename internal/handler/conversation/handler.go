package conversation

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/agentchat/internal/service/conversation"
	"github.com/zhouzirui/z-tavern/agentchat/pkg/utils"
)

// Handler 会话服务的HTTP处理器
type Handler struct {
	conversations *conversation.Service
	agents        agent.Store
}

// New 创建会话处理器
func New(conversations *conversation.Service, agents agent.Store) *Handler {
	return &Handler{conversations: conversations, agents: agents}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations/", h.handleCreate)
	r.Post("/conversations/{conversationID}/messages/", h.handlePostMessage)
	r.Post("/conversations/{conversationID}/abort/", h.handleAbort)
}

type createResponse struct {
	ID      string         `json:"id"`
	History []chat.Message `json:"history"`
}

// handleCreate 创建会话
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AgentID json.RawMessage `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agentID := agent.DecodeID(payload.AgentID)
	if agentID == "" {
		utils.RespondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if _, ok := h.agents.FindByID(agentID); !ok {
		utils.RespondError(w, http.StatusNotFound, "agent not found")
		return
	}

	conv, err := h.conversations.Create(r.Context(), agentID)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, createResponse{ID: conv.ID, History: []chat.Message{}})
}

// handlePostMessage 记录用户消息并返回 stream_id，回答由流式接口生成
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		utils.RespondError(w, http.StatusBadRequest, "content must not be empty")
		return
	}

	if err := h.conversations.StartTurn(r.Context(), id, content); err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"stream_id": id})
}

// handleAbort 标记会话为中止，流式接口在下一个分片前停止
func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.conversations.Abort(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func respondServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	utils.RespondError(w, http.StatusInternalServerError, err.Error())
}
