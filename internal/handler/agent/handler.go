package agent

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/pkg/utils"
)

// Handler agent 服务的HTTP处理器
type Handler struct {
	agents agent.Store
}

// New 创建 agent 处理器
func New(agents agent.Store) *Handler {
	return &Handler{agents: agents}
}

// RegisterRoutes 注册 agent 相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", h.handleUpsert)
		r.Get("/models/", h.handleListModels)
		r.Get("/list/", h.handleList)
		r.Get("/{agentID}/", h.handleGet)
		r.Delete("/{agentID}/", h.handleDelete)
	})
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.agents.Models())
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.agents.List())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agents.FindByID(chi.URLParam(r, "agentID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "agent not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, a)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Delete(chi.URLParam(r, "agentID")); err != nil {
		utils.RespondError(w, http.StatusNotFound, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpsert 创建或更新 agent；带有未知 id 时按新建处理
func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var payload agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		utils.RespondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if payload.Temperature < 0 || payload.Temperature > 2 {
		utils.RespondError(w, http.StatusBadRequest, "temperature must be between 0 and 2")
		return
	}

	saved, err := h.agents.Upsert(payload)
	if errors.Is(err, agent.ErrNotFound) {
		payload.ID = ""
		saved, err = h.agents.Upsert(payload)
	}
	if err != nil {
		log.Error().Err(err).Str("component", "agent").Msg("upsert failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to save agent")
		return
	}

	utils.RespondJSON(w, http.StatusOK, saved)
}
