package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	agentHandler "github.com/zhouzirui/z-tavern/agentchat/internal/handler/agent"
	conversationHandler "github.com/zhouzirui/z-tavern/agentchat/internal/handler/conversation"
	"github.com/zhouzirui/z-tavern/agentchat/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/z-tavern/agentchat/internal/middleware"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	aiService "github.com/zhouzirui/z-tavern/agentchat/internal/service/ai"
	conversationService "github.com/zhouzirui/z-tavern/agentchat/internal/service/conversation"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(agents agent.Store, conversations *conversationService.Service, generators *aiService.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(api chi.Router) {
		agentHandler.New(agents).RegisterRoutes(api)
		conversationHandler.New(conversations, agents).RegisterRoutes(api)
		stream.New(conversations, agents, generators).RegisterRoutes(api)
	})

	return r
}
