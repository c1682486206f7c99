package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/agentchat/internal/config"
	"github.com/zhouzirui/z-tavern/agentchat/internal/handler"
	"github.com/zhouzirui/z-tavern/agentchat/internal/logging"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/service/ai"
	"github.com/zhouzirui/z-tavern/agentchat/internal/service/conversation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", "console")
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	models := agent.SeedModels()
	registry := ai.NewRegistry(ai.NewMarkdownDemo(cfg.Server.ChunkDelay))
	registry.Register("mock-echo", ai.NewEcho(cfg.Server.ChunkDelay))

	// Initialize the Ark-backed generator when credentials are present
	if cfg.AI.Enabled() {
		if gen, err := newArkGenerator(ctx, cfg.AI); err != nil {
			log.Warn().Err(err).Msg("failed to initialize AI service, continuing with mock models only")
		} else {
			models = append([]agent.Model{{Key: cfg.AI.Model, Label: "Ark " + cfg.AI.Model}}, models...)
			registry.Register(cfg.AI.Model, gen)
			log.Info().Str("model", cfg.AI.Model).Msg("AI service initialized successfully")
		}
	} else {
		log.Info().Msg("Ark credentials not configured, serving mock models only")
	}

	router := handler.NewRouter(agent.NewMemoryStore(models), conversation.NewService(), registry)

	startServer(ctx, cfg.Server, router)
}

func newArkGenerator(ctx context.Context, cfg config.AIConfig) (*ai.ChainGenerator, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}
	return ai.NewChainGenerator(ctx, chatModel)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("agent chat backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
