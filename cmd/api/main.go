package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/accord/backend/internal/config"
	"github.com/zhouzirui/accord/backend/internal/handler"
	"github.com/zhouzirui/accord/backend/internal/handler/ws"
	"github.com/zhouzirui/accord/backend/internal/model/roster"
	"github.com/zhouzirui/accord/backend/internal/service/ai"
	"github.com/zhouzirui/accord/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/accord/backend/internal/service/chat"
	"github.com/zhouzirui/accord/backend/internal/service/presence"
	"github.com/zhouzirui/accord/backend/internal/service/relay"
	"github.com/zhouzirui/accord/backend/internal/service/rooms"
	"github.com/zhouzirui/accord/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Info("no .env file loaded, using process environment", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// stores bundles the collaborators backed by the configured database.
type stores struct {
	messages  chatservice.Store
	groups    roster.GroupStore
	directory roster.Directory
	health    handler.Pinger
	close     func()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStores(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.close()

	registry := presence.NewRegistry()
	subs := rooms.NewSubscriptions()

	r := relay.New(relay.Config{
		MaxBodyLength:        cfg.Relay.MaxBodyLength,
		SystemUserID:         cfg.Relay.SystemUserID,
		HistoryLimit:         cfg.Relay.HistoryLimit,
		AnalysisHistoryLimit: cfg.Relay.AnalysisHistoryLimit,
		AITimeout:            cfg.AI.Timeout,
		FallbackMessage:      cfg.Relay.FallbackMessage,
	}, relay.Dependencies{
		Store:         st.messages,
		Directory:     st.directory,
		Presence:      registry,
		Subscriptions: subs,
		Inference:     newInference(ctx, cfg.AI, logger),
		Logger:        logger.Named("relay"),
	})

	wsHandler := ws.NewHandler(ws.Config{
		AuthTimeout:    cfg.Auth.Timeout,
		SendRate:       cfg.Relay.SendRate,
		SendBurst:      cfg.Relay.SendBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, ws.Dependencies{
		Verifier:      auth.NewJWTVerifier(cfg.Auth.JWTSecret),
		Relay:         r,
		Presence:      registry,
		Subscriptions: subs,
		Resolver:      rooms.NewResolver(st.groups),
		Logger:        logger.Named("ws"),
	})

	router := handler.NewRouter(handler.RouterDeps{
		WebSocket:      wsHandler,
		Store:          st.health,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("Accord relay listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("db", cfg.Database.Driver),
		zap.String("ai", cfg.AI.Provider))
	serveErr := runServer(ctx, srv)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown incomplete", zap.Error(err))
	}
	return serveErr
}

func openStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*stores, error) {
	users, groups := roster.Seed()

	if cfg.Driver == config.DriverMemory {
		directory := roster.NewMemoryStore(users, groups)
		logger.Info("using in-memory stores with demo roster")
		return &stores{
			messages:  chatservice.NewService(),
			groups:    directory,
			directory: directory,
			close:     func() {},
		}, nil
	}

	sqlStore, err := storage.NewSQLStore(ctx, storage.DatabaseConfig{Driver: cfg.Driver, DSN: cfg.DSN}, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if cfg.Seed {
		if err := sqlStore.ImportRoster(ctx, users, groups); err != nil {
			sqlStore.Close()
			return nil, fmt.Errorf("seed roster: %w", err)
		}
		logger.Info("demo roster imported")
	}

	return &stores{
		messages:  sqlStore,
		groups:    sqlStore,
		directory: sqlStore,
		health:    sqlStore,
		close: func() {
			if err := sqlStore.Close(); err != nil {
				logger.Warn("closing store failed", zap.Error(err))
			}
		},
	}, nil
}

// newInference builds the configured provider. A provider that fails to
// initialise leaves the relay running with AI disabled.
func newInference(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) ai.Inference {
	logger = logger.Named("ai")

	switch cfg.Provider {
	case config.ProviderService:
		logger.Info("using ai-service inference", zap.String("url", cfg.ServiceURL))
		return ai.NewServiceInference(cfg.ServiceURL, &http.Client{}, logger)
	case config.ProviderArk:
		chatModel, err := cfg.NewChatModel(ctx)
		if err != nil {
			logger.Warn("failed to create Ark chat model, continuing without AI", zap.Error(err))
			return ai.Disabled{}
		}
		inference, err := ai.NewChainInference(ctx, chatModel, logger)
		if err != nil {
			logger.Warn("failed to build inference chain, continuing without AI", zap.Error(err))
			return ai.Disabled{}
		}
		logger.Info("using Ark inference", zap.String("model", cfg.Model))
		return inference
	case config.ProviderOpenAI:
		openaiCfg := ai.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		}
		if cfg.MaxTokens != nil {
			openaiCfg.MaxTokens = *cfg.MaxTokens
		}
		if cfg.Temperature != nil {
			openaiCfg.Temperature = float32(*cfg.Temperature)
		}
		logger.Info("using OpenAI inference", zap.String("model", cfg.OpenAIModel))
		return ai.NewOpenAIInference(openaiCfg, logger)
	default:
		logger.Info("AI provider not configured, @ai turns will receive the fallback reply")
		return ai.Disabled{}
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
