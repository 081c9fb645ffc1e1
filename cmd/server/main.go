// roomchat - collaborative AI chat room server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/roomchat/internal/agent"
	"github.com/ashureev/roomchat/internal/api"
	"github.com/ashureev/roomchat/internal/config"
	"github.com/ashureev/roomchat/internal/identity"
	"github.com/ashureev/roomchat/internal/llm"
	"github.com/ashureev/roomchat/internal/middleware"
	"github.com/ashureev/roomchat/internal/room"
	"github.com/ashureev/roomchat/internal/store"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("Invalid LOG_LEVEL, using info", "value", cfg.LogLevel)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_driver", cfg.DBDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize persistence.
	repo, err := store.Open(ctx, cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	healthDeps := map[string]api.Pinger{"database": repo}
	var tokens store.TokenStore = repo
	if cfg.RedisURL != "" {
		redisTokens, err := store.NewRedisTokenStore(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisTokens.Close() }()
		tokens = redisTokens
		healthDeps["redis"] = redisTokens
		slog.Info("Using Redis token store")
	}

	store.StartTTLWorker(ctx, repo, cfg.TTLSweepInterval)
	slog.Info("TTL worker started", "interval", cfg.TTLSweepInterval)

	// Initialize the agent service and the controller rooms use to reach it.
	var agents room.AgentController
	var agentSvc *agent.Service
	if cfg.Agent.Enabled {
		completer := llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.Agent.OpenAIBaseURL,
			Timeout: cfg.Agent.CompletionTimeout,
		})
		agentSvc = agent.NewService(repo, completer, cfg.PartySecret, agent.Options{
			Throttle:     cfg.Agent.Throttle,
			DefaultModel: cfg.Agent.DefaultModel,
		})
		agents = room.NewHTTPAgentController(cfg.AgentURL, cfg.PublicWSURL, cfg.PartySecret, cfg.Agent.OpenAIKey, nil)
		slog.Info("Agent enabled", "agent_url", cfg.AgentURL, "model", cfg.Agent.DefaultModel)
	} else {
		slog.Info("Agent disabled (AGENT_ENABLED=false)")
	}

	registry := room.NewRegistry(repo, agents, room.Config{})

	// Initialize handlers.
	wsHandler := room.NewWebSocketHandler(registry, tokens, cfg.PartySecret, originHosts(cfg.CORSOrigins))
	tokenHandler := api.NewTokenHandler(tokens, cfg.TokenTTL, cfg.TokenRatePerMinute)
	workspaceHandler := api.NewWorkspaceHandler(repo)
	healthHandler := api.NewHealthHandler(healthDeps, func() map[string]int {
		stats := map[string]int{"rooms": registry.Len()}
		if agentSvc != nil {
			stats["agents"] = agentSvc.Len()
		}
		return stats
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	r.Method(http.MethodGet, "/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Room connections authenticate with a token or the service secret.
	r.Get("/party/{roomID}", wsHandler.ServeHTTP)

	// Token issuance and workspace management require a login session.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo))
		tokenHandler.RegisterRoutes(r)
		workspaceHandler.RegisterRoutes(r)
	})

	// Agent control (service bearer).
	if agentSvc != nil {
		r.Mount("/agents", agentSvc.Routes())
	}

	// WriteTimeout stays 0 for long-lived websocket connections.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Rooms close their sockets, which also ends agent connections.
	registry.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if agentSvc != nil {
		if err := agentSvc.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Agent responses cut short", "error", err)
		}
	}

	slog.Info("Server stopped successfully")
}

// originHosts converts CORS origins into websocket origin host patterns.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, strings.TrimSuffix(o, "/"))
	}
	return hosts
}
