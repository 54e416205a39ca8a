// Package main is the entry point for the support backend simulator: the
// REST API and event socket a session engine connects to during development.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/config"
	"github.com/capitalize-ai/support-session/internal/handler"
	"github.com/capitalize-ai/support-session/internal/llm"
	"github.com/capitalize-ai/support-session/internal/middleware"
	"github.com/capitalize-ai/support-session/internal/service"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting support simulator")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatsim", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// History lives in Redis when configured, in memory otherwise
	checks := map[string]handler.Check{}
	var history service.History = service.NewMemoryHistory()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		history = service.NewRedisHistory(rdb)
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
		log.Info("using redis history", zap.String("addr", opts.Addr))
	}

	// Initialize LLM client
	provider := llm.Provider(cfg.DefaultLLM)
	apiKey := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	llmClient, err := llm.NewClient(provider, apiKey)
	if err != nil {
		log.Warn("failed to create LLM client, falling back to echo replies", zap.Error(err))
		llmClient = llm.NewEchoClient(50 * time.Millisecond)
	}
	log.Info("reply provider selected", zap.String("provider", llmClient.Name()))

	// Initialize services
	hub := handler.NewHub(log)
	conversationSvc := service.NewConversationService(history, hub, cfg.QueueDelay, log)
	messageSvc := service.NewMessageService(conversationSvc, history, hub, llmClient, cfg.ReplyDelay, log)

	router := handler.NewRouter(handler.RouterConfig{
		Conversations:     conversationSvc,
		Messages:          messageSvc,
		Hub:               hub,
		Checks:            checks,
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		AuthTimeout:       cfg.AuthTimeout,
		Logger:            log,
	})

	if cfg.TenantID != "" {
		subject := cfg.SessionID
		if subject == "" {
			subject = "dev-user"
		}
		tok, err := middleware.IssueToken(cfg.JWTSecret, subject, cfg.TenantID, "Developer", 24*time.Hour)
		if err != nil {
			log.Warn("failed to issue development token", zap.Error(err))
		} else {
			log.Info("development token issued", zap.String("tenant_id", cfg.TenantID), zap.String("token", tok))
		}
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	conversationSvc.Close()
	messageSvc.Close()

	log.Info("server stopped")
}
