package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/support-session/internal/middleware"
	"github.com/capitalize-ai/support-session/internal/service"
	"github.com/capitalize-ai/support-session/pkg/logger"
)

// RouterConfig wires the simulator's services into its HTTP surface.
type RouterConfig struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Hub           *Hub
	Checks        map[string]Check

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	AuthTimeout       time.Duration

	Logger *logger.Logger
}

// NewRouter builds the simulator router: health and metrics, the event
// socket and the authenticated REST API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrGlobal(cfg.Logger)

	healthHandler := NewHealthHandler(cfg.Checks)
	conversationHandler := NewConversationHandler(cfg.Conversations, log)
	messageHandler := NewMessageHandler(cfg.Messages, log)
	socketHandler := NewSocketHandler(cfg.Hub, cfg.Conversations, cfg.Messages, cfg.JWTSecret, cfg.AuthTimeout, cfg.AllowedOrigins, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	// The socket authenticates in-band with its first frame.
	r.Get("/ws", socketHandler.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/messages", messageHandler.List)
				r.With(middleware.RequireScope(middleware.ScopeAgent)).Post("/lifecycle", conversationHandler.Lifecycle)
			})
		})
	})

	return r
}
