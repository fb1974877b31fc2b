package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/agentconsole/internal/eventbus"
	"github.com/mattjoyce/agentconsole/internal/responder"
	"github.com/mattjoyce/agentconsole/internal/store"
)

// Dispatcher queues dispatched messages for the agent.
type Dispatcher interface {
	Enqueue(job responder.Job) error
	Depth() int
}

// Config holds API server configuration.
type Config struct {
	Listen            string
	APIKey            string
	HeartbeatInterval time.Duration
}

// Server is the dev kernel's HTTP API.
type Server struct {
	config    Config
	messages  *store.MessageStore
	bus       *eventbus.Bus
	agent     Dispatcher
	logger    *slog.Logger
	server    *http.Server
	upgrader  websocket.Upgrader
	quit      chan struct{}
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, messages *store.MessageStore, bus *eventbus.Bus, agent Dispatcher, logger *slog.Logger) *Server {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	return &Server{
		config:   config,
		messages: messages,
		bus:      bus,
		agent:    agent,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		quit:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // event streams are long-lived.
		IdleTimeout:  60 * time.Second,
	}
	s.server.RegisterOnShutdown(func() { close(s.quit) })

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyAuth)
		r.Get("/api/events/stream", s.handleEventStream)
		r.Get("/api/events/ws", s.handleEventSocket)
		r.Get("/api/history", s.handleHistory)
		r.Get("/api/metrics", s.handleMetrics)
		r.Post("/api/chat", s.handleDispatch)
		r.Route("/api/chat/{agent_id}/messages", func(r chi.Router) {
			r.Get("/", s.handleListMessages)
			r.Post("/", s.handlePostMessage)
			r.Delete("/", s.handleDeleteMessages)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
