// Package server is the localhost HTTP bridge between the UI and the
// host: REST routes mirroring the host commands plus an SSE stream of
// every bus event.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agenthall/agenthall/internal/event"
	"github.com/agenthall/agenthall/internal/runner"
)

// Config holds server configuration. The bridge binds to loopback only;
// it is a host-local control surface, not a network service.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         7433,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// Server is the HTTP bridge.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	runner  *runner.Runner
	bus     *event.Bus
}

// New creates a Server.
func New(cfg *Config, r *runner.Runner, bus *event.Bus) *Server {
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		runner: r,
		bus:    bus,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// setupRoutes wires the REST surface. Each route mirrors one host
// command.
func (s *Server) setupRoutes() {
	s.router.Get("/event", s.events)

	s.router.Route("/session", func(r chi.Router) {
		r.Post("/", s.startSession)
		r.Get("/", s.listSessions)
		r.Get("/cwds", s.recentCwds)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/history", s.sessionHistory)
			r.Post("/message", s.continueSession)
			r.Post("/stop", s.stopSession)
			r.Post("/permissions/{requestID}", s.respondPermission)
		})
	})

	s.router.Route("/provider", func(r chi.Router) {
		r.Get("/", s.listProviders)
		r.Post("/", s.saveProvider)
		r.Get("/{id}", s.getProvider)
		r.Delete("/{id}", s.deleteProvider)
	})
}

// Start starts the HTTP server on loopback.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
