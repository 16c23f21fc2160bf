// Package server exposes the workflow orchestrator's REST and SSE
// surface: one HTTP endpoint per Bus action, plus a streaming endpoint
// mirroring the EventBus.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"

	"github.com/dandi-tools/nwbflow/internal/bus"
	"github.com/dandi-tools/nwbflow/internal/config"
	"github.com/dandi-tools/nwbflow/internal/event"
	"github.com/dandi-tools/nwbflow/internal/sessionstore"
	"github.com/dandi-tools/nwbflow/internal/storage"
)

// Config holds HTTP server configuration independent of the workflow
// wiring itself.
type Config struct {
	Port             int
	UploadDir        string
	MaxRetryAttempts int
	EnableCORS       bool
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// DefaultConfig returns sane defaults. WriteTimeout is zero: the /events
// stream is long-lived and must never be cut off by a fixed deadline.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}
}

// Server is the HTTP server fronting the three-agent workflow.
type Server struct {
	config           *Config
	router           *chi.Mux
	httpSrv          *http.Server
	bus              *bus.Bus
	sessions         *sessionstore.Store
	events           *event.Bus
	storage          *storage.Store
	maxRetryAttempts int

	// appConfig and capabilities back the read-only GET /api/config and
	// GET /api/capabilities endpoints; both may be left zero-valued by a
	// caller that has no app-level config or named collaborators to
	// report.
	appConfig    *config.Config
	capabilities CapabilityInfo

	// instanceID identifies this server process in API responses that
	// carry a session_id; the workflow itself holds exactly one
	// in-memory session with no persisted identity of its own, so this
	// is generated once at startup rather than stored on the Session.
	instanceID string
}

// New wires a Server around an already-constructed Bus/SessionStore/
// EventBus/Storage. The caller (cmd/nwbflow-server) is responsible for
// calling agent.RegisterAll against the same Bus before requests arrive.
// appConfig and caps back the config/capabilities introspection endpoints
// and may be left nil/zero when the caller has none to report.
func New(cfg *Config, appConfig *config.Config, caps CapabilityInfo, b *bus.Bus, sessions *sessionstore.Store, events *event.Bus, store *storage.Store) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:           cfg,
		router:           r,
		bus:              b,
		sessions:         sessions,
		events:           events,
		storage:          store,
		maxRetryAttempts: cfg.MaxRetryAttempts,
		appConfig:        appConfig,
		capabilities:     caps,
		instanceID:       ulid.Make().String(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start runs the HTTP server until it errors or is shut down. It blocks.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, letting in-flight requests
// (including /events streams) drain until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
