// Package web exposes the dashboard's REST and WebSocket surface.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rennteam/pitwall/internal/auth"
	"github.com/rennteam/pitwall/internal/config"
	"github.com/rennteam/pitwall/internal/forms"
	"github.com/rennteam/pitwall/internal/store"
	"github.com/rennteam/pitwall/internal/telemetry"
	"github.com/rennteam/pitwall/internal/values"
)

// Server is the HTTP server for the pit wall API.
type Server struct {
	cfg      config.Config
	db       *store.DB
	registry *forms.Registry
	values   *values.Service
	tokens   *auth.Tokens
	source   *telemetry.Manager
	hub      *telemetry.Hub
	logger   *zap.SugaredLogger

	mux    *http.ServeMux
	server *http.Server
}

// New wires the API over the already-constructed services.
func New(cfg config.Config, db *store.DB, registry *forms.Registry, svc *values.Service, tokens *auth.Tokens, source *telemetry.Manager, hub *telemetry.Hub, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:      cfg,
		db:       db,
		registry: registry,
		values:   svc,
		tokens:   tokens,
		source:   source,
		hub:      hub,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     s.cors(s.mux),
		ReadTimeout: 15 * time.Second,
		// WS streams need no write timeout; REST handlers carry their own
		// 30 s context deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	// Public.
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /auth/login", s.withTimeout(s.handleLogin))

	// Authenticated.
	s.mux.HandleFunc("GET /auth/me", s.withTimeout(s.auth(s.handleMe)))
	s.mux.HandleFunc("GET /roles", s.withTimeout(s.auth(s.handleRoles)))
	s.mux.HandleFunc("GET /forms", s.withTimeout(s.auth(s.handleListForms)))
	s.mux.HandleFunc("GET /forms/{role}", s.withTimeout(s.auth(s.handleGetForm)))
	s.mux.HandleFunc("GET /forms/{role}/values", s.withTimeout(s.auth(s.handleFormValues)))
	s.mux.HandleFunc("POST /forms/{role}/submit", s.withTimeout(s.auth(s.handleSubmitForm)))
	s.mux.HandleFunc("GET /telemetry/channels", s.withTimeout(s.auth(s.handleChannels)))
	s.mux.HandleFunc("GET /telemetry/source", s.withTimeout(s.auth(s.handleSourceStatus)))
	s.mux.HandleFunc("GET /telemetry/preferences", s.withTimeout(s.auth(s.handleGetPreferences)))
	s.mux.HandleFunc("PUT /telemetry/preferences", s.withTimeout(s.auth(s.handleSavePreferences)))

	// Admin.
	s.mux.HandleFunc("GET /admin/users", s.withTimeout(s.admin(s.handleListUsers)))
	s.mux.HandleFunc("POST /admin/users", s.withTimeout(s.admin(s.handleCreateUser)))
	s.mux.HandleFunc("DELETE /admin/users/{id}", s.withTimeout(s.admin(s.handleDeleteUser)))
	s.mux.HandleFunc("PUT /admin/users/{id}/password", s.withTimeout(s.admin(s.handleUpdatePassword)))
	s.mux.HandleFunc("PUT /admin/users/{id}/roles", s.withTimeout(s.admin(s.handleUpdateRoles)))
	s.mux.HandleFunc("GET /admin/audit", s.withTimeout(s.admin(s.handleAudit)))
	s.mux.HandleFunc("GET /admin/watch-directory", s.withTimeout(s.admin(s.handleGetWatchDir)))
	s.mux.HandleFunc("PUT /admin/watch-directory", s.withTimeout(s.admin(s.handleSetWatchDir)))
	s.mux.HandleFunc("GET /admin/ldx-files", s.withTimeout(s.admin(s.handleListLdxFiles)))
	s.mux.HandleFunc("GET /admin/ldx-files/{name}/injections", s.withTimeout(s.admin(s.handleLdxInjections)))
	s.mux.HandleFunc("GET /admin/ldx-stats", s.withTimeout(s.admin(s.handleLdxStats)))
	s.mux.HandleFunc("POST /admin/export-db", s.withTimeout(s.admin(s.handleExportDB)))
	s.mux.HandleFunc("POST /admin/clear-data", s.withTimeout(s.admin(s.handleClearData)))
	s.mux.HandleFunc("GET /admin/sensors", s.withTimeout(s.admin(s.handleListSensors)))
	s.mux.HandleFunc("POST /admin/sensors", s.withTimeout(s.admin(s.handleCreateSensor)))
	s.mux.HandleFunc("PUT /admin/sensors/{id}", s.withTimeout(s.admin(s.handleUpdateSensor)))
	s.mux.HandleFunc("DELETE /admin/sensors/{id}", s.withTimeout(s.admin(s.handleDeleteSensor)))
	s.mux.HandleFunc("GET /admin/serial/config", s.withTimeout(s.admin(s.handleGetSerialConfig)))
	s.mux.HandleFunc("PUT /admin/serial/config", s.withTimeout(s.admin(s.handleSetSerialConfig)))
	s.mux.HandleFunc("PUT /admin/serial/source", s.withTimeout(s.admin(s.handleSetSource)))
	s.mux.HandleFunc("POST /admin/serial/restart", s.withTimeout(s.admin(s.handleSerialRestart)))

	// Streaming; manages its own deadlines.
	s.mux.HandleFunc("GET /ws/telemetry", s.handleTelemetryWS)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Infow("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
