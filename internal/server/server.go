// Package server is the HTTP surface of the orchestrator: auth and
// Telegram login endpoints, chat browsing, logging-session and listener
// management, health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/authflow"
	"github.com/solanagram/backend/internal/clients"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/metrics"
	"github.com/solanagram/backend/internal/workers"
)

type Server struct {
	db      *database.DB
	manager *clients.Manager
	flow    *authflow.Controller
	sup     *workers.Supervisor
	tokens  *auth.TokenService
	authMW  *auth.Middleware
	enc     *auth.Encryptor
	bridge  *clients.Bridge
	logins  *metrics.LoginTracker
	log     zerolog.Logger
	httpSrv *http.Server
	port    int
}

// ServerConfig carries everything the HTTP layer depends on. Logins
// defaults to a fresh tracker and Bridge to a default-sized bridge;
// everything else is required.
type ServerConfig struct {
	DB         *database.DB
	Manager    *clients.Manager
	Flow       *authflow.Controller
	Supervisor *workers.Supervisor
	Tokens     *auth.TokenService
	Encryptor  *auth.Encryptor
	Bridge     *clients.Bridge
	Logins     *metrics.LoginTracker
	Port       int
	Logger     zerolog.Logger
}

func New(cfg ServerConfig) *Server {
	if cfg.Logins == nil {
		cfg.Logins = metrics.NewLoginTracker()
	}
	if cfg.Bridge == nil {
		cfg.Bridge = clients.NewBridge(0, 0, cfg.Logger)
	}

	s := &Server{
		db:      cfg.DB,
		manager: cfg.Manager,
		flow:    cfg.Flow,
		sup:     cfg.Supervisor,
		tokens:  cfg.Tokens,
		authMW:  auth.NewMiddleware(cfg.Tokens),
		enc:     cfg.Encryptor,
		bridge:  cfg.Bridge,
		logins:  cfg.Logins,
		log:     cfg.Logger.With().Str("component", "http").Logger(),
		port:    cfg.Port,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.corsMiddleware(s.observeMiddleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check and Prometheus exposition
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Auth API (public half: no Telegram session yet)
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/verify-code", s.handleVerifyCode)
	mux.HandleFunc("GET /api/auth/check-cached-code", s.handleCheckCachedCode)
	mux.HandleFunc("POST /api/auth/clear-cached-code", s.handleClearCachedCode)

	// Auth API (bearer half)
	mux.Handle("POST /api/auth/validate-session", s.protected(s.handleValidateSession))
	mux.Handle("POST /api/auth/reactivate-session", s.protected(s.handleReactivateSession))
	mux.Handle("POST /api/auth/verify-session-code", s.protected(s.handleVerifySessionCode))
	mux.Handle("POST /api/auth/update-credentials", s.protected(s.handleUpdateCredentials))
	mux.Handle("POST /api/auth/change-password", s.protected(s.handleChangePassword))
	mux.Handle("POST /api/auth/logout", s.protected(s.handleLogout))

	// Telegram API
	mux.Handle("GET /api/telegram/get-chats", s.protected(s.handleGetChats))

	// Chat logging API
	mux.Handle("POST /api/logging/sessions", s.protected(s.handleStartLoggingSession))
	mux.Handle("GET /api/logging/sessions", s.protected(s.handleListLoggingSessions))
	mux.Handle("POST /api/logging/sessions/{id}/stop", s.protected(s.handleStopLoggingSession))
	mux.Handle("DELETE /api/logging/sessions/{id}", s.protected(s.handleDeleteLoggingSession))
	mux.Handle("GET /api/logging/messages/{session_id}", s.protected(s.handleSessionMessages))
	mux.Handle("GET /api/logging/chat/{chat_id}/status", s.protected(s.handleChatLoggingStatus))

	// Listener API
	mux.Handle("POST /api/listeners", s.protected(s.handleCreateListener))
	mux.Handle("GET /api/listeners", s.protected(s.handleListListeners))
	mux.Handle("POST /api/listeners/{id}/stop", s.protected(s.handleStopListener))
	mux.Handle("POST /api/listeners/{id}/start", s.protected(s.handleStartListener))
	mux.Handle("DELETE /api/listeners/{id}", s.protected(s.handleDeleteListener))
	mux.Handle("POST /api/listeners/{id}/elaborations", s.protected(s.handleCreateElaboration))
	mux.Handle("GET /api/listeners/{id}/elaborations", s.protected(s.handleListElaborations))
	mux.Handle("PUT /api/listeners/{id}/elaborations/{eid}", s.protected(s.handleUpdateElaboration))
	mux.Handle("DELETE /api/listeners/{id}/elaborations/{eid}", s.protected(s.handleDeleteElaboration))
	mux.Handle("GET /api/listeners/{id}/messages", s.protected(s.handleListenerMessages))
	mux.Handle("GET /api/listeners/{id}/extracted-values", s.protected(s.handleExtractedValues))

	// Login performance API
	mux.Handle("GET /api/metrics/login-performance", s.protected(s.handleLoginPerformance))
}

// protected wraps a handler with the JWT bearer check.
func (s *Server) protected(h http.HandlerFunc) http.Handler {
	return s.authMW.RequireAuth(h)
}

// telegramOp dispatches one Telegram-touching operation through the
// async bridge, so handlers share a bounded pool with a wall-clock
// deadline instead of holding client work for as long as the socket
// stays open.
func (s *Server) telegramOp(r *http.Request, name string, op func(ctx context.Context) error) error {
	return s.bridge.Run(r.Context(), name, op)
}

func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("http server listening")
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the server's HTTP handler for testing purposes
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// corsMiddleware adds CORS headers so the web dashboard can call the API
// from another origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// observeMiddleware records one log line and the Prometheus counters per
// request. The route label comes from the matched mux pattern, never the
// raw path, so label cardinality stays bounded.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, fmt.Sprintf("%d", rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		evt := s.log.Debug()
		if rec.status >= 500 {
			evt = s.log.Warn()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
