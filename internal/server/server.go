// ABOUTME: HTTP server wiring routes, auth middleware, and graceful shutdown
// ABOUTME: JSON API plus SSE and websocket streams for live updates

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/relieflink/relieflink/internal/config"
	"github.com/relieflink/relieflink/internal/identity"
	"github.com/relieflink/relieflink/internal/messaging"
	"github.com/relieflink/relieflink/internal/presence"
	"github.com/relieflink/relieflink/internal/store"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const userIDContextKey contextKey = "user_id"

// Server is the HTTP front door: identity endpoints, the send/read API,
// and the live streams clients subscribe to.
type Server struct {
	config     *config.Config
	store      store.Store
	engine     *messaging.Engine
	identity   *identity.Service
	presence   presence.Tracker
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a server with routes registered
func New(cfg *config.Config, st store.Store, engine *messaging.Engine, ident *identity.Service, tracker presence.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		store:    st,
		engine:   engine,
		identity: ident,
		presence: tracker,
		logger:   logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// RegisterRoutes registers all routes on the given mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Public routes (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/otp/request", s.handleOTPRequest)
	mux.HandleFunc("POST /api/otp/verify", s.handleOTPVerify)

	// Protected routes (auth required)
	mux.HandleFunc("GET /api/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("PUT /api/me", s.requireAuth(s.handleUpdateMe))
	mux.HandleFunc("GET /api/users", s.requireAuth(s.handleListUsers))
	mux.HandleFunc("POST /api/send", s.requireAuth(s.handleSend))
	mux.HandleFunc("POST /api/conversations/{id}/read", s.requireAuth(s.handleMarkRead))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.requireAuth(s.handleMessageStream))
	mux.HandleFunc("GET /api/conversations", s.requireAuth(s.handleConversationStream))
	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWebSocket))
}

// Run starts the HTTP server and blocks until ctx is cancelled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}

// requireAuth wraps a handler with bearer token authentication. Streaming
// endpoints also accept a token query parameter because EventSource and
// websocket clients cannot set headers.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := extractToken(r)
		if errMsg != "" {
			s.sendJSONError(w, http.StatusUnauthorized, errMsg)
			return
		}

		user, err := s.identity.CurrentUser(r.Context(), token)
		if err != nil {
			s.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Any authenticated request counts as a heartbeat
		if err := s.presence.Heartbeat(r.Context(), user.ID); err != nil {
			s.logger.Warn("heartbeat failed", "user_id", user.ID, "error", err)
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, user.ID)
		next(w, r.WithContext(ctx))
	}
}

// extractToken pulls a bearer token from the Authorization header or the
// token query parameter. Returns the token and an error message (empty if
// successful).
func extractToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}

	return "", "missing authorization"
}

// userIDFromContext returns the authenticated user ID set by requireAuth
func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDContextKey).(string)
	return id
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendJSON writes a JSON response with the given status.
func (s *Server) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
