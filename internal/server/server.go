// Package server exposes the sync engine over HTTP: account endpoints,
// health and metrics, and the websocket sync sessions.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperengineering/ledgersync"
	"github.com/hyperengineering/ledgersync/internal/identity"
)

// Server routes HTTP traffic to the identity service and the sync engine.
type Server struct {
	engine   *ledgersync.Engine
	registry *ledgersync.Registry
	ids      *identity.Service
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New wires a server. The registry is shared with the engine; registration
// uses it to create the account's replica eagerly.
func New(engine *ledgersync.Engine, registry *ledgersync.Registry, ids *identity.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:   engine,
		registry: registry,
		ids:      ids,
		log:      log,
		upgrader: websocket.Upgrader{
			// Sessions are authorized by bearer token, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/sync", s.handleSync)

	return r
}

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API is up and running!"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if !readJSON(w, r, &body) {
		return
	}
	if body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	account, err := s.ids.Register(r.Context(), body.Email, body.Password)
	if errors.Is(err, identity.ErrAccountExists) {
		writeError(w, http.StatusForbidden, "account already exists")
		return
	}
	if err != nil {
		s.log.Error("register failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Create the replica now so the first sync session finds it in place.
	if _, err := s.registry.Open(account.AccountUUID); err != nil {
		s.log.Error("create replica failed",
			zap.String("account", account.AccountUUID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.log.Info("account registered", zap.String("account", account.AccountUUID.String()))
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Account successfully registered!"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if !readJSON(w, r, &body) {
		return
	}

	token, err := s.ids.Login(r.Context(), body.Email, body.Password)
	if errors.Is(err, identity.ErrCredentialsMismatch) {
		writeError(w, http.StatusForbidden, "credentials mismatch")
		return
	}
	if err != nil {
		s.log.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "token_type": "bearer"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := s.ids.Revoke(r.Context(), r.Header.Get("Authorization"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Token revoked."})
	case errors.Is(err, identity.ErrTokenMissing):
		writeError(w, http.StatusBadRequest, "missing authorization header")
	case errors.Is(err, identity.ErrTokenMalformed), errors.Is(err, identity.ErrTokenInvalid):
		writeError(w, http.StatusForbidden, "token is invalid")
	default:
		s.log.Error("logout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleSync authorizes the bearer credential, upgrades the connection, and
// hands it to a session. Authorization happens before the upgrade so an
// unauthorized peer never gets a websocket.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	authorization := r.Header.Get("Authorization")
	accountID, err := s.ids.Verify(r.Context(), authorization)
	if err != nil {
		sessionsTotal.WithLabelValues("refused").Inc()
		s.log.Warn("sync session refused", zap.Error(err))
		status := http.StatusUnauthorized
		if errors.Is(err, identity.ErrTokenMissing) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "authorization refused")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sessionsTotal.WithLabelValues("opened").Inc()
	sessionID := ulid.Make().String()
	sess := &session{
		id:            sessionID,
		accountID:     accountID,
		authorization: authorization,
		conn:          conn,
		engine:        s.engine,
		ids:           s.ids,
		log: s.log.With(
			zap.String("session", sessionID),
			zap.String("account", accountID.String())),
	}
	sess.run(r.Context())
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
