// Package diag implements a small HTTP+WebSocket diagnostics server for
// operators: a snapshot of every car session's state, its per-module
// pending-command depth, recent audit history, and a live WebSocket
// feed of operational events.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetproto/carserver/internal/audit"
	"github.com/fleetproto/carserver/internal/buildinfo"
	"github.com/fleetproto/carserver/internal/obsevents"
)

// SessionSnapshot is a point-in-time view of one car's session, safe to
// serialize as JSON.
type SessionSnapshot struct {
	Company         string         `json:"company"`
	Car             string         `json:"car"`
	State           string         `json:"state"`
	SessionID       string         `json:"session_id,omitempty"`
	PendingCommands map[string]int `json:"pending_commands,omitempty"`
}

// SessionSource supplies the current snapshot of every running session.
// The Supervisor implements this; it is defined here so diag does not
// import supervisor.
type SessionSource interface {
	Snapshot() []SessionSnapshot
}

// Server serves /healthz, /sessions, /sessions/{company}/{car}/audit,
// and a /events WebSocket feed.
type Server struct {
	addr     string
	sessions SessionSource
	events   *obsevents.Bus
	audit    *audit.Store
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer builds a diagnostics Server. audit may be nil, in which
// case the audit endpoint reports an empty history.
func NewServer(addr string, sessions SessionSource, events *obsevents.Bus, auditStore *audit.Store, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		sessions: sessions,
		events:   events,
		audit:    auditStore,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Diagnostics is bound to localhost/trusted networks per
			// deployment, not exposed to arbitrary browser origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving HTTP requests. It blocks until the server stops
// (ListenAndServe semantics); call Shutdown from another goroutine to
// stop it gracefully.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{company}/{car}/audit", s.handleSessionAudit)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting diagnostics server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("diag request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("diag: failed to write JSON response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sessions.Snapshot(), s.logger)
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	company := r.PathValue("company")
	car := r.PathValue("car")

	if s.audit == nil {
		writeJSON(w, []audit.Record{}, s.logger)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := s.audit.Recent(company, car, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("query audit history: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs, s.logger)
}

// handleEvents upgrades to a WebSocket and streams every obsevents.Bus
// event as a JSON text message until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("diag: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(64)
	defer s.events.Unsubscribe(ch)

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
