// Package admin exposes an operator-facing HTTP surface: a health
// check, a point-in-time status snapshot of every supervised service,
// a WebSocket stream of that same snapshot for dashboards that want
// to watch state changes live, and recent launch/stop history when
// audit logging is enabled. None of this is on the data path; a
// public connection is proxied by internal/proxy without ever
// touching this package.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wakeproxy/wakeproxy/internal/audit"
	"github.com/wakeproxy/wakeproxy/internal/supervisor"
)

// pushInterval is how often the /events WebSocket sends a fresh
// snapshot to connected clients.
const pushInterval = 2 * time.Second

// defaultHistoryLimit bounds how many audit rows /history returns
// when the caller does not supply its own limit.
const defaultHistoryLimit = 50

// HistorySource is the subset of audit.Logger the admin server needs.
// Kept as an interface so a nil backend (audit disabled) can be
// represented without a direct *audit.Logger dependency.
type HistorySource interface {
	Recent(n int) ([]audit.Event, error)
}

// Server is the admin HTTP server. Build one with New, register it
// with an http.Server, and call it from cmd/wakeproxyd's lifecycle.
type Server struct {
	router      chi.Router
	controllers map[string]*supervisor.Controller
	history     HistorySource
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// New builds an admin Server fronting the given named controllers.
// history may be nil, in which case /history reports that audit
// logging is disabled rather than erroring.
func New(controllers map[string]*supervisor.Controller, history HistorySource, log zerolog.Logger) *Server {
	s := &Server{
		controllers: controllers,
		history:     history,
		log:         log.With().Str("component", "admin").Logger(),
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/history", s.handleHistory)
	s.router = r

	return s
}

// ServeHTTP lets Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) snapshot() []supervisor.Status {
	statuses := make([]supervisor.Status, 0, len(s.controllers))
	for _, c := range s.controllers {
		statuses = append(statuses, c.Status())
	}
	return statuses
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.log.Error().Err(err).Msg("encode status response")
	}
}

// handleHistory returns the most recent audit events across every
// supervised service, newest first. The limit can be overridden with
// ?n=; an invalid or missing value falls back to defaultHistoryLimit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "audit logging is disabled"})
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.history.Recent(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("read audit history")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.log.Error().Err(err).Msg("encode history response")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.snapshot()); err != nil {
				return
			}
		}
	}
}
