// Package ws serves the optional rate monitor: a websocket stream of rate,
// mode and controller cycle updates plus small JSON endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"bongo/internal/database"
	"bongo/internal/state"
)

// History lists recorded rate changes, newest first.
type History interface {
	ListRateEvents(since *time.Time, limit int) ([]*database.RateEventRecord, error)
}

// StatusFunc reports whether the adaptive controller is running.
type StatusFunc func() bool

// Server is the monitor HTTP server
type Server struct {
	hub     *RateHub
	state   *state.State
	history History    // Optional
	running StatusFunc // Optional
	logger  zerolog.Logger
	mux     *http.ServeMux
}

// NewServer wires the monitor routes
func NewServer(hub *RateHub, st *state.State, history History, running StatusFunc, logger zerolog.Logger) *Server {
	s := &Server{
		hub:     hub,
		state:   st,
		history: history,
		running: running,
		logger:  logger.With().Str("component", "monitor").Logger(),
		mux:     http.NewServeMux(),
	}
	s.mux.Handle("GET /ws/rate", NewHandler(hub, st, s.logger))
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("monitor listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusResponse struct {
	Rate              float64    `json:"rate"`
	Mode              state.Mode `json:"mode"`
	ControllerRunning bool       `json:"controller_running"`
	Clients           int        `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	resp := statusResponse{
		Rate:    snap.Rate,
		Mode:    snap.Mode,
		Clients: s.hub.ClientCount(),
	}
	if s.running != nil {
		resp.ControllerRunning = s.running()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history not available", http.StatusNotFound)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = &t
	}

	events, err := s.history.ListRateEvents(since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list rate events")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*database.RateEventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
