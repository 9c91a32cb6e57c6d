// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the pipeline's operating controls over HTTP: mode
// transitions, ingest status, on-demand rule emission, health and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"grimm.is/sml/internal/config"
	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/logging"
	"grimm.is/sml/internal/metrics"
	"grimm.is/sml/internal/mode"
	"grimm.is/sml/internal/rules"
	"grimm.is/sml/internal/store"
	"grimm.is/sml/internal/tailer"
)

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns the default server timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// IngestStats is the tailer's counter snapshot.
type IngestStats interface {
	Stats() tailer.Stats
}

// EmitRunner triggers one rule-emitter batch.
type EmitRunner interface {
	Run(ctx context.Context) (rules.Outcome, error)
}

// Server handles API requests.
type Server struct {
	store     *store.Store
	modes     *mode.Controller
	cfg       *config.Config
	logger    *logging.Logger
	ingest    IngestStats // optional
	emitter   EmitRunner  // optional
	startTime time.Time

	mux *http.ServeMux
}

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Store   *store.Store
	Modes   *mode.Controller
	Config  *config.Config
	Logger  *logging.Logger
	Ingest  IngestStats // optional: nil when the tailer is not running
	Emitter EmitRunner  // optional: nil disables POST /api/emit
}

// NewServer creates an API server with the provided options.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	s := &Server{
		store:     opts.Store,
		modes:     opts.Modes,
		cfg:       opts.Config,
		logger:    logger,
		ingest:    opts.Ingest,
		emitter:   opts.Emitter,
		startTime: time.Now(),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("GET /api/mode", s.handleGetMode)
	mux.HandleFunc("POST /api/mode", s.handleSetMode)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/emit", s.handleEmit)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("GET /metrics", metrics.Handler())
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	cfg := DefaultServerConfig()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	collector := metrics.NewCollector(s.logger, 30*time.Second, s.sampleStore)
	go collector.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("API listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sampleStore feeds the store gauges.
func (s *Server) sampleStore(ctx context.Context) (metrics.Sample, error) {
	events, err := s.store.CountEvents(ctx)
	if err != nil {
		return metrics.Sample{}, err
	}
	sessions, err := s.store.DistinctSessions(ctx)
	if err != nil {
		return metrics.Sample{}, err
	}
	return metrics.Sample{Events: events, Sessions: len(sessions)}, nil
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	st, err := s.modes.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type setModeRequest struct {
	Mode       string `json:"mode"`
	NewSession bool   `json:"new_session"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target, err := mode.Parse(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.modes.Set(r.Context(), target, req.NewSession)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// statusResponse is the aggregate pipeline view for dashboards.
type statusResponse struct {
	Mode          mode.Status   `json:"mode"`
	Events        int           `json:"events"`
	Sessions      []string      `json:"sessions"`
	Ingest        *tailer.Stats `json:"ingest,omitempty"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := s.modes.Get(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := s.store.CountEvents(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sessions, err := s.store.DistinctSessions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{
		Mode:          st,
		Events:        count,
		Sessions:      sessions,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if s.ingest != nil {
		stats := s.ingest.Stats()
		resp.Ingest = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	if s.emitter == nil {
		writeError(w, http.StatusServiceUnavailable, "emitter not running")
		return
	}
	out, err := s.emitter.Run(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.GetKind(err) == errors.KindNotFound {
			status = http.StatusConflict // no trained model yet
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// A failing count means the event store is unusable.
	if _, err := s.store.CountEvents(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
