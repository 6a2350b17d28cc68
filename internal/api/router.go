package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Options wires the server's collaborators. Verifier nil means open access
// (local development); Usage and Metrics are optional.
type Options struct {
	Sessions SessionService
	Terminal Terminal
	Usage    UsageSource
	Verifier TokenVerifier
	Runtime  Pinger
	Images   ImageCache
	Metrics  http.Handler
	Logger   *slog.Logger
}

type Server struct {
	manager  SessionService
	terminal Terminal
	usage    UsageSource
	verifier TokenVerifier
	runtime  Pinger
	images   ImageCache
	metrics  http.Handler
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(opts Options) *Server {
	s := &Server{
		manager:  opts.Sessions,
		terminal: opts.Terminal,
		usage:    opts.Usage,
		verifier: opts.Verifier,
		runtime:  opts.Runtime,
		images:   opts.Images,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /labs/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /labs/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /labs/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /labs/sessions/{id}", s.handleRemoveSession)
	s.mux.HandleFunc("POST /labs/sessions/{id}/stop", s.handleStopSession)
	s.mux.HandleFunc("POST /labs/sessions/{id}/resize", s.handleResizeSession)
	s.mux.HandleFunc("GET /labs/sessions/{id}/usage", s.handleSessionUsage)
	s.mux.HandleFunc("GET /labs/sessions/{id}/exec", s.handleExec)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

const healthTimeout = 3 * time.Second

type healthResponse struct {
	Status  string          `json:"status"`
	Runtime string          `json:"runtime,omitempty"`
	Images  map[string]bool `json:"images_warm,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	if s.runtime != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.runtime.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Runtime = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.images != nil {
		resp.Images = make(map[string]bool)
		for image, at := range s.images.Status() {
			resp.Images[image] = !at.IsZero()
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
