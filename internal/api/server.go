// Package api is the HTTP control plane: run submission (JSON and multipart
// upload), listing, per-run control operations, log and event retrieval, and
// aggregate stats. Paths are part of the wire contract.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/runforge/runforge/internal/history"
	"github.com/runforge/runforge/internal/runs"
)

// ServerConfig wires the control plane's collaborators and policy.
type ServerConfig struct {
	Registry   *runs.Registry
	History    *history.Store
	UploadsDir string
	AllowRoot  string
	Suffixes   []string
	Log        *slog.Logger
}

// Server holds the control-plane dependencies.
type Server struct {
	registry   *runs.Registry
	history    *history.Store
	validate   *validator.Validate
	uploadsDir string
	allowRoot  string
	suffixes   []string
	log        *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{
		registry:   cfg.Registry,
		history:    cfg.History,
		validate:   validator.New(),
		uploadsDir: cfg.UploadsDir,
		allowRoot:  cfg.AllowRoot,
		suffixes:   cfg.Suffixes,
		log:        cfg.Log,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/run", s.handleSubmit)
		r.Post("/run/upload", s.handleUpload)
		r.Get("/runs", s.handleList)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/cancel", s.controlHandler(s.registry.Cancel))
			r.Post("/stop", s.controlHandler(s.registry.Stop))
			r.Post("/kill", s.controlHandler(s.registry.Kill))
			r.Post("/restart", s.handleRestart)
			r.Get("/logs", s.handleLogs)
			r.Get("/events", s.handleEvents)
		})
		r.Get("/stats", s.handleStats)
		r.Get("/history", s.handleHistory)
		r.Get("/metrics/{name}", s.handleMetricStats)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		s.log.Info("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(req.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
