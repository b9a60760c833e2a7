// Package transport exposes the collection over HTTP and the change feed over WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"project-feed/internal/collection"
	"project-feed/internal/hub"
	"project-feed/internal/metrics"
	"project-feed/internal/store"
)

// Pinger reports whether the record store is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Options configures observer connections
type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
}

type Server struct {
	service *collection.Service
	hub     *hub.Hub
	health  Pinger
	metrics *metrics.Metrics
	opts    Options
	logger  *logrus.Logger
}

// NewServer wires the HTTP surface. health and m may be nil.
func NewServer(service *collection.Service, h *hub.Hub, health Pinger, m *metrics.Metrics, opts Options, logger *logrus.Logger) *Server {
	opts.setDefaults()
	return &Server{service: service, hub: h, health: health, metrics: m, opts: opts, logger: logger}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /collection", s.instrument(http.HandlerFunc(s.handleGetPage)))
	mux.Handle("PATCH /collection/{id}", s.instrument(http.HandlerFunc(s.handleUpdateTitle)))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := s.service.ParseParams(q.Get("page"), q.Get("limit"))

	result, err := s.service.GetPage(r.Context(), page, limit)
	if err != nil {
		s.logger.Errorf("Error fetching page %d (limit %d): %v", page, limit, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type updateTitleRequest struct {
	Title *string `json:"title"`
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "Project not found")
		return
	}

	var req updateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := s.service.UpdateTitle(r.Context(), id, *req.Title)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, collection.ErrInvalidTitle):
		writeError(w, http.StatusBadRequest, "Invalid request body")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Project not found")
	default:
		s.logger.Errorf("Error updating project %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.PingContext(ctx); err != nil {
			s.logger.Warnf("Health check failed: %v", err)
			status, code = "store unavailable", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{"status": status, "observers": s.hub.Len()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTP(r.Pattern, rec.status, time.Since(start))
		s.logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
