package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/tiermem/internal/engine"
)

// DefaultBudget is the context size returned when a request names none.
const DefaultBudget = 4000

// Server is the tiermem HTTP API server.
type Server struct {
	mgr     *engine.Manager
	router  chi.Router
	version string
	budget  int
	started time.Time
	logger  *slog.Logger
}

// New creates a new Server over mgr. budget is the default context size for
// /api/context; 0 uses DefaultBudget.
func New(mgr *engine.Manager, version string, budget int, logger *slog.Logger) *Server {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mgr:     mgr,
		version: version,
		budget:  budget,
		started: time.Now(),
		logger:  logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/observations", s.handleCapture)
		r.Get("/observations/{id}", s.handleGetObservation)
		r.Get("/context", s.handleGetContext)
		r.Get("/search", s.handleSearch)
		r.Get("/recent", s.handleRecent)
		r.Post("/maintenance", s.handleMaintenance)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.mgr.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
