package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/history"
	"github.com/cyderes/job-import-service/internal/models"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server handles HTTP requests
type Server struct {
	config  config.ServerConfig
	history *history.Service
	store   Pinger
	logger  *zap.SugaredLogger
	server  *http.Server
	now     func() time.Time
}

// historyResponse is the envelope the dashboard consumes.
type historyResponse struct {
	Success    bool               `json:"success"`
	Message    string             `json:"message,omitempty"`
	Data       []models.ImportLog `json:"data"`
	Pagination history.Pagination `json:"pagination"`
	Timestamp  string             `json:"timestamp"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, svc *history.Service, store Pinger, logger *zap.SugaredLogger) *Server {
	s := &Server{
		config:  cfg,
		history: svc,
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Routes returns the HTTP handler with every endpoint mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(allowCORS)

	r.Get("/health", s.handleHealth)
	r.Get("/import-logs", s.handleImportLogs)
	// Path used by the existing dashboard.
	r.Get("/import-logs/getImportLogsData", s.handleImportLogs)

	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Infow("http server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth reports 503 when the store cannot be reached
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warnw("health check failed", "error", err)
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"time":   s.now().Format(time.RFC3339),
	})
}

// handleImportLogs serves one page of import history
func (s *Server) handleImportLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, err := s.history.ParseParams(q.Get("page"), q.Get("limit"), q.Get("feedUrl"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.history.Query(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Success:    true,
		Message:    "Import logs retrieved successfully",
		Data:       page.Logs,
		Pagination: page.Pagination,
		Timestamp:  s.now().Format(time.RFC3339),
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := history.StatusCode(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.logger.Errorw("history query failed", "error", err, "requestId", middleware.GetReqID(r.Context()))
		msg = http.StatusText(code)
	}
	writeJSON(w, code, errorResponse{
		Success:   false,
		Error:     msg,
		Timestamp: s.now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
