package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pbaille/agrolog/internal/config"
	"github.com/pbaille/agrolog/internal/domain"
	"github.com/pbaille/agrolog/internal/logging"
	"github.com/pbaille/agrolog/internal/metrics"
	"github.com/pbaille/agrolog/internal/pipeline"
)

const maxBodyBytes = 1 << 20

// ReportService is the set of use-cases the API exposes
type ReportService interface {
	CreateReport(ctx context.Context, in pipeline.CreateReportInput) (*domain.Report, error)
	UpdateContent(ctx context.Context, id, content string) (*domain.Report, error)
	ProcessMention(ctx context.Context, id, query string) (*domain.Interaction, error)
	GetReport(ctx context.Context, id string) (*domain.Report, error)
	ListReports(ctx context.Context, page, pageSize int) (*pipeline.Page, error)
	ListUserReports(ctx context.Context, userID string) ([]*domain.Report, error)
	DeleteReport(ctx context.Context, id string) error
}

// Pinger reports whether the reasoning service is reachable
type Pinger interface {
	Ping(ctx context.Context) bool
}

// Server handles HTTP requests for the report API
type Server struct {
	svc    ReportService
	pinger Pinger
	cfg    config.ServerConfig
	logger *zap.Logger
}

// New creates a new API server
func New(svc ReportService, pinger Pinger, cfg config.ServerConfig, logger *zap.Logger) *Server {
	metrics.Register()
	return &Server{
		svc:    svc,
		pinger: pinger,
		cfg:    cfg,
		logger: logging.OrNop(logger).With(zap.String("component", "api")),
	}
}

// Handler returns the routed handler with CORS and request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Posts
	mux.HandleFunc("GET /api/posts", s.listReports)
	mux.HandleFunc("POST /api/posts", s.createReport)
	mux.HandleFunc("GET /api/posts/{id}", s.getReport)
	mux.HandleFunc("PUT /api/posts/{id}", s.updateReport)
	mux.HandleFunc("DELETE /api/posts/{id}", s.deleteReport)
	mux.HandleFunc("POST /api/posts/{id}/mention", s.mention)
	mux.HandleFunc("GET /api/posts/user/{userId}", s.listUserReports)

	// Operations
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /ready", s.ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	return withCORS(s.withLogging(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting server", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		s.logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// withCORS adds CORS headers for frontend development
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if s.pinger == nil || !s.pinger.Ping(ctx) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// CreatePostRequest is the request body for creating a post
type CreatePostRequest struct {
	Content  string `json:"content"`
	Location string `json:"location,omitempty"`
}

// UpdatePostRequest is the request body for editing a post
type UpdatePostRequest struct {
	Content string `json:"content"`
}

// MentionRequest is the request body for a follow-up question
type MentionRequest struct {
	Query string `json:"query"`
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = s.cfg.DefaultUser
	}

	report, err := s.svc.CreateReport(r.Context(), pipeline.CreateReportInput{
		UserID:   userID,
		Content:  req.Content,
		Location: req.Location,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toReportResponse(report))
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(report))
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 10)

	p, err := s.svc.ListReports(r.Context(), page, pageSize)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPagedResponse(p))
}

func (s *Server) listUserReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.svc.ListUserReports(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponses(reports))
}

func (s *Server) updateReport(w http.ResponseWriter, r *http.Request) {
	var req UpdatePostRequest
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := s.svc.UpdateContent(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(report))
}

func (s *Server) deleteReport(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteReport(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mention(w http.ResponseWriter, r *http.Request) {
	var req MentionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in, err := s.svc.ProcessMention(r.Context(), r.PathValue("id"), req.Query)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInteractionResponse(*in))
}

// writeServiceError maps use-case errors onto HTTP statuses. Unexpected
// errors are logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var svcErr *domain.ServiceError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "post not found")
	case errors.As(err, &svcErr):
		s.logger.Warn("reasoning service error",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "reasoning service unavailable")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
