package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/config"
	"github.com/radiusdt/vector-roas/internal/hierarchy"
	"github.com/radiusdt/vector-roas/internal/metrics"
	"github.com/radiusdt/vector-roas/internal/middleware"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/radiusdt/vector-roas/internal/rollup"
	"github.com/radiusdt/vector-roas/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Trigger starts a pipeline run.
type Trigger interface {
	Run(ctx context.Context, asOf time.Time) (*models.Run, error)
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Store   storage.Store
	Runner  Trigger
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server exposes the operational endpoints of the engine.
type Server struct {
	store   storage.Store
	runner  Trigger
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		store:   deps.Store,
		runner:  deps.Runner,
		config:  deps.Config,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health & Metrics
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil && (s.config == nil || s.config.Metrics.Enabled) {
		path := "/metrics"
		if s.config != nil && s.config.Metrics.Path != "" {
			path = s.config.Metrics.Path
		}
		mux.Handle(path, s.metrics.Handler())
	}

	// Runs
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/latest", s.handleLatestRun)

	// Results
	mux.HandleFunc("/lifecycles", s.handleLifecycles)
	mux.HandleFunc("/rollups", s.handleRollups)

	mws := []func(http.Handler) http.Handler{
		middleware.NewRecoveryMiddleware(s.logger).Handler,
		middleware.NewLoggingMiddleware(s.logger).Handler,
	}
	if s.config != nil && s.config.Server.RateLimit.Enabled {
		mws = append(mws, middleware.NewRateLimitMiddleware(s.config.Server.RateLimit, s.logger).Handler)
	}
	return middleware.Chain(mux, mws...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "storage": "ok"}
	if err := s.store.Health(ctx); err != nil {
		s.logger.Warn("storage health check failed", zap.Error(err))
		status["status"] = "degraded"
		status["storage"] = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(status)
		return
	}
	s.jsonResponse(w, status)
}

// handleRuns runs the pipeline synchronously and returns its run record,
// including failed ones.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		s.errorResponse(w, "runner not available", http.StatusServiceUnavailable)
		return
	}

	asOf, err := parseDate(r.URL.Query().Get("as_of"))
	if err != nil {
		s.errorResponse(w, "invalid as_of", http.StatusBadRequest)
		return
	}

	// A disconnecting client must not abort a run half way.
	run, err := s.runner.Run(context.WithoutCancel(r.Context()), asOf)
	switch {
	case errors.Is(err, apperrors.ErrRunInProgress):
		s.errorResponse(w, err.Error(), http.StatusConflict)
		return
	case run == nil && err != nil:
		s.logger.Error("failed to start run", zap.Error(err))
		s.errorResponse(w, "failed to start run", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, run)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run, err := s.store.LatestRun(r.Context())
	if errors.Is(err, apperrors.ErrNotFound) {
		s.errorResponse(w, "no runs recorded", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to load latest run", zap.Error(err))
		s.errorResponse(w, "failed to load run", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, run)
}

func (s *Server) handleLifecycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := storage.LifecycleFilter{
		DistinctID: strings.TrimSpace(q.Get("distinct_id")),
		ProductID:  strings.TrimSpace(q.Get("product_id")),
		ValidOnly:  q.Get("valid_only") == "true",
		Limit:      defaultListLimit,
	}

	var err error
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		s.errorResponse(w, "invalid from", http.StatusBadRequest)
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		s.errorResponse(w, "invalid to", http.StatusBadRequest)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	if campaignID := strings.TrimSpace(q.Get("campaign_id")); campaignID != "" {
		resolver, err := s.hierarchy(r.Context())
		if err != nil {
			s.logger.Error("failed to load hierarchy", zap.Error(err))
			s.errorResponse(w, "failed to load hierarchy", http.StatusInternalServerError)
			return
		}
		filter.AdIDs = resolver.Descendants(campaignID)
	}

	lifecycles, err := s.store.ListLifecycles(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list lifecycles", zap.Error(err))
		s.errorResponse(w, "failed to list lifecycles", http.StatusInternalServerError)
		return
	}
	if lifecycles == nil {
		lifecycles = []models.Lifecycle{}
	}
	s.jsonResponse(w, map[string]interface{}{
		"lifecycles": lifecycles,
		"count":      len(lifecycles),
	})
}

func (s *Server) handleRollups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	level, err := rollup.ParseLevel(q.Get("level"))
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	query := rollup.Query{Level: level}
	if query.From, err = parseDate(q.Get("from")); err != nil {
		s.errorResponse(w, "invalid from", http.StatusBadRequest)
		return
	}
	if query.To, err = parseDate(q.Get("to")); err != nil {
		s.errorResponse(w, "invalid to", http.StatusBadRequest)
		return
	}

	resolver, err := s.hierarchy(r.Context())
	if err != nil {
		s.logger.Error("failed to load hierarchy", zap.Error(err))
		s.errorResponse(w, "failed to load hierarchy", http.StatusInternalServerError)
		return
	}
	lifecycles, err := s.store.ListLifecycles(r.Context(), storage.LifecycleFilter{
		From:      query.From,
		To:        query.To,
		ValidOnly: true,
	})
	if err != nil {
		s.logger.Error("failed to list lifecycles", zap.Error(err))
		s.errorResponse(w, "failed to list lifecycles", http.StatusInternalServerError)
		return
	}

	rows := rollup.Aggregate(lifecycles, resolver, query)
	if rows == nil {
		rows = []rollup.Row{}
	}
	s.jsonResponse(w, map[string]interface{}{
		"level":     level,
		"rows":      rows,
		"total_usd": rollup.Total(rows),
	})
}

func (s *Server) hierarchy(ctx context.Context) (*hierarchy.Resolver, error) {
	edges, err := s.store.HierarchyEdges(ctx)
	if err != nil {
		return nil, err
	}
	return hierarchy.NewResolver(edges), nil
}

// parseDate parses YYYY-MM-DD. An empty value yields the zero time.
func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, v)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
