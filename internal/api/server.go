// Package api exposes the operator HTTP interface for the status sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/alerting"
	"github.com/JakeFAU/pnr-status-sync/internal/batch"
	"github.com/JakeFAU/pnr-status-sync/internal/config"
	"github.com/JakeFAU/pnr-status-sync/internal/health"
	"github.com/JakeFAU/pnr-status-sync/internal/id/uuid"
	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// StatusService resolves lookup keys. Implemented by app.App.
type StatusService interface {
	Lookup(ctx context.Context, raw string, forceRefresh bool) pnr.StatusResult
	RunBatch(ctx context.Context, keys []string, opts batch.Options, onProgress batch.ProgressFunc) pnr.BatchOutcome
}

// MetricsSource is the read side of the runtime collector.
type MetricsSource interface {
	metrics.RequestRecorder
	GetCurrentMetrics() (metrics.Sample, bool)
	GetMetricsHistory(limit int) []metrics.Sample
	GetAggregatedMetrics(windowMinutes int) metrics.Aggregate
	Thresholds() metrics.Thresholds
	UpdateThresholds(t metrics.Thresholds) metrics.Thresholds
}

// Deps are the services the handlers read from.
type Deps struct {
	Status  StatusService
	Health  health.Checker
	Metrics MetricsSource
	Alerts  alerting.Service
}

// Server wires HTTP handlers to the core services.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

const defaultHistoryLimit = 100

var requestIDs = uuid.New()

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware(deps.Metrics))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/health", s.health)
		r.Route("/metrics", func(r chi.Router) {
			r.Get("/current", s.currentMetrics)
			r.Get("/history", s.metricsHistory)
			r.Get("/aggregate", s.aggregateMetrics)
			r.Get("/thresholds", s.getThresholds)
			r.Put("/thresholds", s.updateThresholds)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.listAlerts)
			r.Get("/{alert_id}", s.getAlert)
			r.Post("/{alert_id}/resolve", s.resolveAlert)
		})
		r.Route("/status", func(r chi.Router) {
			r.Post("/batch", s.batchStatus)
			r.Get("/{key}", s.getStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Health.Check(r.Context())
	writeJSON(w, healthCode(res.Status), map[string]string{"status": string(res.Status)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Health.Check(r.Context())
	writeJSON(w, healthCode(res.Status), res)
}

func healthCode(status health.Status) int {
	if status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (s *Server) currentMetrics(w http.ResponseWriter, _ *http.Request) {
	sample, ok := s.deps.Metrics.GetCurrentMetrics()
	if !ok {
		writeError(w, http.StatusNotFound, "no samples collected yet")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) metricsHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": s.deps.Metrics.GetMetricsHistory(limit)})
}

func (s *Server) aggregateMetrics(w http.ResponseWriter, r *http.Request) {
	window, err := intQuery(r, "window", 60)
	if err != nil || window <= 0 {
		writeError(w, http.StatusBadRequest, "window must be a positive number of minutes")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.GetAggregatedMetrics(window))
}

func (s *Server) getThresholds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Metrics.Thresholds())
}

func (s *Server) updateThresholds(w http.ResponseWriter, r *http.Request) {
	var req metrics.Thresholds
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MemoryUsagePercent < 0 || req.CPUUsagePercent < 0 || req.AverageResponseTimeMs < 0 || req.ErrorRatePercent < 0 {
		writeError(w, http.StatusBadRequest, "thresholds must not be negative")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.UpdateThresholds(req))
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	var alerts []alerting.Alert
	if r.URL.Query().Get("all") == "true" {
		alerts = s.deps.Alerts.GetAllAlerts()
	} else {
		alerts = s.deps.Alerts.GetActiveAlerts()
	}
	if alerts == nil {
		alerts = []alerting.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.GetAlert(chi.URLParam(r, "alert_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.ResolveAlert(chi.URLParam(r, "alert_id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, alert)
	case errors.Is(err, alerting.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, alerting.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "alert already resolved")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	result := s.deps.Status.Lookup(r.Context(), chi.URLParam(r, "key"), refresh)
	writeJSON(w, statusCode(result), result)
}

// statusCode maps a lookup result onto an HTTP status. The body always carries
// the full result so the original error message reaches the caller.
func statusCode(result pnr.StatusResult) int {
	switch result.ErrorKind {
	case pnr.KindNone:
		return http.StatusOK
	case pnr.KindValidation:
		return http.StatusBadRequest
	case pnr.KindNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type batchRequest struct {
	Keys           []string `json:"keys"`
	ForceRefresh   bool     `json:"forceRefresh"`
	RequestDelayMs *int     `json:"requestDelayMs"`
	MaxRetries     *int     `json:"maxRetries"`
}

func (s *Server) batchStatus(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys required")
		return
	}
	if maxKeys := s.cfg.Batch.MaxKeys; maxKeys > 0 && len(req.Keys) > maxKeys {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d keys per batch", maxKeys))
		return
	}

	opts := batch.Options{ForceRefresh: req.ForceRefresh}
	// An omitted requestDelayMs takes the configured delay. Zero is rejected
	// because the site must never be hit back to back.
	if req.RequestDelayMs != nil {
		if *req.RequestDelayMs <= 0 {
			writeError(w, http.StatusBadRequest, "requestDelayMs must be positive; omit it for the configured delay")
			return
		}
		opts.RequestDelay = time.Duration(*req.RequestDelayMs) * time.Millisecond
	}
	// maxRetries: 0 means a single attempt; omit it for the configured count.
	if req.MaxRetries != nil {
		opts.MaxRetries = *req.MaxRetries
		if opts.MaxRetries == 0 {
			opts.MaxRetries = -1
		}
	}

	outcome := s.deps.Status.RunBatch(r.Context(), req.Keys, opts, nil)
	writeJSON(w, http.StatusOK, outcome)
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = requestIDs.MustNewID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
