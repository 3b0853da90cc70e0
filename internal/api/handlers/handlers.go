// Package handlers provides HTTP handlers for the partograph API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/api/middleware"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
	"github.com/drfirst/go-partograph/internal/infrastructure/rediscache"
	"github.com/drfirst/go-partograph/internal/observability/metrics"
	"github.com/drfirst/go-partograph/pkg/circuitbreaker"
	"github.com/drfirst/go-partograph/pkg/idempotency"
)

// Handler serves the partograph, patient and ward endpoints
type Handler struct {
	repo    *partograph.Repository
	engine  *ward.Engine
	cache   *rediscache.Cache
	metrics *metrics.Metrics
	inbox   *idempotency.Inbox
	logger  *zap.Logger
}

// New creates a handler. cache and m may be nil.
func New(repo *partograph.Repository, engine *ward.Engine, cache *rediscache.Cache, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = rediscache.Disabled()
	}
	return &Handler{
		repo:    repo,
		engine:  engine,
		cache:   cache,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes, mounted under /api/v1
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/patients", func(r chi.Router) {
		r.Post("/", h.CreatePatient)
		r.Get("/{id}", h.GetPatient)
		r.Get("/{id}/partographs", h.ListPatientPartographs)
	})

	r.Route("/partographs", func(r chi.Router) {
		r.Get("/", h.ListPartographs)
		r.Post("/", h.idempotent("create_partograph", h.CreatePartograph))
		r.Get("/{id}", h.GetPartograph)
		r.Delete("/{id}", h.ArchivePartograph)
		r.Post("/{id}/transitions", h.idempotent("transition_partograph", h.Transition))
	})

	r.Get("/deliveries/today", h.TodaysDeliveries)
	r.Get("/deliveries/recent", h.RecentDeliveries)
	r.Get("/dashboard", h.Dashboard)
	r.Get("/reports/deliveries", h.DeliveryReport)
	return r
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, partograph.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, partograph.ErrConflict), errors.Is(err, partograph.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, partograph.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error. Storage failures are logged and hidden
// from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		msg = "internal server error"
	case http.StatusServiceUnavailable:
		h.logger.Warn("storage unavailable",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		msg = "storage temporarily unavailable"
	}
	h.jsonError(w, msg, code)
}

func (h *Handler) observeRejection(err error) {
	if h.metrics != nil {
		h.metrics.ObserveRejection(err)
	}
}

func (h *Handler) invalidateDashboard(ctx context.Context) {
	if err := h.cache.Invalidate(ctx); err != nil {
		h.logger.Warn("dashboard cache invalidation failed", zap.Error(err))
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) jsonResponse(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	h.jsonResponse(w, code, map[string]string{"error": message})
}
