package handlers

import (
	"net/http"
	"time"
)

// TodaysDeliveries handles GET /deliveries/today
func (h *Handler) TodaysDeliveries(w http.ResponseWriter, r *http.Request) {
	rows, err := h.engine.TodaysDeliveries(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, h.rowViews(rows))
}

// RecentDeliveries handles GET /deliveries/recent
func (h *Handler) RecentDeliveries(w http.ResponseWriter, r *http.Request) {
	rows, err := h.engine.RecentDeliveries(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, h.rowViews(rows))
}

// Dashboard handles GET /dashboard
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stats, cached, err := h.cache.Dashboard(r.Context(), h.engine.Dashboard)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveDashboard(stats, time.Since(start), cached)
	}
	h.jsonResponse(w, http.StatusOK, stats)
}

// DeliveryReport handles GET /reports/deliveries?day=YYYY-MM-DD. The day
// defaults to today.
func (h *Handler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	now := h.repo.Clock().Now()
	day := now
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, now.Location())
		if err != nil {
			h.jsonError(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	rep, err := h.engine.DeliveryReport(r.Context(), day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, rep)
}
