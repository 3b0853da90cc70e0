// Package metrics provides Prometheus metrics for the partograph services.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
)

// Metrics holds all application metrics
type Metrics struct {
	PartographsCreated  prometheus.Counter
	Transitions         *prometheus.CounterVec
	SaveRejections      *prometheus.CounterVec
	OpenEpisodes        *prometheus.GaugeVec
	OverdueEpisodes     prometheus.Gauge
	DashboardDuration   prometheus.Histogram
	DashboardCacheHits  prometheus.Counter
	EventsRelayed       prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PartographsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "partographs_created_total",
			Help: "Total partographs opened",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partograph_transitions_total",
			Help: "Successful stage transitions by operation",
		}, []string{"operation"}),
		SaveRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partograph_save_rejections_total",
			Help: "Rejected creates and transitions by reason",
		}, []string{"reason"}),
		OpenEpisodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "partographs_by_status",
			Help: "Partographs per status at the last dashboard computation",
		}, []string{"status"}),
		OverdueEpisodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "partographs_overdue",
			Help: "Open partographs past their stage limit",
		}),
		DashboardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ward_dashboard_duration_seconds",
			Help:    "Dashboard computation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		DashboardCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_dashboard_cache_hits_total",
			Help: "Dashboard requests served from cache",
		}),
		EventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "partograph_events_relayed_total",
			Help: "Lifecycle events published from the outbox",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PartographsCreated,
		m.Transitions,
		m.SaveRejections,
		m.OpenEpisodes,
		m.OverdueEpisodes,
		m.DashboardDuration,
		m.DashboardCacheHits,
		m.EventsRelayed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)
	return m
}

// ObserveRejection counts a failed save under its error kind
func (m *Metrics) ObserveRejection(err error) {
	reason := "storage"
	switch {
	case errors.Is(err, partograph.ErrConflict):
		reason = "conflict"
	case errors.Is(err, partograph.ErrValidation):
		reason = "validation"
	case errors.Is(err, partograph.ErrInvalidTransition):
		reason = "invalid_transition"
	case errors.Is(err, partograph.ErrNotFound):
		reason = "not_found"
	}
	m.SaveRejections.WithLabelValues(reason).Inc()
}

// ObserveDashboard records a computed dashboard snapshot
func (m *Metrics) ObserveDashboard(stats ward.Stats, took time.Duration, cached bool) {
	if cached {
		m.DashboardCacheHits.Inc()
		return
	}
	m.DashboardDuration.Observe(took.Seconds())
	for status, n := range stats.Counts {
		m.OpenEpisodes.WithLabelValues(string(status)).Set(float64(n))
	}
	m.OverdueEpisodes.Set(float64(len(stats.Overdue)))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
