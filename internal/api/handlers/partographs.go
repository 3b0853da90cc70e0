package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/api/middleware"
	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
)

// PartographView is a partograph with its derived durations
type PartographView struct {
	partograph.Record
	Patient        *partograph.Patient `json:"patient,omitempty"`
	TimeInStage    *clock.Elapsed      `json:"time_in_stage,omitempty"`
	TotalLaborTime *clock.Elapsed      `json:"total_labor_time,omitempty"`
}

func (h *Handler) view(p *partograph.Partograph, patient *partograph.Patient) PartographView {
	now := h.repo.Clock().Now()
	v := PartographView{Record: p.Record(), Patient: patient}
	if e, ok := p.TimeInStage(now); ok {
		v.TimeInStage = &e
	}
	if e, ok := p.TotalLaborTime(now); ok {
		v.TotalLaborTime = &e
	}
	return v
}

func (h *Handler) rowViews(rows []ward.Row) []PartographView {
	out := make([]PartographView, 0, len(rows))
	for _, row := range rows {
		patient := row.Patient
		out = append(out, h.view(row.Partograph, &patient))
	}
	return out
}

// CreatePartographRequest is the request body for opening a partograph
type CreatePartographRequest struct {
	PatientID string `json:"patient_id"`
}

// CreatePartograph handles POST /partographs
func (h *Handler) CreatePartograph(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("partograph-handler").Start(r.Context(), "create_partograph")
	defer span.End()

	var req CreatePartographRequest
	if !h.decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.String("patient_id", req.PatientID))

	p, err := h.repo.Create(ctx, req.PatientID)
	if err != nil {
		h.observeRejection(err)
		h.fail(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PartographsCreated.Inc()
	}
	h.invalidateDashboard(ctx)

	h.logger.Info("partograph created",
		zap.String("partograph_id", p.ID()),
		zap.String("patient_id", p.PatientID()),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	h.jsonResponse(w, http.StatusCreated, h.view(p, nil))
}

// GetPartograph handles GET /partographs/{id}
func (h *Handler) GetPartograph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.repo.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var patient *partograph.Patient
	if pt, err := h.repo.GetPatient(ctx, p.PatientID()); err == nil {
		patient = &pt
	}
	h.jsonResponse(w, http.StatusOK, h.view(p, patient))
}

// TransitionRequest names the operation to apply
type TransitionRequest struct {
	Operation string `json:"operation"`
}

// Transition handles POST /partographs/{id}/transitions
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("partograph-handler").Start(r.Context(), "transition_partograph")
	defer span.End()

	id := chi.URLParam(r, "id")
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	op, err := partograph.ParseOperation(req.Operation)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("partograph_id", id),
		attribute.String("operation", string(op)))

	p, err := h.repo.Transition(ctx, id, op)
	if err != nil {
		h.observeRejection(err)
		h.fail(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Transitions.WithLabelValues(string(op)).Inc()
	}
	h.invalidateDashboard(ctx)

	h.logger.Info("partograph transitioned",
		zap.String("partograph_id", p.ID()),
		zap.String("operation", string(op)),
		zap.String("status", string(p.Status())),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	h.jsonResponse(w, http.StatusOK, h.view(p, nil))
}

// ListPartographs handles GET /partographs?status=active&q=text
func (h *Handler) ListPartographs(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = string(partograph.StatusActive)
	}
	status, err := partograph.ParseStatus(strings.ToLower(raw))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := h.engine.List(r.Context(), status, r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, h.rowViews(rows))
}

// ArchivePartograph handles DELETE /partographs/{id}
func (h *Handler) ArchivePartograph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := h.repo.Delete(ctx, id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateDashboard(ctx)
	h.logger.Info("partograph archived",
		zap.String("partograph_id", id),
		zap.String("client_id", middleware.GetClientID(ctx)))
	w.WriteHeader(http.StatusNoContent)
}
