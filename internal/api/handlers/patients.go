package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CreatePatientRequest is the request body for registering a patient
type CreatePatientRequest struct {
	Name           string `json:"name"`
	HospitalNumber string `json:"hospital_number"`
	FacilityID     string `json:"facility_id"`
}

// CreatePatient handles POST /patients
func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if !h.decode(w, r, &req) {
		return
	}
	pt, err := h.repo.CreatePatient(r.Context(), req.Name, req.HospitalNumber, req.FacilityID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("patient registered",
		zap.String("patient_id", pt.ID),
		zap.String("facility_id", pt.FacilityID))
	h.jsonResponse(w, http.StatusCreated, pt)
}

// GetPatient handles GET /patients/{id}
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	pt, err := h.repo.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, pt)
}

// ListPatientPartographs handles GET /patients/{id}/partographs
func (h *Handler) ListPatientPartographs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pt, err := h.repo.GetPatient(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.repo.ListByPatient(ctx, pt.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]PartographView, 0, len(list))
	for _, p := range list {
		out = append(out, h.view(p, nil))
	}
	h.jsonResponse(w, http.StatusOK, out)
}
