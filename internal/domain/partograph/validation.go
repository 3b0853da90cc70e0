package partograph

import (
	"strings"
	"time"
)

// ValidateRequired checks that the partograph is linked to a patient
func ValidateRequired(r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(r.PatientID) == "" {
		return &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return &ValidationError{Field: "status", Reason: err.Error()}
	}
	return nil
}

// ValidateTimestamps checks that each stage timestamp is set exactly when
// the stage has been reached, and that set timestamps never go backwards.
func ValidateTimestamps(r Record) error {
	if err := validateStageConsistency(r); err != nil {
		return err
	}

	chain := []struct {
		field string
		t     *time.Time
	}{
		{"labor_start_time", r.LaborStartTime},
		{"third_stage_start_time", r.ThirdStageStartTime},
		{"fourth_stage_start_time", r.FourthStageStartTime},
		{"completed_time", r.CompletedTime},
	}
	var prevField string
	var prev *time.Time
	for _, c := range chain {
		if c.t == nil {
			continue
		}
		if prev != nil && c.t.Before(*prev) {
			return &ValidationError{Field: c.field, Reason: "precedes " + prevField}
		}
		prevField, prev = c.field, c.t
	}

	if r.DeliveryTime != nil {
		floorField, floor := "labor_start_time", r.LaborStartTime
		if r.ThirdStageStartTime != nil {
			floorField, floor = "third_stage_start_time", r.ThirdStageStartTime
		}
		if floor != nil && r.DeliveryTime.Before(*floor) {
			return &ValidationError{Field: "delivery_time", Reason: "precedes " + floorField}
		}
		if r.CompletedTime != nil && r.DeliveryTime.After(*r.CompletedTime) {
			return &ValidationError{Field: "delivery_time", Reason: "follows completed_time"}
		}
	}
	return nil
}

func validateStageConsistency(r Record) error {
	missing := func(field string) error {
		return &ValidationError{Field: field, Reason: "must be set in status " + string(r.Status)}
	}
	unexpected := func(field string) error {
		return &ValidationError{Field: field, Reason: "must not be set in status " + string(r.Status)}
	}

	// Later stages imply earlier ones, whatever the status.
	if r.FourthStageStartTime != nil && r.ThirdStageStartTime == nil {
		return missing("third_stage_start_time")
	}
	if r.ThirdStageStartTime != nil && r.LaborStartTime == nil {
		return missing("labor_start_time")
	}
	if r.DeliveryTime != nil && r.LaborStartTime == nil {
		return missing("labor_start_time")
	}
	if r.CompletedTime != nil && r.Status != StatusCompleted {
		return unexpected("completed_time")
	}

	switch r.Status {
	case StatusPending:
		if r.LaborStartTime != nil {
			return unexpected("labor_start_time")
		}
	case StatusActive:
		if r.LaborStartTime == nil {
			return missing("labor_start_time")
		}
		if r.ThirdStageStartTime != nil {
			return unexpected("third_stage_start_time")
		}
		if r.DeliveryTime != nil {
			return unexpected("delivery_time")
		}
	case StatusThirdStage:
		if r.ThirdStageStartTime == nil {
			return missing("third_stage_start_time")
		}
		if r.FourthStageStartTime != nil {
			return unexpected("fourth_stage_start_time")
		}
	case StatusFourthStage:
		if r.FourthStageStartTime == nil {
			return missing("fourth_stage_start_time")
		}
	case StatusCompleted:
		if r.LaborStartTime == nil {
			return missing("labor_start_time")
		}
		if r.DeliveryTime == nil {
			return missing("delivery_time")
		}
		if r.CompletedTime == nil {
			return missing("completed_time")
		}
	}
	return nil
}

// CheckSingleOpen rejects a candidate in an open status when another
// partograph for the same patient is still open. Re-saving the same ID is
// always allowed.
func CheckSingleOpen(candidate Record, existing []Record) error {
	if !candidate.Status.IsOpen() {
		return nil
	}
	for _, e := range existing {
		if e.ID == candidate.ID || e.PatientID != candidate.PatientID {
			continue
		}
		if e.Status.IsOpen() {
			return &ConflictError{
				PartographID: candidate.ID,
				PatientID:    candidate.PatientID,
				ExistingID:   e.ID,
			}
		}
	}
	return nil
}

// CheckProgress rejects a save whose status cannot be reached from the
// persisted status, or that reassigns the patient.
func CheckProgress(persisted, next Record) error {
	if persisted.PatientID != next.PatientID {
		return &ValidationError{Field: "patient_id", Reason: "cannot be changed once created"}
	}
	if !CanReach(persisted.Status, next.Status) {
		return &InvalidTransitionError{From: persisted.Status, To: next.Status}
	}
	return nil
}
