package partograph

import (
	"context"
	"strings"
	"time"
)

// Patient is the identity record a partograph belongs to
type Patient struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	HospitalNumber string    `json:"hospital_number"`
	FacilityID     string    `json:"facility_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the patient's required fields
func (p Patient) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return &ValidationError{Field: "id", Reason: "is required"}
	case strings.TrimSpace(p.Name) == "":
		return &ValidationError{Field: "name", Reason: "is required"}
	case strings.TrimSpace(p.HospitalNumber) == "":
		return &ValidationError{Field: "hospital_number", Reason: "is required"}
	case strings.TrimSpace(p.FacilityID) == "":
		return &ValidationError{Field: "facility_id", Reason: "is required"}
	}
	return nil
}

// PatientStore persists patients. Hospital numbers are unique per facility;
// duplicates yield a *ConflictError.
type PatientStore interface {
	CreatePatient(ctx context.Context, p Patient) error
	GetPatient(ctx context.Context, id string) (Patient, error)
	GetPatients(ctx context.Context, ids []string) (map[string]Patient, error)
}

// Store is the storage backend behind the Repository.
//
// Update is a compare-and-swap: it fails with a *ConflictError when the
// stored version differs from expectedVersion. Insert and Update must also
// refuse, atomically, a record that would leave a patient with two open
// partographs. Missing records yield a *NotFoundError. Events are persisted
// in the same write when the backend supports them.
type Store interface {
	PatientStore

	GetPartograph(ctx context.Context, id string) (Record, error)
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
	ListByPatient(ctx context.Context, patientID string) ([]Record, error)
	Insert(ctx context.Context, rec Record, events []*Event) error
	Update(ctx context.Context, rec Record, expectedVersion int, events []*Event) error
	Delete(ctx context.Context, id string) error
}
