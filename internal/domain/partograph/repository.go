package partograph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/domain/clock"
)

// Repository enforces the partograph invariants on top of a Store
type Repository struct {
	store  Store
	clock  clock.Clock
	locks  *keyedMutex
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRepository creates a new repository
func NewRepository(store Store, clk clock.Clock, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Repository{
		store:  store,
		clock:  clk,
		locks:  newKeyedMutex(),
		logger: logger,
		tracer: otel.Tracer("partograph-repository"),
	}
}

// Clock returns the clock used to stamp transitions
func (r *Repository) Clock() clock.Clock { return r.clock }

// Create opens a Pending partograph for the patient
func (r *Repository) Create(ctx context.Context, patientID string) (*Partograph, error) {
	p := New(uuid.New().String(), strings.TrimSpace(patientID), r.clock.Now())
	return r.Save(ctx, p)
}

// GetByID loads a partograph
func (r *Repository) GetByID(ctx context.Context, id string) (*Partograph, error) {
	rec, err := r.store.GetPartograph(ctx, id)
	if err != nil {
		return nil, err
	}
	return FromRecord(rec), nil
}

// ListByStatus returns the partographs in status, most urgent first: open
// statuses by labor start ascending (longest waiting first), terminal
// statuses by their closing timestamp descending.
func (r *Repository) ListByStatus(ctx context.Context, status Status) ([]*Partograph, error) {
	recs, err := r.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]*Partograph, 0, len(recs))
	for _, rec := range recs {
		if rec.Status != status {
			continue
		}
		out = append(out, FromRecord(rec))
	}
	SortForStatus(out, status)
	return out, nil
}

// ListByPatient returns every partograph for a patient, newest first
func (r *Repository) ListByPatient(ctx context.Context, patientID string) ([]*Partograph, error) {
	recs, err := r.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := make([]*Partograph, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromRecord(rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].createdAt.After(out[j].createdAt)
	})
	return out, nil
}

// Transition applies a named operation at the current clock instant and
// saves the result
func (r *Repository) Transition(ctx context.Context, id string, op Operation) (*Partograph, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Apply(op, r.clock.Now()); err != nil {
		return nil, err
	}
	return r.Save(ctx, p)
}

// Save validates p against the persisted state for its patient and commits
// it with its pending events. Nothing is written when any rule fails.
// Saves for the same patient are serialized.
func (r *Repository) Save(ctx context.Context, p *Partograph) (*Partograph, error) {
	ctx, span := r.tracer.Start(ctx, "partograph_save",
		trace.WithAttributes(
			attribute.String("partograph_id", p.id),
			attribute.String("status", string(p.status)),
		))
	defer span.End()

	next := p.Record()
	if err := ValidateRequired(next); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(next.PatientID)
	defer unlock()

	if err := ValidateTimestamps(next); err != nil {
		return nil, err
	}

	if _, err := r.store.GetPatient(ctx, next.PatientID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ValidationError{Field: "patient_id", Reason: "unknown patient " + next.PatientID}
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	persisted, err := r.store.GetPartograph(ctx, next.ID)
	isNew := errors.Is(err, ErrNotFound)
	if err != nil && !isNew {
		return nil, fmt.Errorf("load partograph: %w", err)
	}
	if isNew {
		if next.Version != 0 {
			return nil, &ConflictError{PartographID: next.ID, PatientID: next.PatientID, Reason: "no longer exists"}
		}
	} else {
		if persisted.Version != next.Version {
			return nil, &ConflictError{
				PartographID: next.ID,
				PatientID:    next.PatientID,
				Reason:       fmt.Sprintf("stale version %d, stored %d", next.Version, persisted.Version),
			}
		}
		if err := CheckProgress(persisted, next); err != nil {
			return nil, err
		}
	}

	if next.Status.IsOpen() {
		siblings, err := r.store.ListByPatient(ctx, next.PatientID)
		if err != nil {
			return nil, fmt.Errorf("list patient partographs: %w", err)
		}
		if err := CheckSingleOpen(next, siblings); err != nil {
			return nil, err
		}
	}

	expected := next.Version
	next.Version = expected + 1
	events := p.Changes()
	for _, e := range events {
		e.Version = next.Version
	}

	if isNew {
		err = r.store.Insert(ctx, next, events)
	} else {
		err = r.store.Update(ctx, next, expected, events)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	p.version = next.Version
	p.ClearChanges()

	r.logger.Debug("partograph saved",
		zap.String("partograph_id", next.ID),
		zap.String("patient_id", next.PatientID),
		zap.String("status", string(next.Status)),
		zap.Int("version", next.Version))

	return p, nil
}

// CreatePatient registers a patient
func (r *Repository) CreatePatient(ctx context.Context, name, hospitalNumber, facilityID string) (Patient, error) {
	pt := Patient{
		ID:             uuid.New().String(),
		Name:           strings.TrimSpace(name),
		HospitalNumber: strings.TrimSpace(hospitalNumber),
		FacilityID:     strings.TrimSpace(facilityID),
		CreatedAt:      r.clock.Now(),
	}
	if err := pt.Validate(); err != nil {
		return Patient{}, err
	}
	if err := r.store.CreatePatient(ctx, pt); err != nil {
		return Patient{}, err
	}
	return pt, nil
}

// GetPatient loads a patient
func (r *Repository) GetPatient(ctx context.Context, id string) (Patient, error) {
	return r.store.GetPatient(ctx, id)
}

// GetPatients loads the patients for ids; unknown IDs are omitted
func (r *Repository) GetPatients(ctx context.Context, ids []string) (map[string]Patient, error) {
	return r.store.GetPatients(ctx, ids)
}

// Delete removes a partograph from the store
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, id)
}

// SortForStatus orders partographs the way ListByStatus returns them
func SortForStatus(list []*Partograph, status Status) {
	key := func(p *Partograph) time.Time {
		switch status {
		case StatusCompleted:
			if t, ok := p.DeliveryTime(); ok {
				return t
			}
			if t, ok := p.CompletedTime(); ok {
				return t
			}
			return p.statusChangedAt
		case StatusEmergency:
			return p.statusChangedAt
		default:
			if t, ok := p.LaborStartTime(); ok {
				return t
			}
			return p.createdAt
		}
	}
	desc := status.IsTerminal()
	sort.SliceStable(list, func(i, j int) bool {
		ki, kj := key(list[i]), key(list[j])
		if ki.Equal(kj) {
			return list[i].id < list[j].id
		}
		if desc {
			return ki.After(kj)
		}
		return ki.Before(kj)
	})
}
