// Package memory provides the in-memory reference implementation of the
// partograph store.
package memory

import (
	"context"
	"sync"

	"github.com/drfirst/go-partograph/internal/domain/partograph"
)

// Store keeps partographs, patients and committed events in process memory.
// A single mutex makes every write atomic, and an index of open episodes per
// patient enforces the single-open-episode rule at storage level.
type Store struct {
	mu          sync.RWMutex
	partographs map[string]partograph.Record
	open        map[string]string // patient ID -> open partograph ID
	patients    map[string]partograph.Patient
	hospitalNos map[string]string // facility|hospital number -> patient ID
	events      map[string][]*partograph.Event
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		partographs: make(map[string]partograph.Record),
		open:        make(map[string]string),
		patients:    make(map[string]partograph.Patient),
		hospitalNos: make(map[string]string),
		events:      make(map[string][]*partograph.Event),
	}
}

var _ partograph.Store = (*Store)(nil)

// CreatePatient stores a patient
func (s *Store) CreatePatient(ctx context.Context, p partograph.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patients[p.ID]; ok {
		return &partograph.ConflictError{PatientID: p.ID, Reason: "patient already exists"}
	}
	key := p.FacilityID + "|" + p.HospitalNumber
	if _, ok := s.hospitalNos[key]; ok {
		return &partograph.ConflictError{PatientID: p.ID, Reason: "hospital number " + p.HospitalNumber + " already registered"}
	}
	s.patients[p.ID] = p
	s.hospitalNos[key] = p.ID
	return nil
}

// GetPatient loads a patient
func (s *Store) GetPatient(ctx context.Context, id string) (partograph.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patients[id]
	if !ok {
		return partograph.Patient{}, partograph.PatientNotFound(id)
	}
	return p, nil
}

// GetPatients loads patients by ID, skipping unknown IDs
func (s *Store) GetPatients(ctx context.Context, ids []string) (map[string]partograph.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]partograph.Patient, len(ids))
	for _, id := range ids {
		if p, ok := s.patients[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// GetPartograph loads a partograph
func (s *Store) GetPartograph(ctx context.Context, id string) (partograph.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.partographs[id]
	if !ok {
		return partograph.Record{}, partograph.PartographNotFound(id)
	}
	return clone(rec), nil
}

// ListByStatus returns every partograph in status, unordered
func (s *Store) ListByStatus(ctx context.Context, status partograph.Status) ([]partograph.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []partograph.Record
	for _, rec := range s.partographs {
		if rec.Status == status {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

// ListByPatient returns every partograph for a patient, unordered
func (s *Store) ListByPatient(ctx context.Context, patientID string) ([]partograph.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []partograph.Record
	for _, rec := range s.partographs {
		if rec.PatientID == patientID {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

// Insert stores a new partograph
func (s *Store) Insert(ctx context.Context, rec partograph.Record, events []*partograph.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partographs[rec.ID]; ok {
		return &partograph.ConflictError{PartographID: rec.ID, PatientID: rec.PatientID, Reason: "already exists"}
	}
	if err := s.checkOpenLocked(rec); err != nil {
		return err
	}
	s.putLocked(rec, events)
	return nil
}

// Update replaces a partograph when the stored version matches
func (s *Store) Update(ctx context.Context, rec partograph.Record, expectedVersion int, events []*partograph.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.partographs[rec.ID]
	if !ok {
		return partograph.PartographNotFound(rec.ID)
	}
	if current.Version != expectedVersion {
		return &partograph.ConflictError{PartographID: rec.ID, PatientID: rec.PatientID, Reason: "version mismatch"}
	}
	if err := s.checkOpenLocked(rec); err != nil {
		return err
	}
	if current.Status.IsOpen() && s.open[current.PatientID] == current.ID {
		delete(s.open, current.PatientID)
	}
	s.putLocked(rec, events)
	return nil
}

// Delete removes a partograph and its events
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.partographs[id]
	if !ok {
		return partograph.PartographNotFound(id)
	}
	if s.open[rec.PatientID] == id {
		delete(s.open, rec.PatientID)
	}
	delete(s.partographs, id)
	delete(s.events, id)
	return nil
}

// Events returns the committed events for a partograph in commit order
func (s *Store) Events(id string) []*partograph.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*partograph.Event, len(s.events[id]))
	copy(out, s.events[id])
	return out
}

func (s *Store) checkOpenLocked(rec partograph.Record) error {
	if !rec.Status.IsOpen() {
		return nil
	}
	if existing, ok := s.open[rec.PatientID]; ok && existing != rec.ID {
		return &partograph.ConflictError{
			PartographID: rec.ID,
			PatientID:    rec.PatientID,
			ExistingID:   existing,
		}
	}
	return nil
}

func (s *Store) putLocked(rec partograph.Record, events []*partograph.Event) {
	s.partographs[rec.ID] = clone(rec)
	if rec.Status.IsOpen() {
		s.open[rec.PatientID] = rec.ID
	}
	s.events[rec.ID] = append(s.events[rec.ID], events...)
}

// clone detaches the record's timestamp pointers from the stored copy.
func clone(rec partograph.Record) partograph.Record {
	return partograph.FromRecord(rec).Record()
}
