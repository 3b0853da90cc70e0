// Package guarded puts a circuit breaker in front of a partograph store so a
// failing database is shed quickly instead of stalling every ward request.
package guarded

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/pkg/circuitbreaker"
)

// Store wraps a partograph.Store. Domain outcomes (not found, conflicts,
// validation) are healthy answers and never trip the breaker.
type Store struct {
	next partograph.Store
	cb   *circuitbreaker.CircuitBreaker
}

// IsStorageFailure reports whether err should count against the breaker
func IsStorageFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, partograph.ErrNotFound),
		errors.Is(err, partograph.ErrConflict),
		errors.Is(err, partograph.ErrValidation),
		errors.Is(err, partograph.ErrInvalidTransition),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Wrap guards next with a breaker built from cfg
func Wrap(next partograph.Store, cfg circuitbreaker.Config, logger *zap.Logger) (*Store, error) {
	cfg.IsSuccessful = func(err error) bool { return !IsStorageFailure(err) }
	breaker, err := circuitbreaker.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Store{next: next, cb: breaker}, nil
}

// Breaker returns the underlying breaker
func (s *Store) Breaker() *circuitbreaker.CircuitBreaker { return s.cb }

var _ partograph.Store = (*Store)(nil)

func call[T any](ctx context.Context, s *Store, fn func() (T, error)) (T, error) {
	var zero T
	out, err := s.cb.Execute(ctx, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// CreatePatient registers a patient through the breaker
func (s *Store) CreatePatient(ctx context.Context, p partograph.Patient) error {
	return s.cb.Run(ctx, func() error { return s.next.CreatePatient(ctx, p) })
}

// GetPatient loads a patient through the breaker
func (s *Store) GetPatient(ctx context.Context, id string) (partograph.Patient, error) {
	return call(ctx, s, func() (partograph.Patient, error) { return s.next.GetPatient(ctx, id) })
}

// GetPatients loads patients by ID through the breaker
func (s *Store) GetPatients(ctx context.Context, ids []string) (map[string]partograph.Patient, error) {
	return call(ctx, s, func() (map[string]partograph.Patient, error) { return s.next.GetPatients(ctx, ids) })
}

// GetPartograph loads a partograph record through the breaker
func (s *Store) GetPartograph(ctx context.Context, id string) (partograph.Record, error) {
	return call(ctx, s, func() (partograph.Record, error) { return s.next.GetPartograph(ctx, id) })
}

// ListByStatus lists records in a status through the breaker
func (s *Store) ListByStatus(ctx context.Context, status partograph.Status) ([]partograph.Record, error) {
	return call(ctx, s, func() ([]partograph.Record, error) { return s.next.ListByStatus(ctx, status) })
}

// ListByPatient lists a patient's records through the breaker
func (s *Store) ListByPatient(ctx context.Context, patientID string) ([]partograph.Record, error) {
	return call(ctx, s, func() ([]partograph.Record, error) { return s.next.ListByPatient(ctx, patientID) })
}

// Insert stores a new record and its events through the breaker
func (s *Store) Insert(ctx context.Context, rec partograph.Record, events []*partograph.Event) error {
	return s.cb.Run(ctx, func() error { return s.next.Insert(ctx, rec, events) })
}

// Update applies a version-checked update through the breaker
func (s *Store) Update(ctx context.Context, rec partograph.Record, expectedVersion int, events []*partograph.Event) error {
	return s.cb.Run(ctx, func() error { return s.next.Update(ctx, rec, expectedVersion, events) })
}

// Delete removes a record through the breaker
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.cb.Run(ctx, func() error { return s.next.Delete(ctx, id) })
}
