package partograph

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
)

// InvalidTransitionError is returned when an operation is not legal from the
// current status. The partograph is left unchanged.
type InvalidTransitionError struct {
	From      Status
	Operation Operation
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("invalid transition: %s cannot move to %s", e.From, e.To)
	}
	return fmt.Sprintf("invalid transition: cannot %s from %s (requested %s)", e.Operation, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ValidationError reports a timestamp ordering or required-field violation
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports a single-open-episode violation or a stale version
type ConflictError struct {
	PartographID string
	PatientID    string
	ExistingID   string
	Reason       string
}

func (e *ConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("conflict: patient %s already has open partograph %s", e.PatientID, e.ExistingID)
	}
	return fmt.Sprintf("conflict: partograph %s: %s", e.PartographID, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports a missing partograph or patient
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PartographNotFound builds the NotFoundError stores return for a missing episode
func PartographNotFound(id string) error {
	return &NotFoundError{Kind: "partograph", ID: id}
}

// PatientNotFound builds the NotFoundError stores return for a missing patient
func PatientNotFound(id string) error {
	return &NotFoundError{Kind: "patient", ID: id}
}
