package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-partograph/internal/domain/partograph"
)

var t0 = time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC)

func seedPatient(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreatePatient(context.Background(), partograph.Patient{
		ID: id, Name: "Patient " + id, HospitalNumber: "HN-" + id, FacilityID: "f1", CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
}

func TestStoreOpenEpisodeIndex(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPatient(t, s, "p1")

	first := partograph.Record{ID: "a", PatientID: "p1", Status: partograph.StatusPending, Version: 1, CreatedAt: t0}
	if err := s.Insert(ctx, first, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	second := partograph.Record{ID: "b", PatientID: "p1", Status: partograph.StatusPending, Version: 1, CreatedAt: t0}
	var ce *partograph.ConflictError
	if err := s.Insert(ctx, second, nil); !errors.As(err, &ce) || ce.ExistingID != "a" {
		t.Fatalf("expected conflict naming a, got %v", err)
	}

	closed := first
	closed.Status = partograph.StatusEmergency
	closed.Version = 2
	if err := s.Update(ctx, closed, 1, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Insert(ctx, second, nil); err != nil {
		t.Fatalf("closing a should free the slot: %v", err)
	}
}

func TestStoreUpdateVersionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPatient(t, s, "p1")

	rec := partograph.Record{ID: "a", PatientID: "p1", Status: partograph.StatusPending, Version: 1, CreatedAt: t0}
	_ = s.Insert(ctx, rec, nil)

	rec.Version = 3
	if err := s.Update(ctx, rec, 2, nil); !errors.Is(err, partograph.ErrConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := s.Update(ctx, partograph.Record{ID: "zz"}, 1, nil); !errors.Is(err, partograph.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreReturnsDetachedCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPatient(t, s, "p1")

	start := t0
	rec := partograph.Record{ID: "a", PatientID: "p1", Status: partograph.StatusActive, Version: 1, LaborStartTime: &start}
	_ = s.Insert(ctx, rec, nil)

	got, _ := s.GetPartograph(ctx, "a")
	*got.LaborStartTime = t0.Add(time.Hour)

	again, _ := s.GetPartograph(ctx, "a")
	if !again.LaborStartTime.Equal(t0) {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestStoreDeleteAndEvents(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPatient(t, s, "p1")

	p := partograph.New("a", "p1", t0)
	rec := p.Record()
	rec.Version = 1
	if err := s.Insert(ctx, rec, p.Changes()); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Events("a")); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPartograph(ctx, "a"); !errors.Is(err, partograph.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.Delete(ctx, "a"); !errors.Is(err, partograph.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	// The open slot is released with the deleted episode.
	rec.ID = "b"
	if err := s.Insert(ctx, rec, nil); err != nil {
		t.Fatalf("insert after delete: %v", err)
	}
}

func TestStorePatients(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPatient(t, s, "p1")
	seedPatient(t, s, "p2")

	got, err := s.GetPatients(ctx, []string{"p1", "p2", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 patients, got %d", len(got))
	}
	if _, err := s.GetPatient(ctx, "missing"); !errors.Is(err, partograph.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
