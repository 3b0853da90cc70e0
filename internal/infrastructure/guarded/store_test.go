package guarded

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/infrastructure/memory"
	"github.com/drfirst/go-partograph/pkg/circuitbreaker"
)

// flakyStore fails every partograph read while down is set
type flakyStore struct {
	*memory.Store
	down bool
}

var errDown = errors.New("connection reset")

func (f *flakyStore) GetPartograph(ctx context.Context, id string) (partograph.Record, error) {
	if f.down {
		return partograph.Record{}, errDown
	}
	return f.Store.GetPartograph(ctx, id)
}

func newGuarded(t *testing.T, next partograph.Store) *Store {
	t.Helper()
	cfg := circuitbreaker.DefaultConfig("test-store")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	s, err := Wrap(next, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDomainErrorsDoNotTrip(t *testing.T) {
	s := newGuarded(t, memory.NewStore())
	for i := 0; i < 5; i++ {
		if _, err := s.GetPartograph(context.Background(), "missing"); !errors.Is(err, partograph.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if s.Breaker().State() != circuitbreaker.StateClosed {
		t.Fatalf("not found answers must keep the breaker closed, got %s", s.Breaker().State())
	}
}

func TestStorageFailuresOpenBreaker(t *testing.T) {
	flaky := &flakyStore{Store: memory.NewStore(), down: true}
	s := newGuarded(t, flaky)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.GetPartograph(ctx, "a"); !errors.Is(err, errDown) {
			t.Fatalf("expected storage error, got %v", err)
		}
	}
	flaky.down = false
	if _, err := s.GetPartograph(ctx, "a"); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
}

func TestPassThrough(t *testing.T) {
	ctx := context.Background()
	s := newGuarded(t, memory.NewStore())

	pt := partograph.Patient{ID: "p1", Name: "A", HospitalNumber: "1", FacilityID: "f"}
	if err := s.CreatePatient(ctx, pt); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPatients(ctx, []string{"p1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("unexpected patients %v, %v", got, err)
	}
	recs, err := s.ListByStatus(ctx, partograph.StatusActive)
	if err != nil || len(recs) != 0 {
		t.Fatalf("unexpected list %v, %v", recs, err)
	}
	if IsStorageFailure(&partograph.ConflictError{}) || !IsStorageFailure(errDown) {
		t.Error("unexpected storage failure classification")
	}
}
