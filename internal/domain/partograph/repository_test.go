package partograph_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/infrastructure/memory"
)

var t0 = time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (*partograph.Repository, *memory.Store, *clock.Manual) {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewManual(t0)
	return partograph.NewRepository(store, clk, nil), store, clk
}

func mustPatient(t *testing.T, repo *partograph.Repository, name, number string) partograph.Patient {
	t.Helper()
	p, err := repo.CreatePatient(context.Background(), name, number, "facility-1")
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	return p
}

func TestSecondOpenEpisodeConflicts(t *testing.T) {
	ctx := context.Background()
	repo, _, clk := newRepo(t)
	patient := mustPatient(t, repo, "Amina Odhiambo", "HN-001")

	p, err := repo.Create(ctx, patient.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status() != partograph.StatusPending || p.Version() != 1 {
		t.Fatalf("expected pending v1, got %s v%d", p.Status(), p.Version())
	}

	clk.Advance(30 * time.Minute)
	p, err = repo.Transition(ctx, p.ID(), partograph.OpStartActiveLabor)
	if err != nil {
		t.Fatalf("start active labor: %v", err)
	}
	if p.Status() != partograph.StatusActive {
		t.Fatalf("expected active, got %s", p.Status())
	}
	if ls, ok := p.LaborStartTime(); !ok || !ls.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("labor start not stamped from the clock: %v", ls)
	}

	_, err = repo.Create(ctx, patient.ID)
	var ce *partograph.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError for second open episode, got %v", err)
	}
	if ce.ExistingID != p.ID() {
		t.Errorf("conflict should name the open episode, got %s", ce.ExistingID)
	}
}

func TestTerminalEpisodeDoesNotBlockNewOne(t *testing.T) {
	ctx := context.Background()
	repo, _, clk := newRepo(t)
	patient := mustPatient(t, repo, "Grace Wanjiru", "HN-002")

	p, _ := repo.Create(ctx, patient.ID)
	if _, err := repo.Transition(ctx, p.ID(), partograph.OpDeclareEmergency); err != nil {
		t.Fatalf("declare emergency: %v", err)
	}

	clk.Advance(24 * time.Hour)
	if _, err := repo.Create(ctx, patient.ID); err != nil {
		t.Fatalf("emergency episode must not block a new one: %v", err)
	}
}

func TestTimeInActiveLabor(t *testing.T) {
	ctx := context.Background()
	repo, _, clk := newRepo(t)
	patient := mustPatient(t, repo, "Faith Achieng", "HN-003")

	p, _ := repo.Create(ctx, patient.ID)
	p, err := repo.Transition(ctx, p.ID(), partograph.OpStartActiveLabor)
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(3*time.Hour + 15*time.Minute)
	e, ok := p.TimeInStage(clk.Now())
	if !ok || e.String() != "3h 15m" {
		t.Fatalf("expected 3h 15m, got %v", e)
	}
}

func TestConcurrentCreatesForSamePatient(t *testing.T) {
	ctx := context.Background()
	repo, store, _ := newRepo(t)
	patient := mustPatient(t, repo, "Mercy Chebet", "HN-004")

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Create(ctx, patient.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, partograph.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != attempts-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d conflicts", ok, conflicts)
	}

	open := 0
	for _, st := range partograph.OpenStatuses {
		recs, _ := store.ListByStatus(ctx, st)
		open += len(recs)
	}
	if open != 1 {
		t.Fatalf("expected one open episode in the store, got %d", open)
	}
}

func TestConcurrentSavesForDifferentPatients(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)

	var patients []partograph.Patient
	for i := 0; i < 5; i++ {
		patients = append(patients, mustPatient(t, repo, "Patient", "HN-10"+string(rune('0'+i))))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(patients))
	for _, pt := range patients {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := repo.Create(ctx, id)
			errs <- err
		}(pt.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("independent patients must not conflict: %v", err)
		}
	}
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo, _, clk := newRepo(t)
	patient := mustPatient(t, repo, "Esther Njeri", "HN-005")

	created, _ := repo.Create(ctx, patient.ID)
	first, _ := repo.GetByID(ctx, created.ID())
	second, _ := repo.GetByID(ctx, created.ID())

	clk.Advance(time.Hour)
	if err := first.StartActiveLabor(clk.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	if err := second.DeclareEmergency(clk.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(ctx, second); !errors.Is(err, partograph.ErrConflict) {
		t.Fatalf("expected stale save to conflict, got %v", err)
	}

	stored, _ := repo.GetByID(ctx, created.ID())
	if stored.Status() != partograph.StatusActive {
		t.Errorf("failed save must not change stored state, got %s", stored.Status())
	}
}

func TestSaveRejectsBackwardsClock(t *testing.T) {
	ctx := context.Background()
	repo, store, clk := newRepo(t)
	patient := mustPatient(t, repo, "Joy Atieno", "HN-006")

	p, _ := repo.Create(ctx, patient.ID)
	clk.Advance(4 * time.Hour)
	p, err := repo.Transition(ctx, p.ID(), partograph.OpStartActiveLabor)
	if err != nil {
		t.Fatal(err)
	}

	// A station with a skewed clock stamps the third stage before labor start.
	if err := p.BeginThirdStage(t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(ctx, p); !errors.Is(err, partograph.ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	stored, _ := repo.GetByID(ctx, p.ID())
	if stored.Status() != partograph.StatusActive {
		t.Errorf("failed save must be all-or-nothing, stored status %s", stored.Status())
	}
	if n := len(store.Events(p.ID())); n != 2 {
		t.Errorf("expected 2 committed events, got %d", n)
	}
}

func TestCreateRequiresKnownPatient(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)

	if _, err := repo.Create(ctx, "  "); !errors.Is(err, partograph.ErrValidation) {
		t.Fatalf("expected blank patient to fail validation, got %v", err)
	}
	if _, err := repo.Create(ctx, "ghost"); !errors.Is(err, partograph.ErrValidation) {
		t.Fatalf("expected unknown patient to fail validation, got %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo, _, _ := newRepo(t)

	_, err := repo.GetByID(context.Background(), "missing")
	var nf *partograph.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestTransitionInvalidDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)
	patient := mustPatient(t, repo, "Ruth Kemunto", "HN-007")

	p, _ := repo.Create(ctx, patient.ID)
	if _, err := repo.Transition(ctx, p.ID(), partograph.OpBeginFourthStage); !errors.Is(err, partograph.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	stored, _ := repo.GetByID(ctx, p.ID())
	if stored.Version() != 1 || stored.Status() != partograph.StatusPending {
		t.Errorf("invalid transition must not persist, got %s v%d", stored.Status(), stored.Version())
	}
}

func TestListByStatusOrdering(t *testing.T) {
	ctx := context.Background()
	repo, _, clk := newRepo(t)

	var ids []string
	for i, number := range []string{"HN-201", "HN-202", "HN-203"} {
		pt := mustPatient(t, repo, "Patient", number)
		p, _ := repo.Create(ctx, pt.ID)
		ids = append(ids, p.ID())
		// Later patients started labor earlier, so they have waited longest.
		clk.Set(t0.Add(time.Duration(10-i) * time.Hour))
		if _, err := repo.Transition(ctx, p.ID(), partograph.OpStartActiveLabor); err != nil {
			t.Fatal(err)
		}
	}

	active, err := repo.ListByStatus(ctx, partograph.StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active, got %d", len(active))
	}
	if active[0].ID() != ids[2] || active[2].ID() != ids[0] {
		t.Error("expected active list ordered by labor start ascending")
	}

	clk.Set(t0.Add(20 * time.Hour))
	for i, id := range ids {
		clk.Set(t0.Add(time.Duration(20+i) * time.Hour))
		if _, err := repo.Transition(ctx, id, partograph.OpCompleteDelivery); err != nil {
			t.Fatal(err)
		}
	}
	completed, _ := repo.ListByStatus(ctx, partograph.StatusCompleted)
	if completed[0].ID() != ids[2] || completed[2].ID() != ids[0] {
		t.Error("expected completed list ordered by delivery time descending")
	}
}

func TestCreatePatientDuplicateHospitalNumber(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)
	mustPatient(t, repo, "Naomi", "HN-300")

	if _, err := repo.CreatePatient(ctx, "Other", "HN-300", "facility-1"); !errors.Is(err, partograph.ErrConflict) {
		t.Fatalf("expected conflict for duplicate hospital number, got %v", err)
	}
	if _, err := repo.CreatePatient(ctx, "Other", "HN-300", "facility-2"); err != nil {
		t.Fatalf("same number at another facility should be allowed: %v", err)
	}
	if _, err := repo.CreatePatient(ctx, "", "HN-301", "facility-1"); !errors.Is(err, partograph.ErrValidation) {
		t.Fatalf("expected missing name to fail, got %v", err)
	}
}
