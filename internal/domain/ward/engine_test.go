package ward_test

import (
	"context"
	"testing"
	"time"

	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
	"github.com/drfirst/go-partograph/internal/infrastructure/memory"
)

var now = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	repo   *partograph.Repository
	clk    *clock.Manual
	engine *ward.Engine
	seq    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(now)
	repo := partograph.NewRepository(memory.NewStore(), clk, nil)
	return &fixture{
		t:      t,
		repo:   repo,
		clk:    clk,
		engine: ward.NewEngine(repo, clk, ward.DefaultThresholds(), nil),
	}
}

// episode creates a patient and drives a partograph through ops, one hour
// apart, starting at start. The clock is restored to now afterwards.
func (f *fixture) episode(name string, start time.Time, ops ...partograph.Operation) *partograph.Partograph {
	f.t.Helper()
	ctx := context.Background()
	f.seq++
	f.clk.Set(start)
	defer f.clk.Set(now)

	pt, err := f.repo.CreatePatient(ctx, name, "HN-"+string(rune('A'+f.seq)), "ward-1")
	if err != nil {
		f.t.Fatalf("create patient: %v", err)
	}
	p, err := f.repo.Create(ctx, pt.ID)
	if err != nil {
		f.t.Fatalf("create partograph: %v", err)
	}
	for _, op := range ops {
		f.clk.Advance(time.Hour)
		if p, err = f.repo.Transition(ctx, p.ID(), op); err != nil {
			f.t.Fatalf("%s: %v", op, err)
		}
	}
	return p
}

func ids(rows []ward.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Partograph.ID())
	}
	return out
}

func TestDeliveryBuckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deliver := []partograph.Operation{partograph.OpStartActiveLabor, partograph.OpCompleteDelivery}

	today := f.episode("Today Mother", now.Add(-6*time.Hour), deliver...)
	threeDays := f.episode("Three Days", now.AddDate(0, 0, -3), deliver...)
	tenDays := f.episode("Ten Days", now.AddDate(0, 0, -10), deliver...)

	todays, err := f.engine.TodaysDeliveries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(todays); len(got) != 1 || got[0] != today.ID() {
		t.Errorf("today's deliveries = %v, want [%s]", got, today.ID())
	}

	recent, err := f.engine.RecentDeliveries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(recent); len(got) != 1 || got[0] != threeDays.ID() {
		t.Errorf("recent deliveries = %v, want [%s]", got, threeDays.ID())
	}

	all, err := f.engine.List(ctx, partograph.StatusCompleted, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{today.ID(), threeDays.ID(), tenDays.ID()}
	got := ids(all)
	if len(got) != len(want) {
		t.Fatalf("completed list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("completed list = %v, want %v", got, want)
		}
	}
}

func TestRecentDeliveriesExcludesSevenDaysAgo(t *testing.T) {
	f := newFixture(t)
	deliver := []partograph.Operation{partograph.OpStartActiveLabor, partograph.OpCompleteDelivery}

	f.episode("Seven Days", clock.StartOfDay(now).AddDate(0, 0, -7).Add(time.Hour), deliver...)
	six := f.episode("Six Days", clock.StartOfDay(now).AddDate(0, 0, -6).Add(time.Hour), deliver...)
	yesterday := f.episode("Yesterday", clock.StartOfDay(now).Add(-3*time.Hour), deliver...)

	recent, err := f.engine.RecentDeliveries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := ids(recent)
	if len(got) != 2 || got[0] != yesterday.ID() || got[1] != six.ID() {
		t.Fatalf("recent deliveries = %v, want [%s %s]", got, yesterday.ID(), six.ID())
	}
}

func TestListSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	amina := f.episode("Amina Hassan", now.Add(-5*time.Hour), partograph.OpStartActiveLabor)
	f.episode("Grace Otieno", now.Add(-4*time.Hour), partograph.OpStartActiveLabor)

	rows, err := f.engine.List(ctx, partograph.StatusActive, "  ")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("blank search should return the full list, got %d", len(rows))
	}

	rows, _ = f.engine.List(ctx, partograph.StatusActive, "HASS")
	if got := ids(rows); len(got) != 1 || got[0] != amina.ID() {
		t.Errorf("name search = %v, want [%s]", got, amina.ID())
	}

	rows, _ = f.engine.List(ctx, partograph.StatusActive, rows[0].Patient.HospitalNumber)
	if len(rows) != 1 {
		t.Errorf("hospital number search returned %d rows", len(rows))
	}

	rows, _ = f.engine.List(ctx, partograph.StatusActive, "nobody")
	if rows == nil || len(rows) != 0 {
		t.Errorf("expected an empty, non-nil result, got %v", rows)
	}
}

func TestDashboardEmptyStore(t *testing.T) {
	f := newFixture(t)

	stats, err := f.engine.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard on empty store: %v", err)
	}
	for _, s := range partograph.Statuses {
		n, ok := stats.Counts[s]
		if !ok || n != 0 {
			t.Errorf("expected zero count for %s, got %d (present=%v)", s, n, ok)
		}
	}
	if stats.EmergenciesLast24h != 0 || stats.Open != 0 || len(stats.Overdue) != 0 {
		t.Errorf("expected zeroed stats, got %+v", stats)
	}
	if stats.AverageActiveLabor.Duration() != 0 {
		t.Errorf("expected zero average, got %v", stats.AverageActiveLabor)
	}
}

func TestDashboardStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Active since now-3h and now-5h: average 4h.
	f.episode("Active One", now.Add(-4*time.Hour), partograph.OpStartActiveLabor)
	f.episode("Active Two", now.Add(-6*time.Hour), partograph.OpStartActiveLabor)
	// Active since now-13h: overdue, average becomes 7h.
	late := f.episode("Long Labor", now.Add(-14*time.Hour), partograph.OpStartActiveLabor)
	// Emergency declared 2h ago counts, 30h ago does not.
	f.episode("Recent Emergency", now.Add(-3*time.Hour), partograph.OpDeclareEmergency)
	f.episode("Old Emergency", now.Add(-31*time.Hour), partograph.OpDeclareEmergency)
	f.episode("Waiting", now.Add(-time.Hour))

	stats, err := f.engine.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if stats.Counts[partograph.StatusActive] != 3 {
		t.Errorf("active count = %d, want 3", stats.Counts[partograph.StatusActive])
	}
	if stats.Counts[partograph.StatusEmergency] != 2 {
		t.Errorf("emergency count = %d, want 2", stats.Counts[partograph.StatusEmergency])
	}
	if stats.Counts[partograph.StatusPending] != 1 || stats.Open != 4 {
		t.Errorf("pending=%d open=%d, want 1 and 4", stats.Counts[partograph.StatusPending], stats.Open)
	}
	if stats.EmergenciesLast24h != 1 {
		t.Errorf("emergencies in 24h = %d, want 1", stats.EmergenciesLast24h)
	}
	if got := stats.AverageActiveLabor.String(); got != "7h 0m" {
		t.Errorf("average active labor = %s, want 7h 0m", got)
	}
	if len(stats.Overdue) != 1 || stats.Overdue[0].PartographID != late.ID() {
		t.Fatalf("overdue = %+v, want only %s", stats.Overdue, late.ID())
	}
	if stats.Overdue[0].PatientName != "Long Labor" {
		t.Errorf("overdue case should carry the patient name, got %q", stats.Overdue[0].PatientName)
	}
}

func TestDeliveryReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.episode("Morning", now.Add(-8*time.Hour), partograph.OpStartActiveLabor, partograph.OpCompleteDelivery)
	f.episode("Earlier", now.Add(-12*time.Hour), partograph.OpStartActiveLabor,
		partograph.OpBeginThirdStage, partograph.OpRecordPlacentaDelivery,
		partograph.OpBeginFourthStage, partograph.OpCompleteDelivery)
	f.episode("Yesterday", now.AddDate(0, 0, -1), partograph.OpStartActiveLabor, partograph.OpCompleteDelivery)

	report, err := f.engine.DeliveryReport(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Day != "2024-05-10" || report.Count != 2 {
		t.Fatalf("unexpected report header %s count=%d", report.Day, report.Count)
	}
	if report.Deliveries[0].PatientName != "Morning" {
		t.Errorf("expected latest delivery first, got %s", report.Deliveries[0].PatientName)
	}
	// Morning: labor 1h, Earlier: labor 2h to placenta delivery.
	if report.AverageLaborDuration == nil || report.AverageLaborDuration.String() != "1h 30m" {
		t.Errorf("average labor duration = %v, want 1h 30m", report.AverageLaborDuration)
	}

	empty, err := f.engine.DeliveryReport(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatal(err)
	}
	if empty.Count != 0 || empty.Deliveries == nil || empty.AverageLaborDuration != nil {
		t.Errorf("expected an empty report, got %+v", empty)
	}
}

// movingReader starts active labor on one episode right after the pending
// list is read, so the next read sees it again
type movingReader struct {
	*partograph.Repository
	t     *testing.T
	moved string
}

func (r *movingReader) ListByStatus(ctx context.Context, status partograph.Status) ([]*partograph.Partograph, error) {
	list, err := r.Repository.ListByStatus(ctx, status)
	if err == nil && status == partograph.StatusPending && r.moved != "" {
		if _, err := r.Transition(ctx, r.moved, partograph.OpStartActiveLabor); err != nil {
			r.t.Fatalf("transition during read: %v", err)
		}
		r.moved = ""
	}
	return list, err
}

func TestDashboardCountsEpisodeMovedBetweenReadsOnce(t *testing.T) {
	f := newFixture(t)
	p := f.episode("Moving", now.Add(-time.Hour))
	f.episode("Still Waiting", now.Add(-time.Hour))

	reader := &movingReader{Repository: f.repo, t: t, moved: p.ID()}
	engine := ward.NewEngine(reader, f.clk, ward.DefaultThresholds(), nil)

	stats, err := engine.Dashboard(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Counts[partograph.StatusPending] != 1 || stats.Counts[partograph.StatusActive] != 1 {
		t.Errorf("counts = %v, want one pending and one active", stats.Counts)
	}
	if stats.Open != 2 {
		t.Errorf("open = %d, want 2", stats.Open)
	}
}
