package rediscache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
)

func newRedisCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), Config{Enabled: true, Addr: mr.Addr(), KeyPrefix: "test", TTL: 15 * time.Second}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func sampleStats(open int) ward.Stats {
	return ward.Stats{
		GeneratedAt: time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC),
		Counts: map[partograph.Status]int{
			partograph.StatusPending: 1,
			partograph.StatusActive:  open - 1,
		},
		Open:               open,
		EmergenciesLast24h: 1,
		AverageActiveLabor: clock.Elapsed{Hours: 7},
		Overdue: []ward.OverdueCase{{
			PartographID: "p-1",
			PatientName:  "Long Labor",
			Status:       partograph.StatusActive,
			Elapsed:      clock.Elapsed{Hours: 13},
			Limit:        12 * time.Hour,
		}},
	}
}

func TestDisabledCacheAlwaysComputes(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("disabled cache must not connect: %v", err)
	}

	calls := 0
	compute := func(context.Context) (ward.Stats, error) {
		calls++
		return ward.Stats{Open: calls}, nil
	}

	for i := 1; i <= 2; i++ {
		stats, hit, err := c.Dashboard(ctx, compute)
		if err != nil || hit {
			t.Fatalf("unexpected hit=%v err=%v", hit, err)
		}
		if stats.Open != i {
			t.Errorf("expected fresh stats on call %d, got %d", i, stats.Open)
		}
	}
	if err := c.Invalidate(ctx); err != nil {
		t.Errorf("invalidate on disabled cache: %v", err)
	}
}

func TestComputeErrorsPassThrough(t *testing.T) {
	boom := errors.New("store down")
	_, _, err := Disabled().Dashboard(context.Background(), func(context.Context) (ward.Stats, error) {
		return ward.Stats{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}
}

func TestKeyPrefix(t *testing.T) {
	c := &Cache{keyPrefix: "ward-3"}
	if got := c.key(dashboardKey); got != "ward-3:dashboard" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestCachedDashboardIsServed(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (ward.Stats, error) {
		calls++
		return sampleStats(3), nil
	}

	if _, hit, err := c.Dashboard(ctx, compute); err != nil || hit {
		t.Fatalf("first call: hit=%v err=%v", hit, err)
	}
	stats, hit, err := c.Dashboard(ctx, compute)
	if err != nil || !hit {
		t.Fatalf("second call: hit=%v err=%v", hit, err)
	}
	if calls != 1 {
		t.Errorf("computed %d times, want 1", calls)
	}

	want := sampleStats(3)
	if !stats.GeneratedAt.Equal(want.GeneratedAt) || stats.Open != 3 || stats.EmergenciesLast24h != 1 {
		t.Errorf("cached stats = %+v", stats)
	}
	if stats.Counts[partograph.StatusActive] != 2 || stats.AverageActiveLabor.String() != "7h 0m" {
		t.Errorf("counts %v average %s", stats.Counts, stats.AverageActiveLabor)
	}
	if len(stats.Overdue) != 1 || stats.Overdue[0].Limit != 12*time.Hour || stats.Overdue[0].Elapsed.Hours != 13 {
		t.Errorf("overdue = %+v", stats.Overdue)
	}
}

func TestInvalidateForcesRecompute(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (ward.Stats, error) {
		calls++
		return sampleStats(calls + 1), nil
	}

	_, _, _ = c.Dashboard(ctx, compute)
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	stats, hit, err := c.Dashboard(ctx, compute)
	if err != nil || hit || stats.Open != 3 {
		t.Fatalf("after invalidate: open=%d hit=%v err=%v", stats.Open, hit, err)
	}
}

func TestSnapshotComputedBeforeWriteIsNotServed(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	// a write lands while the dashboard is being computed
	_, _, err := c.Dashboard(ctx, func(ctx context.Context) (ward.Stats, error) {
		if err := c.Invalidate(ctx); err != nil {
			t.Fatalf("Invalidate: %v", err)
		}
		return sampleStats(2), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, hit, err := c.Dashboard(ctx, func(context.Context) (ward.Stats, error) {
		return sampleStats(5), nil
	})
	if err != nil || hit || stats.Open != 5 {
		t.Fatalf("stale snapshot served: open=%d hit=%v err=%v", stats.Open, hit, err)
	}

	if _, hit, _ := c.Dashboard(ctx, nil); !hit {
		t.Error("fresh snapshot should now be cached")
	}
}

func TestSnapshotExpires(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (ward.Stats, error) {
		calls++
		return sampleStats(2), nil
	}
	_, _, _ = c.Dashboard(ctx, compute)
	mr.FastForward(16 * time.Second)
	if _, hit, _ := c.Dashboard(ctx, compute); hit || calls != 2 {
		t.Fatalf("expired snapshot: hit=%v calls=%d", hit, calls)
	}
}

func TestRedisOutageFallsBackToCompute(t *testing.T) {
	c, mr := newRedisCache(t)
	mr.Close()

	stats, hit, err := c.Dashboard(context.Background(), func(context.Context) (ward.Stats, error) {
		return sampleStats(4), nil
	})
	if err != nil || hit || stats.Open != 4 {
		t.Fatalf("outage: open=%d hit=%v err=%v", stats.Open, hit, err)
	}
}
