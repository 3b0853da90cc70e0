package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
)

func TestObserveRejection(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRejection(&partograph.ConflictError{PatientID: "p1", ExistingID: "a"})
	m.ObserveRejection(&partograph.ValidationError{Field: "patient_id", Reason: "is required"})
	m.ObserveRejection(&partograph.ConflictError{Reason: "version mismatch"})

	if got := testutil.ToFloat64(m.SaveRejections.WithLabelValues("conflict")); got != 2 {
		t.Errorf("conflict rejections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SaveRejections.WithLabelValues("validation")); got != 1 {
		t.Errorf("validation rejections = %v, want 1", got)
	}
}

func TestObserveDashboard(t *testing.T) {
	m := New(prometheus.NewRegistry())

	stats := ward.Stats{
		Counts:  map[partograph.Status]int{partograph.StatusActive: 4, partograph.StatusPending: 1},
		Overdue: []ward.OverdueCase{{PartographID: "a"}},
	}
	m.ObserveDashboard(stats, 3*time.Millisecond, false)
	m.ObserveDashboard(stats, 0, true)

	if got := testutil.ToFloat64(m.OpenEpisodes.WithLabelValues("active")); got != 4 {
		t.Errorf("active gauge = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.OverdueEpisodes); got != 1 {
		t.Errorf("overdue gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DashboardCacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
}
