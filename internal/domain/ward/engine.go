// Package ward builds the read-side views of the labor ward: status lists
// with text search, date-bucketed delivery views and dashboard statistics.
// It never writes.
package ward

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
)

// Reader is the slice of the partograph repository the engine needs
type Reader interface {
	ListByStatus(ctx context.Context, status partograph.Status) ([]*partograph.Partograph, error)
	GetPatients(ctx context.Context, ids []string) (map[string]partograph.Patient, error)
}

// Row pairs a partograph with its patient for display and search
type Row struct {
	Partograph *partograph.Partograph
	Patient    partograph.Patient
}

// Thresholds are the time-in-stage limits after which an open episode is
// flagged as overdue. A zero value disables the flag for that stage.
type Thresholds struct {
	Pending     time.Duration `yaml:"pending"`
	Active      time.Duration `yaml:"active"`
	ThirdStage  time.Duration `yaml:"third_stage"`
	FourthStage time.Duration `yaml:"fourth_stage"`
}

// DefaultThresholds returns the ward's standard overdue limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		Pending:     24 * time.Hour,
		Active:      12 * time.Hour,
		ThirdStage:  30 * time.Minute,
		FourthStage: 2 * time.Hour,
	}
}

func (t Thresholds) limit(s partograph.Status) time.Duration {
	switch s {
	case partograph.StatusPending:
		return t.Pending
	case partograph.StatusActive:
		return t.Active
	case partograph.StatusThirdStage:
		return t.ThirdStage
	case partograph.StatusFourthStage:
		return t.FourthStage
	}
	return 0
}

// Engine computes ward views over a Reader
type Engine struct {
	reader     Reader
	clock      clock.Clock
	thresholds Thresholds
	logger     *zap.Logger
}

// NewEngine creates a new engine
func NewEngine(reader Reader, clk clock.Clock, thresholds Thresholds, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		reader:     reader,
		clock:      clk,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Thresholds returns the configured overdue limits
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// List returns the partographs in status in repository order, filtered by
// query. A blank query returns the whole list.
func (e *Engine) List(ctx context.Context, status partograph.Status, query string) ([]Row, error) {
	rows, err := e.rows(ctx, status)
	if err != nil {
		return nil, err
	}
	return Search(rows, query), nil
}

// Search keeps the rows whose patient name or hospital number contains
// query, ignoring case. Order is preserved.
func Search(rows []Row, query string) []Row {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if strings.Contains(strings.ToLower(r.Patient.Name), q) ||
			strings.Contains(strings.ToLower(r.Patient.HospitalNumber), q) {
			out = append(out, r)
		}
	}
	return out
}

// TodaysDeliveries returns completed partographs delivered today, latest first
func (e *Engine) TodaysDeliveries(ctx context.Context) ([]Row, error) {
	today := clock.StartOfDay(e.clock.Now())
	return e.deliveredBetween(ctx, today, today.AddDate(0, 0, 1))
}

// RecentDeliveries returns completed partographs delivered in the six full
// days before today, latest first. Today and today minus seven are excluded.
func (e *Engine) RecentDeliveries(ctx context.Context) ([]Row, error) {
	today := clock.StartOfDay(e.clock.Now())
	return e.deliveredBetween(ctx, today.AddDate(0, 0, -6), today)
}

// deliveredBetween keeps completed rows with from <= delivery < to. The
// repository already orders completed partographs by delivery descending.
func (e *Engine) deliveredBetween(ctx context.Context, from, to time.Time) ([]Row, error) {
	rows, err := e.rows(ctx, partograph.StatusCompleted)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0)
	for _, r := range rows {
		dt, ok := r.Partograph.DeliveryTime()
		if !ok {
			continue
		}
		dt = dt.In(from.Location())
		if !dt.Before(from) && dt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// rows lists status and joins patients in a single batch lookup
func (e *Engine) rows(ctx context.Context, status partograph.Status) ([]Row, error) {
	list, err := e.reader.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list %s partographs: %w", status, err)
	}
	if len(list) == 0 {
		return []Row{}, nil
	}
	ids := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, p := range list {
		if !seen[p.PatientID()] {
			seen[p.PatientID()] = true
			ids = append(ids, p.PatientID())
		}
	}
	patients, err := e.reader.GetPatients(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	out := make([]Row, 0, len(list))
	for _, p := range list {
		pt, ok := patients[p.PatientID()]
		if !ok {
			e.logger.Warn("partograph references missing patient",
				zap.String("partograph_id", p.ID()),
				zap.String("patient_id", p.PatientID()))
			pt = partograph.Patient{ID: p.PatientID()}
		}
		out = append(out, Row{Partograph: p, Patient: pt})
	}
	return out, nil
}

func sortByDeliveryDesc(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i].Partograph.DeliveryTime()
		b, _ := rows[j].Partograph.DeliveryTime()
		return a.After(b)
	})
}
