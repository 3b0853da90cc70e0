package ward

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
)

// OverdueCase is an open episode that has exceeded its stage limit
type OverdueCase struct {
	PartographID   string            `json:"partograph_id"`
	PatientID      string            `json:"patient_id"`
	PatientName    string            `json:"patient_name"`
	HospitalNumber string            `json:"hospital_number"`
	Status         partograph.Status `json:"status"`
	Elapsed        clock.Elapsed     `json:"elapsed"`
	Limit          time.Duration     `json:"limit"`
}

// Stats is a point-in-time dashboard snapshot
type Stats struct {
	GeneratedAt        time.Time                 `json:"generated_at"`
	Counts             map[partograph.Status]int `json:"counts"`
	Open               int                       `json:"open"`
	EmergenciesLast24h int                       `json:"emergencies_last_24h"`
	AverageActiveLabor clock.Elapsed             `json:"average_active_labor"`
	Overdue            []OverdueCase             `json:"overdue"`
}

func emptyStats(now time.Time) Stats {
	counts := make(map[partograph.Status]int, len(partograph.Statuses))
	for _, s := range partograph.Statuses {
		counts[s] = 0
	}
	return Stats{GeneratedAt: now, Counts: counts, Overdue: []OverdueCase{}}
}

// Dashboard computes the ward statistics from one read per status. The
// reads are not a single snapshot: an episode that moves between two reads
// can show up in both lists, so each episode is counted once in the highest
// version seen.
func (e *Engine) Dashboard(ctx context.Context) (Stats, error) {
	now := e.clock.Now()
	stats := emptyStats(now)
	since := now.Add(-24 * time.Hour)

	episodes, err := e.latestEpisodes(ctx)
	if err != nil {
		return Stats{}, err
	}

	var activeTotal time.Duration
	var activeTimed int

	for _, p := range episodes {
		status := p.Status()
		stats.Counts[status]++
		if status.IsOpen() {
			stats.Open++
		}

		switch status {
		case partograph.StatusEmergency:
			at := p.StatusChangedAt()
			if at.After(since) && !at.After(now) {
				stats.EmergenciesLast24h++
			}
			continue
		case partograph.StatusActive:
			if start, ok := p.LaborStartTime(); ok {
				activeTotal += clock.Since(start, now).Duration()
				activeTimed++
			}
		}

		limit := e.thresholds.limit(status)
		if limit <= 0 || !status.IsOpen() {
			continue
		}
		elapsed, ok := overdueElapsed(p, now)
		if ok && elapsed.Duration() > limit {
			stats.Overdue = append(stats.Overdue, OverdueCase{
				PartographID: p.ID(),
				PatientID:    p.PatientID(),
				Status:       status,
				Elapsed:      elapsed,
				Limit:        limit,
			})
		}
	}

	if activeTimed > 0 {
		stats.AverageActiveLabor = clock.FromDuration(activeTotal / time.Duration(activeTimed))
	}

	if err := e.nameOverdue(ctx, stats.Overdue); err != nil {
		return Stats{}, err
	}

	e.logger.Debug("dashboard computed",
		zap.Int("open", stats.Open),
		zap.Int("emergencies_24h", stats.EmergenciesLast24h),
		zap.Int("overdue", len(stats.Overdue)))

	return stats, nil
}

// latestEpisodes reads every status list and keeps one copy of each
// partograph, in status then list order.
func (e *Engine) latestEpisodes(ctx context.Context) ([]*partograph.Partograph, error) {
	index := make(map[string]int)
	var out []*partograph.Partograph
	for _, status := range partograph.Statuses {
		list, err := e.reader.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			i, seen := index[p.ID()]
			switch {
			case !seen:
				index[p.ID()] = len(out)
				out = append(out, p)
			case p.Version() > out[i].Version():
				out[i] = p
			}
		}
	}
	return out, nil
}

// overdueElapsed is the time in the running stage, or time since creation
// for a Pending episode.
func overdueElapsed(p *partograph.Partograph, now time.Time) (clock.Elapsed, bool) {
	if p.Status() == partograph.StatusPending {
		return clock.Since(p.CreatedAt(), now), true
	}
	return p.TimeInStage(now)
}

func (e *Engine) nameOverdue(ctx context.Context, cases []OverdueCase) error {
	if len(cases) == 0 {
		return nil
	}
	ids := make([]string, 0, len(cases))
	for _, c := range cases {
		ids = append(ids, c.PatientID)
	}
	patients, err := e.reader.GetPatients(ctx, ids)
	if err != nil {
		return err
	}
	for i := range cases {
		if pt, ok := patients[cases[i].PatientID]; ok {
			cases[i].PatientName = pt.Name
			cases[i].HospitalNumber = pt.HospitalNumber
		}
	}
	return nil
}
