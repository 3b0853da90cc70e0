// Package partograph implements the labor episode aggregate, its stage state
// machine, validation rules and the repository that persists it.
package partograph

import (
	"time"

	"github.com/drfirst/go-partograph/internal/domain/clock"
)

// Partograph is one labor episode for one patient. Fields change only
// through the named transition operations.
type Partograph struct {
	id                   string
	patientID            string
	version              int
	status               Status
	laborStartTime       *time.Time
	thirdStageStartTime  *time.Time
	fourthStageStartTime *time.Time
	deliveryTime         *time.Time
	completedTime        *time.Time
	createdAt            time.Time
	statusChangedAt      time.Time
	changes              []*Event
}

// Record is the persisted shape of a partograph
type Record struct {
	ID                   string     `json:"id"`
	PatientID            string     `json:"patient_id"`
	Version              int        `json:"version"`
	Status               Status     `json:"status"`
	LaborStartTime       *time.Time `json:"labor_start_time,omitempty"`
	ThirdStageStartTime  *time.Time `json:"third_stage_start_time,omitempty"`
	FourthStageStartTime *time.Time `json:"fourth_stage_start_time,omitempty"`
	DeliveryTime         *time.Time `json:"delivery_time,omitempty"`
	CompletedTime        *time.Time `json:"completed_time,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	StatusChangedAt      time.Time  `json:"status_changed_at"`
}

// New creates a Pending partograph with no stage timestamps
func New(id, patientID string, now time.Time) *Partograph {
	p := &Partograph{
		id:              id,
		patientID:       patientID,
		status:          StatusPending,
		createdAt:       now,
		statusChangedAt: now,
		changes:         make([]*Event, 0),
	}
	if event, err := NewEvent(id, patientID, EventPartographCreated, &TransitionData{
		PartographID: id,
		PatientID:    patientID,
		To:           StatusPending,
		OccurredAt:   now,
	}, now); err == nil {
		p.changes = append(p.changes, event)
	}
	return p
}

// FromRecord rebuilds a partograph from its persisted form
func FromRecord(r Record) *Partograph {
	return &Partograph{
		id:                   r.ID,
		patientID:            r.PatientID,
		version:              r.Version,
		status:               r.Status,
		laborStartTime:       copyTime(r.LaborStartTime),
		thirdStageStartTime:  copyTime(r.ThirdStageStartTime),
		fourthStageStartTime: copyTime(r.FourthStageStartTime),
		deliveryTime:         copyTime(r.DeliveryTime),
		completedTime:        copyTime(r.CompletedTime),
		createdAt:            r.CreatedAt,
		statusChangedAt:      r.StatusChangedAt,
		changes:              make([]*Event, 0),
	}
}

// Record returns a detached copy of the persisted fields
func (p *Partograph) Record() Record {
	return Record{
		ID:                   p.id,
		PatientID:            p.patientID,
		Version:              p.version,
		Status:               p.status,
		LaborStartTime:       copyTime(p.laborStartTime),
		ThirdStageStartTime:  copyTime(p.thirdStageStartTime),
		FourthStageStartTime: copyTime(p.fourthStageStartTime),
		DeliveryTime:         copyTime(p.deliveryTime),
		CompletedTime:        copyTime(p.completedTime),
		CreatedAt:            p.createdAt,
		StatusChangedAt:      p.statusChangedAt,
	}
}

// ID returns the partograph ID
func (p *Partograph) ID() string { return p.id }

// PatientID returns the linked patient
func (p *Partograph) PatientID() string { return p.patientID }

// Version returns the optimistic concurrency token
func (p *Partograph) Version() int { return p.version }

// Status returns the current status
func (p *Partograph) Status() Status { return p.status }

// CreatedAt returns the creation instant
func (p *Partograph) CreatedAt() time.Time { return p.createdAt }

// StatusChangedAt returns the instant of the last status change
func (p *Partograph) StatusChangedAt() time.Time { return p.statusChangedAt }

// LaborStartTime returns when active labor started
func (p *Partograph) LaborStartTime() (time.Time, bool) { return deref(p.laborStartTime) }

// ThirdStageStartTime returns when the third stage began
func (p *Partograph) ThirdStageStartTime() (time.Time, bool) { return deref(p.thirdStageStartTime) }

// FourthStageStartTime returns when the fourth stage began
func (p *Partograph) FourthStageStartTime() (time.Time, bool) { return deref(p.fourthStageStartTime) }

// DeliveryTime returns when the placenta was delivered
func (p *Partograph) DeliveryTime() (time.Time, bool) { return deref(p.deliveryTime) }

// CompletedTime returns when the episode was completed
func (p *Partograph) CompletedTime() (time.Time, bool) { return deref(p.completedTime) }

// Changes returns uncommitted events
func (p *Partograph) Changes() []*Event { return p.changes }

// ClearChanges clears uncommitted events
func (p *Partograph) ClearChanges() { p.changes = make([]*Event, 0) }

// StageStart returns the start of the currently running stage. Pending and
// terminal statuses have no running stage.
func (p *Partograph) StageStart() (time.Time, bool) {
	switch p.status {
	case StatusActive:
		return p.LaborStartTime()
	case StatusThirdStage:
		return p.ThirdStageStartTime()
	case StatusFourthStage:
		return p.FourthStageStartTime()
	}
	return time.Time{}, false
}

// TimeInStage returns the time spent in the current stage
func (p *Partograph) TimeInStage(now time.Time) (clock.Elapsed, bool) {
	start, ok := p.StageStart()
	if !ok {
		return clock.Elapsed{}, false
	}
	return clock.Since(start, now), true
}

// TotalLaborTime returns the time since active labor started, regardless of
// the current stage. It is undefined until labor starts.
func (p *Partograph) TotalLaborTime(now time.Time) (clock.Elapsed, bool) {
	start, ok := p.LaborStartTime()
	if !ok {
		return clock.Elapsed{}, false
	}
	return clock.Since(start, now), true
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func deref(t *time.Time) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}
