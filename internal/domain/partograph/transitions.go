package partograph

import (
	"fmt"
	"time"
)

// Operation names a state machine transition
type Operation string

const (
	OpStartActiveLabor       Operation = "start_active_labor"
	OpBeginThirdStage        Operation = "begin_third_stage"
	OpBeginFourthStage       Operation = "begin_fourth_stage"
	OpRecordPlacentaDelivery Operation = "record_placenta_delivery"
	OpCompleteDelivery       Operation = "complete_delivery"
	OpDeclareEmergency       Operation = "declare_emergency"
)

// Operations lists every transition operation
var Operations = []Operation{
	OpStartActiveLabor,
	OpBeginThirdStage,
	OpBeginFourthStage,
	OpRecordPlacentaDelivery,
	OpCompleteDelivery,
	OpDeclareEmergency,
}

// ParseOperation converts a string to an Operation
func ParseOperation(s string) (Operation, error) {
	for _, op := range Operations {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Target returns the status an operation moves to. RecordPlacentaDelivery
// keeps the partograph in the third stage.
func (o Operation) Target() Status {
	switch o {
	case OpStartActiveLabor:
		return StatusActive
	case OpBeginThirdStage, OpRecordPlacentaDelivery:
		return StatusThirdStage
	case OpBeginFourthStage:
		return StatusFourthStage
	case OpCompleteDelivery:
		return StatusCompleted
	case OpDeclareEmergency:
		return StatusEmergency
	}
	return ""
}

// AllowedFrom reports whether the operation is legal from status s
func (o Operation) AllowedFrom(s Status) bool {
	switch o {
	case OpStartActiveLabor:
		return s == StatusPending
	case OpBeginThirdStage:
		return s == StatusActive
	case OpBeginFourthStage, OpRecordPlacentaDelivery:
		return s == StatusThirdStage
	case OpCompleteDelivery:
		return s == StatusActive || s == StatusFourthStage
	case OpDeclareEmergency:
		return s.IsOpen()
	}
	return false
}

// Apply runs the named operation at the supplied instant
func (p *Partograph) Apply(op Operation, now time.Time) error {
	switch op {
	case OpStartActiveLabor:
		return p.StartActiveLabor(now)
	case OpBeginThirdStage:
		return p.BeginThirdStage(now)
	case OpBeginFourthStage:
		return p.BeginFourthStage(now)
	case OpRecordPlacentaDelivery:
		return p.RecordPlacentaDelivery(now)
	case OpCompleteDelivery:
		return p.CompleteDelivery(now)
	case OpDeclareEmergency:
		return p.DeclareEmergency(now)
	}
	return fmt.Errorf("unknown operation %q", op)
}

// StartActiveLabor moves a Pending partograph to Active
func (p *Partograph) StartActiveLabor(now time.Time) error {
	event, err := p.prepare(OpStartActiveLabor, EventActiveLaborStarted, now)
	if err != nil {
		return err
	}
	p.laborStartTime = stamp(now)
	p.commit(StatusActive, now, event)
	return nil
}

// BeginThirdStage moves an Active partograph to the third stage
func (p *Partograph) BeginThirdStage(now time.Time) error {
	event, err := p.prepare(OpBeginThirdStage, EventThirdStageBegun, now)
	if err != nil {
		return err
	}
	p.thirdStageStartTime = stamp(now)
	p.commit(StatusThirdStage, now, event)
	return nil
}

// BeginFourthStage moves a third-stage partograph to the fourth stage
func (p *Partograph) BeginFourthStage(now time.Time) error {
	event, err := p.prepare(OpBeginFourthStage, EventFourthStageBegun, now)
	if err != nil {
		return err
	}
	p.fourthStageStartTime = stamp(now)
	p.commit(StatusFourthStage, now, event)
	return nil
}

// RecordPlacentaDelivery stamps the placenta delivery without changing status
func (p *Partograph) RecordPlacentaDelivery(now time.Time) error {
	event, err := p.prepare(OpRecordPlacentaDelivery, EventPlacentaDelivered, now)
	if err != nil {
		return err
	}
	p.deliveryTime = stamp(now)
	p.changes = append(p.changes, event)
	return nil
}

// CompleteDelivery closes an Active or fourth-stage partograph. The delivery
// time is stamped too when it was never recorded.
func (p *Partograph) CompleteDelivery(now time.Time) error {
	event, err := p.prepare(OpCompleteDelivery, EventDeliveryCompleted, now)
	if err != nil {
		return err
	}
	if p.deliveryTime == nil {
		p.deliveryTime = stamp(now)
	}
	p.completedTime = stamp(now)
	p.commit(StatusCompleted, now, event)
	return nil
}

// DeclareEmergency moves any open partograph to Emergency. Stage timestamps
// are preserved.
func (p *Partograph) DeclareEmergency(now time.Time) error {
	event, err := p.prepare(OpDeclareEmergency, EventEmergencyDeclared, now)
	if err != nil {
		return err
	}
	p.commit(StatusEmergency, now, event)
	return nil
}

// prepare checks the operation against the current status and builds its
// event. Nothing is mutated.
func (p *Partograph) prepare(op Operation, eventType EventType, now time.Time) (*Event, error) {
	if !op.AllowedFrom(p.status) {
		return nil, &InvalidTransitionError{From: p.status, Operation: op, To: op.Target()}
	}
	return NewEvent(p.id, p.patientID, eventType, &TransitionData{
		PartographID: p.id,
		PatientID:    p.patientID,
		From:         p.status,
		To:           op.Target(),
		OccurredAt:   now,
	}, now)
}

func (p *Partograph) commit(to Status, now time.Time, event *Event) {
	p.status = to
	p.statusChangedAt = now
	p.changes = append(p.changes, event)
}

func stamp(t time.Time) *time.Time {
	return &t
}
