package partograph

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventPartographCreated  EventType = "PartographCreated"
	EventActiveLaborStarted EventType = "ActiveLaborStarted"
	EventThirdStageBegun    EventType = "ThirdStageBegun"
	EventFourthStageBegun   EventType = "FourthStageBegun"
	EventPlacentaDelivered  EventType = "PlacentaDelivered"
	EventDeliveryCompleted  EventType = "DeliveryCompleted"
	EventEmergencyDeclared  EventType = "EmergencyDeclared"
)

// Event represents a lifecycle event recorded by a transition
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id"`
}

// TransitionData is the payload of every lifecycle event
type TransitionData struct {
	PartographID string    `json:"partograph_id"`
	PatientID    string    `json:"patient_id"`
	From         Status    `json:"from,omitempty"`
	To           Status    `json:"to"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewEvent creates a new event stamped at the supplied instant
func NewEvent(aggregateID, patientID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Partograph",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
		PatientID:     patientID,
	}, nil
}

// Payload returns the JSON encoding published to downstream consumers
func (e *Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}
