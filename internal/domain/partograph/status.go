package partograph

import "fmt"

// Status represents partograph status
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusThirdStage  Status = "third_stage"
	StatusFourthStage Status = "fourth_stage"
	StatusCompleted   Status = "completed"
	StatusEmergency   Status = "emergency"
)

// Statuses lists every status in stage order
var Statuses = []Status{
	StatusPending,
	StatusActive,
	StatusThirdStage,
	StatusFourthStage,
	StatusCompleted,
	StatusEmergency,
}

// OpenStatuses lists the statuses that block a new episode for the same patient
var OpenStatuses = []Status{
	StatusPending,
	StatusActive,
	StatusThirdStage,
	StatusFourthStage,
}

// ParseStatus converts a string to a Status
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown partograph status %q", s)
}

// IsOpen reports whether the episode is still in progress
func (s Status) IsOpen() bool {
	switch s {
	case StatusPending, StatusActive, StatusThirdStage, StatusFourthStage:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusEmergency
}

// rank orders the forward stages; Emergency sits outside the chain.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusThirdStage:
		return 2
	case StatusFourthStage:
		return 3
	case StatusCompleted:
		return 4
	}
	return -1
}

// CanReach reports whether to is reachable from from along the transition
// graph using zero or more operations.
func CanReach(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusEmergency {
		return from.IsOpen()
	}
	if to == StatusCompleted {
		// Completion is reachable from every open stage: Pending and Active
		// via Active, ThirdStage via FourthStage.
		return from.IsOpen()
	}
	return from.rank() < to.rank()
}
