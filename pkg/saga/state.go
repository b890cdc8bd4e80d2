// Package saga tracks the progress of the order fulfillment saga: one State per order, the
// outcome of every step, and whether compensation was requested and applied.
package saga

import "time"

// Step names a stage of the fulfillment saga.
type Step string

const (
	StepCreated              Step = "created"
	StepInventoryReservation Step = "inventory_reservation"
	StepPayment              Step = "payment"
	StepCompensation         Step = "compensation"
	StepCompleted            Step = "completed"
	StepCompensated          Step = "compensated"
)

// Outcome is the result of a step.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Status is a summary of a saga's state, derived from its fields.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusCompensated  Status = "compensated"
	StatusHalted       Status = "halted"
)

// StepRecord is the latest outcome recorded for a step.
type StepRecord struct {
	Outcome    Outcome   `json:"outcome" bson:"outcome"`
	RecordedAt time.Time `json:"recorded_at" bson:"recorded_at"`
	Error      string    `json:"error,omitempty" bson:"error,omitempty"`
}

// State is the persisted record of one saga.
type State struct {
	ID                   string
	AggregateID          string
	CurrentStep          Step
	Steps                map[Step]StepRecord
	CompensationRequired bool
	CompensationReason   string
	CompletedAt          *time.Time
	CompensatedAt        *time.Time
	Halted               bool
	HaltReason           string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Status derives the summary status.
func (s *State) Status() Status {
	switch {
	case s.Halted:
		return StatusHalted
	case s.CompletedAt != nil:
		return StatusCompleted
	case s.CompensatedAt != nil:
		return StatusCompensated
	case s.CompensationRequired:
		return StatusCompensating
	default:
		return StatusRunning
	}
}

// IsTerminal reports whether the saga completed or was compensated.
func (s *State) IsTerminal() bool {
	return s.CompletedAt != nil || s.CompensatedAt != nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := *s
	out.Steps = make(map[Step]StepRecord, len(s.Steps))
	for k, v := range s.Steps {
		out.Steps[k] = v
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.CompensatedAt != nil {
		t := *s.CompensatedAt
		out.CompensatedAt = &t
	}
	return &out
}
