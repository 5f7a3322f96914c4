package domain

import (
	"time"
)

// Daypart is the coarse time-of-day bucket an experiment targets.
type Daypart string

const (
	DaypartMorning Daypart = "morning" // open until 16:00 local
	DaypartEvening Daypart = "evening" // 16:00 until close
)

// Valid reports whether the daypart is one of the known buckets.
func (d Daypart) Valid() bool {
	return d == DaypartMorning || d == DaypartEvening
}

// ExperimentStatus tracks the experiment lifecycle.
type ExperimentStatus string

const (
	ExperimentStatusScheduled ExperimentStatus = "scheduled"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusComplete  ExperimentStatus = "complete"
	ExperimentStatusAborted   ExperimentStatus = "aborted"
)

// Terminal reports whether no further transitions are allowed.
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentStatusComplete || s == ExperimentStatusAborted
}

// experimentTransitions is the closed transition table. Any status change
// outside this table is rejected by CanTransition.
var experimentTransitions = map[ExperimentStatus][]ExperimentStatus{
	ExperimentStatusScheduled: {ExperimentStatusRunning, ExperimentStatusAborted},
	ExperimentStatusRunning:   {ExperimentStatusComplete, ExperimentStatusAborted},
	ExperimentStatusComplete:  {},
	ExperimentStatusAborted:   {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to ExperimentStatus) bool {
	for _, next := range experimentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ArmStatus tracks the application state of a single arm.
type ArmStatus string

const (
	ArmStatusPending  ArmStatus = "pending"
	ArmStatusApplied  ArmStatus = "applied"
	ArmStatusErrored  ArmStatus = "errored"
	ArmStatusReverted ArmStatus = "reverted"
)

// Experiment is one controlled pricing experiment on a (zone, daypart, dow)
// segment. At most one experiment in a non-terminal status may exist per
// segment; the store enforces this.
type Experiment struct {
	ID             string
	ZoneID         string
	LocationID     *string
	Daypart        Daypart
	DOW            int // 0=Sunday .. 6=Saturday
	Deltas         []float64
	HorizonDays    int
	Policy         Policy // immutable snapshot taken at creation
	Status         ExperimentStatus
	AbortRequested bool
	EvalFailures   int // consecutive metrics-unavailable evaluation attempts
	StartedAt      *time.Time
	EndsAt         *time.Time
	CreatedBy      string
	CreatedAt      time.Time

	Arms []Arm
}

// Active reports whether the experiment occupies its segment.
func (e Experiment) Active() bool {
	return !e.Status.Terminal()
}

// ControlArm returns the control arm, or false when arms are not loaded.
func (e Experiment) ControlArm() (Arm, bool) {
	for _, a := range e.Arms {
		if a.Control {
			return a, true
		}
	}
	return Arm{}, false
}

// Arm is a single price-delta variant within an experiment. Exactly one arm
// per experiment is the control (delta 0); arm deltas are unique.
type Arm struct {
	ID           string
	ExperimentID string
	Delta        float64
	Control      bool
	Proposal     PriceProposal
	Status       ArmStatus
	ChangeRef    *string // change record id from the external rates API
	Attempts     int
	AppliedAt    *time.Time // start of this arm's effective metric window
	UpdatedAt    time.Time
}

// ResultMethod labels how a Result row was computed.
type ResultMethod string

const (
	// ResultMethodRatioVsControl is the normal lift computation. The control
	// arm's own row also carries this method, with zero lifts.
	ResultMethodRatioVsControl ResultMethod = "ratio_vs_control"
	// ResultMethodInsufficientData marks a window with too few transactions
	// (or a zero control baseline) to compute a meaningful lift.
	ResultMethodInsufficientData ResultMethod = "insufficient_data"
)

// Result is the evaluated outcome of one arm over one metric window.
// Re-evaluating the same window overwrites the row.
type Result struct {
	ExperimentID  string
	ArmID         string
	WindowStart   time.Time
	WindowEnd     time.Time
	RevPSH        *float64 // revenue per space-hour
	Occupancy     *float64 // [0,1]
	LiftRevPSH    *float64 // relative to control; nil when insufficient data
	LiftOccupancy *float64 // absolute point difference; nil when insufficient data
	SampleCount   int64
	Method        ResultMethod
	ComputedAt    time.Time
}
