package domain

import "time"

// BlackoutWindow blocks price changes for a set of hours on one weekday.
// Hours are local, 0-23.
type BlackoutWindow struct {
	DOW   int   `json:"dow"`
	Hours []int `json:"hours"`
}

// Blocks reports whether the window forbids changes for the given daypart on
// the given weekday. A daypart is blocked when any of its hours is blacked
// out: morning covers open-16:00, evening 16:00-24:00.
func (w BlackoutWindow) Blocks(daypart Daypart, dow int) bool {
	if w.DOW != dow {
		return false
	}
	for _, h := range w.Hours {
		switch daypart {
		case DaypartMorning:
			if h < 16 {
				return true
			}
		case DaypartEvening:
			if h >= 16 && h < 24 {
				return true
			}
		}
	}
	return false
}

// Policy is the guardrail configuration bounding allowed price experiments.
// A copy is snapshotted onto every Experiment at creation time so later
// evaluation stays reproducible even if the live policy changes.
type Policy struct {
	MaxDelta           float64          `json:"max_delta"`
	MinPrice           float64          `json:"min_price"`
	BlackoutWindows    []BlackoutWindow `json:"blackout_windows,omitempty"`
	ApprovalThreshold  float64          `json:"approval_threshold"`
	DefaultDeltas      []float64        `json:"default_deltas"`
	DefaultHorizonDays int              `json:"default_horizon_days"`
	SnapshotAt         time.Time        `json:"snapshot_at"`
}

// Blackout reports whether the (daypart, dow) segment falls inside any
// blacked-out window.
func (p Policy) Blackout(daypart Daypart, dow int) bool {
	for _, w := range p.BlackoutWindows {
		if w.Blocks(daypart, dow) {
			return true
		}
	}
	return false
}

// GuardrailRule is one active guardrail row as stored. The provider merges
// all active rules into a single Policy, taking the strictest value where
// rules overlap.
type GuardrailRule struct {
	Name      string
	Rules     map[string]any
	CreatedAt time.Time
}
