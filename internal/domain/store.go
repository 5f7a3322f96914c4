package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	ZoneID string
	Status ExperimentStatus
}

// StatusUpdate carries the fields set alongside an optimistic status
// transition. The update is applied only when the stored status still equals
// From; otherwise the store returns ErrStaleStatus.
type StatusUpdate struct {
	From      ExperimentStatus
	To        ExperimentStatus
	StartedAt *time.Time
	EndsAt    *time.Time
}

// ExperimentStore persists experiments and their arms.
type ExperimentStore interface {
	// Create persists the experiment and its arms as one atomic unit.
	// Returns a ValidationError with ReasonActiveConflict when another
	// active experiment occupies the same (zone, daypart, dow) segment.
	Create(ctx context.Context, exp Experiment) error
	GetByID(ctx context.Context, id string) (Experiment, error)
	List(ctx context.Context, opts ListOpts) ([]Experiment, error)
	// ListActionable returns non-terminal experiments with arms loaded,
	// for the scheduler's reconciliation tick.
	ListActionable(ctx context.Context) ([]Experiment, error)
	// TransitionStatus applies an optimistic status-guarded transition.
	TransitionStatus(ctx context.Context, id string, upd StatusUpdate) error
	RequestAbort(ctx context.Context, id string) error
	SetEvalFailures(ctx context.Context, id string, n int) error

	UpdateArm(ctx context.Context, arm Arm) error

	// ListTerminalBefore returns complete/aborted experiments created before
	// the cutoff, for cold-storage archival.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Experiment, error)
}

// ResultStore persists evaluation results.
type ResultStore interface {
	// Upsert overwrites any prior row for the same (experiment, arm, window).
	Upsert(ctx context.Context, results []Result) error
	ListByExperiment(ctx context.Context, experimentID string) ([]Result, error)
}

// RatePlanStore persists inferred rate plans per segment.
type RatePlanStore interface {
	Replace(ctx context.Context, plan RatePlan) error
	Get(ctx context.Context, zoneID string, daypart Daypart, dow int) (RatePlan, error)
	ListByZone(ctx context.Context, zoneID string) ([]RatePlan, error)
}

// GuardrailStore reads the active guardrail rule rows.
type GuardrailStore interface {
	ListActive(ctx context.Context) ([]GuardrailRule, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit, offset int) ([]AuditEntry, error)
}
