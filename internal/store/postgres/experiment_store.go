package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lvlparking/pricelab/internal/domain"
)

// ExperimentStore implements domain.ExperimentStore using PostgreSQL.
type ExperimentStore struct {
	pool *pgxpool.Pool
}

// NewExperimentStore creates a new ExperimentStore backed by the given pool.
func NewExperimentStore(pool *pgxpool.Pool) *ExperimentStore {
	return &ExperimentStore{pool: pool}
}

// uniqueViolation is the PostgreSQL error code raised when an insert collides
// with the partial unique index on active (zone_id, daypart, dow) rows.
const uniqueViolation = "23505"

// Create inserts the experiment and all of its arms in a single transaction.
// A collision on the active-segment index maps to ReasonActiveConflict so
// callers never see a raw constraint error.
func (s *ExperimentStore) Create(ctx context.Context, exp domain.Experiment) error {
	policyJSON, err := json.Marshal(exp.Policy)
	if err != nil {
		return fmt.Errorf("postgres: marshal policy snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create experiment: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertExp = `
		INSERT INTO experiments (
			id, zone_id, location_id, daypart, dow, deltas, horizon_days,
			policy, status, abort_requested, eval_failures,
			started_at, ends_at, created_by, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15
		)`

	_, err = tx.Exec(ctx, insertExp,
		exp.ID, exp.ZoneID, exp.LocationID,
		string(exp.Daypart), exp.DOW, exp.Deltas, exp.HorizonDays,
		policyJSON, string(exp.Status), exp.AbortRequested, exp.EvalFailures,
		exp.StartedAt, exp.EndsAt, exp.CreatedBy, exp.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.NewValidationError(domain.ReasonActiveConflict,
				"active experiment exists for zone %s %s dow %d",
				exp.ZoneID, exp.Daypart, exp.DOW)
		}
		return fmt.Errorf("postgres: create experiment %s: %w", exp.ID, err)
	}

	const insertArm = `
		INSERT INTO experiment_arms (
			id, experiment_id, delta, is_control, proposal,
			status, change_ref, attempts, applied_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`

	for _, arm := range exp.Arms {
		proposalJSON, err := json.Marshal(arm.Proposal)
		if err != nil {
			return fmt.Errorf("postgres: marshal arm proposal: %w", err)
		}
		_, err = tx.Exec(ctx, insertArm,
			arm.ID, exp.ID, arm.Delta, arm.Control, proposalJSON,
			string(arm.Status), arm.ChangeRef, arm.Attempts, arm.AppliedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: create arm %s: %w", arm.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create experiment %s: %w", exp.ID, err)
	}
	return nil
}

const experimentSelectCols = `id, zone_id, location_id, daypart, dow, deltas,
	horizon_days, policy, status, abort_requested, eval_failures,
	started_at, ends_at, created_by, created_at`

func scanExperimentFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Experiment, error) {
	var e domain.Experiment
	var daypart, status string
	var policyJSON []byte

	err := scanner.Scan(
		&e.ID, &e.ZoneID, &e.LocationID, &daypart, &e.DOW, &e.Deltas,
		&e.HorizonDays, &policyJSON, &status, &e.AbortRequested, &e.EvalFailures,
		&e.StartedAt, &e.EndsAt, &e.CreatedBy, &e.CreatedAt,
	)
	if err != nil {
		return domain.Experiment{}, err
	}

	e.Daypart = domain.Daypart(daypart)
	e.Status = domain.ExperimentStatus(status)

	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &e.Policy); err != nil {
			return domain.Experiment{}, fmt.Errorf("unmarshal policy: %w", err)
		}
	}
	return e, nil
}

func scanExperimentRows(rows pgx.Rows) ([]domain.Experiment, error) {
	var exps []domain.Experiment
	for rows.Next() {
		e, err := scanExperimentFromRow(rows)
		if err != nil {
			return nil, err
		}
		exps = append(exps, e)
	}
	return exps, rows.Err()
}

const armSelectCols = `id, experiment_id, delta, is_control, proposal,
	status, change_ref, attempts, applied_at, updated_at`

func scanArmRows(rows pgx.Rows) ([]domain.Arm, error) {
	var arms []domain.Arm
	for rows.Next() {
		var a domain.Arm
		var status string
		var proposalJSON []byte

		err := rows.Scan(
			&a.ID, &a.ExperimentID, &a.Delta, &a.Control, &proposalJSON,
			&status, &a.ChangeRef, &a.Attempts, &a.AppliedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		a.Status = domain.ArmStatus(status)
		if len(proposalJSON) > 0 {
			if err := json.Unmarshal(proposalJSON, &a.Proposal); err != nil {
				return nil, fmt.Errorf("unmarshal arm proposal: %w", err)
			}
		}
		arms = append(arms, a)
	}
	return arms, rows.Err()
}

func (s *ExperimentStore) loadArms(ctx context.Context, experimentID string) ([]domain.Arm, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+armSelectCols+` FROM experiment_arms
		 WHERE experiment_id = $1
		 ORDER BY delta ASC`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load arms for %s: %w", experimentID, err)
	}
	defer rows.Close()

	arms, err := scanArmRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan arms for %s: %w", experimentID, err)
	}
	return arms, nil
}

// GetByID retrieves a single experiment with its arms loaded.
func (s *ExperimentStore) GetByID(ctx context.Context, id string) (domain.Experiment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+experimentSelectCols+` FROM experiments WHERE id = $1`, id)

	e, err := scanExperimentFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Experiment{}, domain.ErrNotFound
		}
		return domain.Experiment{}, fmt.Errorf("postgres: get experiment %s: %w", id, err)
	}

	arms, err := s.loadArms(ctx, id)
	if err != nil {
		return domain.Experiment{}, err
	}
	e.Arms = arms
	return e, nil
}

// List returns experiments matching the given filters, newest first.
// Arms are not loaded; use GetByID for the full record.
func (s *ExperimentStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Experiment, error) {
	query := `SELECT ` + experimentSelectCols + ` FROM experiments WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.ZoneID != "" {
		query += fmt.Sprintf(" AND zone_id = $%d", argIdx)
		args = append(args, opts.ZoneID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list experiments: %w", err)
	}
	defer rows.Close()

	exps, err := scanExperimentRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan experiments: %w", err)
	}
	return exps, nil
}

// ListActionable returns all non-terminal experiments with their arms loaded,
// oldest first so long-waiting experiments are reconciled before fresh ones.
func (s *ExperimentStore) ListActionable(ctx context.Context) ([]domain.Experiment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+experimentSelectCols+` FROM experiments
		 WHERE status IN ('scheduled', 'running')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list actionable experiments: %w", err)
	}
	defer rows.Close()

	exps, err := scanExperimentRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan actionable experiments: %w", err)
	}

	for i := range exps {
		arms, err := s.loadArms(ctx, exps[i].ID)
		if err != nil {
			return nil, err
		}
		exps[i].Arms = arms
	}
	return exps, nil
}

// TransitionStatus applies an optimistic status change. The row is updated
// only when its stored status still equals upd.From; a zero-row update means
// another worker moved the experiment first and yields ErrStaleStatus.
func (s *ExperimentStore) TransitionStatus(ctx context.Context, id string, upd domain.StatusUpdate) error {
	if !domain.CanTransition(upd.From, upd.To) {
		return fmt.Errorf("postgres: illegal transition %s -> %s: %w",
			upd.From, upd.To, domain.ErrStaleStatus)
	}

	query := `UPDATE experiments SET status = $1`
	args := []any{string(upd.To)}
	argIdx := 2

	if upd.StartedAt != nil {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, *upd.StartedAt)
		argIdx++
	}
	if upd.EndsAt != nil {
		query += fmt.Sprintf(", ends_at = $%d", argIdx)
		args = append(args, *upd.EndsAt)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $%d AND status = $%d", argIdx, argIdx+1)
	args = append(args, id, string(upd.From))
	if upd.To == domain.ExperimentStatusComplete {
		// An abort flagged mid-tick must win over completion. The zero-row
		// path below reports it as a stale status and the next tick aborts.
		query += " AND abort_requested = FALSE"
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: transition experiment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM experiments WHERE id = $1)", id,
		).Scan(&exists); err == nil && !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleStatus
	}
	return nil
}

// RequestAbort flags a non-terminal experiment for abort on the next tick.
// Flagging an already terminal experiment is a no-op error.
func (s *ExperimentStore) RequestAbort(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET abort_requested = TRUE
		 WHERE id = $1 AND status IN ('scheduled', 'running')`, id)
	if err != nil {
		return fmt.Errorf("postgres: request abort %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM experiments WHERE id = $1)", id,
		).Scan(&exists); err == nil && !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleStatus
	}
	return nil
}

// SetEvalFailures records the consecutive evaluation failure count.
func (s *ExperimentStore) SetEvalFailures(ctx context.Context, id string, n int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET eval_failures = $1 WHERE id = $2`, n, id)
	if err != nil {
		return fmt.Errorf("postgres: set eval failures %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateArm persists arm application state: status, change ref, attempt
// count, and applied timestamp.
func (s *ExperimentStore) UpdateArm(ctx context.Context, arm domain.Arm) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiment_arms
		 SET status = $1, change_ref = $2, attempts = $3, applied_at = $4,
		     updated_at = NOW()
		 WHERE id = $5`,
		string(arm.Status), arm.ChangeRef, arm.Attempts, arm.AppliedAt, arm.ID)
	if err != nil {
		return fmt.Errorf("postgres: update arm %s: %w", arm.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListTerminalBefore returns complete or aborted experiments created before
// the cutoff, with arms loaded, for archival.
func (s *ExperimentStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Experiment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+experimentSelectCols+` FROM experiments
		 WHERE status IN ('complete', 'aborted') AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal experiments: %w", err)
	}
	defer rows.Close()

	exps, err := scanExperimentRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal experiments: %w", err)
	}

	for i := range exps {
		arms, err := s.loadArms(ctx, exps[i].ID)
		if err != nil {
			return nil, err
		}
		exps[i].Arms = arms
	}
	return exps, nil
}
