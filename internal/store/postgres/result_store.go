package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lvlparking/pricelab/internal/domain"
)

// ResultStore implements domain.ResultStore using PostgreSQL.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a new ResultStore backed by the given pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// Upsert writes the given results in one transaction. Rows sharing a
// (experiment, arm, window) key with an existing row overwrite it, so
// repeated evaluation of the same window is idempotent.
func (s *ResultStore) Upsert(ctx context.Context, results []domain.Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert results: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		INSERT INTO experiment_results (
			experiment_id, arm_id, window_start, window_end,
			rev_psh, occupancy_ratio, lift_rev_psh, lift_occupancy,
			sample_count, method, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (experiment_id, arm_id, window_start, window_end)
		DO UPDATE SET
			rev_psh = EXCLUDED.rev_psh,
			occupancy_ratio = EXCLUDED.occupancy_ratio,
			lift_rev_psh = EXCLUDED.lift_rev_psh,
			lift_occupancy = EXCLUDED.lift_occupancy,
			sample_count = EXCLUDED.sample_count,
			method = EXCLUDED.method,
			computed_at = EXCLUDED.computed_at`

	for _, r := range results {
		_, err := tx.Exec(ctx, query,
			r.ExperimentID, r.ArmID, r.WindowStart, r.WindowEnd,
			r.RevPSH, r.Occupancy, r.LiftRevPSH, r.LiftOccupancy,
			r.SampleCount, string(r.Method), r.ComputedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert result for arm %s: %w", r.ArmID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit upsert results: %w", err)
	}
	return nil
}

// ListByExperiment returns all results for an experiment, ordered by window
// then arm for stable output.
func (s *ResultStore) ListByExperiment(ctx context.Context, experimentID string) ([]domain.Result, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT experiment_id, arm_id, window_start, window_end,
		        rev_psh, occupancy_ratio, lift_rev_psh, lift_occupancy,
		        sample_count, method, computed_at
		 FROM experiment_results
		 WHERE experiment_id = $1
		 ORDER BY window_start ASC, arm_id ASC`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list results for %s: %w", experimentID, err)
	}
	defer rows.Close()

	var results []domain.Result
	for rows.Next() {
		var r domain.Result
		var method string
		err := rows.Scan(
			&r.ExperimentID, &r.ArmID, &r.WindowStart, &r.WindowEnd,
			&r.RevPSH, &r.Occupancy, &r.LiftRevPSH, &r.LiftOccupancy,
			&r.SampleCount, &method, &r.ComputedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan result: %w", err)
		}
		r.Method = domain.ResultMethod(method)
		results = append(results, r)
	}
	return results, rows.Err()
}
