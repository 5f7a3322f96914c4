package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lvlparking/pricelab/internal/domain"
)

// RatePlanStore implements domain.RatePlanStore using PostgreSQL.
type RatePlanStore struct {
	pool *pgxpool.Pool
}

// NewRatePlanStore creates a new RatePlanStore backed by the given pool.
func NewRatePlanStore(pool *pgxpool.Pool) *RatePlanStore {
	return &RatePlanStore{pool: pool}
}

// Replace writes the plan for its segment, overwriting any earlier inference
// for the same (zone, daypart, dow).
func (s *RatePlanStore) Replace(ctx context.Context, plan domain.RatePlan) error {
	tiersJSON, err := json.Marshal(plan.Tiers)
	if err != nil {
		return fmt.Errorf("postgres: marshal rate tiers: %w", err)
	}

	const query = `
		INSERT INTO inferred_rate_plans (
			id, zone_id, location_id, daypart, dow, tiers, source, inferred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (zone_id, daypart, dow)
		DO UPDATE SET
			location_id = EXCLUDED.location_id,
			tiers = EXCLUDED.tiers,
			source = EXCLUDED.source,
			inferred_at = EXCLUDED.inferred_at`

	_, err = s.pool.Exec(ctx, query,
		uuid.NewString(), plan.ZoneID, plan.LocationID,
		string(plan.Daypart), plan.DOW, tiersJSON, plan.Source, plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: replace rate plan for %s: %w", plan.ZoneID, err)
	}
	return nil
}

const ratePlanSelectCols = `zone_id, location_id, daypart, dow, tiers, source, inferred_at`

func scanRatePlan(scanner interface{ Scan(dest ...any) error }) (domain.RatePlan, error) {
	var p domain.RatePlan
	var daypart string
	var tiersJSON []byte

	err := scanner.Scan(
		&p.ZoneID, &p.LocationID, &daypart, &p.DOW,
		&tiersJSON, &p.Source, &p.CreatedAt,
	)
	if err != nil {
		return domain.RatePlan{}, err
	}

	p.Daypart = domain.Daypart(daypart)
	if len(tiersJSON) > 0 {
		if err := json.Unmarshal(tiersJSON, &p.Tiers); err != nil {
			return domain.RatePlan{}, fmt.Errorf("unmarshal rate tiers: %w", err)
		}
	}
	return p, nil
}

// Get returns the rate plan for one segment, or ErrNoRatePlan when no
// inference has been stored for it yet.
func (s *RatePlanStore) Get(ctx context.Context, zoneID string, daypart domain.Daypart, dow int) (domain.RatePlan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ratePlanSelectCols+` FROM inferred_rate_plans
		 WHERE zone_id = $1 AND daypart = $2 AND dow = $3`,
		zoneID, string(daypart), dow)

	p, err := scanRatePlan(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RatePlan{}, domain.ErrNoRatePlan
		}
		return domain.RatePlan{}, fmt.Errorf("postgres: get rate plan for %s: %w", zoneID, err)
	}
	return p, nil
}

// ListByZone returns all stored plans for a zone across dayparts and days.
func (s *RatePlanStore) ListByZone(ctx context.Context, zoneID string) ([]domain.RatePlan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ratePlanSelectCols+` FROM inferred_rate_plans
		 WHERE zone_id = $1
		 ORDER BY dow ASC, daypart ASC`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rate plans for %s: %w", zoneID, err)
	}
	defer rows.Close()

	var plans []domain.RatePlan
	for rows.Next() {
		p, err := scanRatePlan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan rate plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}
