package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lvlparking/pricelab/internal/domain"
)

// GuardrailStore implements domain.GuardrailStore using PostgreSQL.
type GuardrailStore struct {
	pool *pgxpool.Pool
}

// NewGuardrailStore creates a new GuardrailStore backed by the given pool.
func NewGuardrailStore(pool *pgxpool.Pool) *GuardrailStore {
	return &GuardrailStore{pool: pool}
}

// ListActive returns all active guardrail rows, oldest first so later rows
// override earlier ones when the provider merges them.
func (s *GuardrailStore) ListActive(ctx context.Context) ([]domain.GuardrailRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, rules, created_at FROM agent_guardrails
		 WHERE active = TRUE
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active guardrails: %w", err)
	}
	defer rows.Close()

	var rules []domain.GuardrailRule
	for rows.Next() {
		var r domain.GuardrailRule
		var rulesJSON []byte
		if err := rows.Scan(&r.Name, &rulesJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan guardrail: %w", err)
		}
		if len(rulesJSON) > 0 {
			if err := json.Unmarshal(rulesJSON, &r.Rules); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal guardrail %s: %w", r.Name, err)
			}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
