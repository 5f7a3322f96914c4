package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvlparking/pricelab/internal/domain"
)

// PolicyCache implements domain.PolicyCache using Redis string keys holding
// JSON-encoded policies with a TTL. Each zone's merged policy lives at
// "policy:{zoneID}".
type PolicyCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPolicyCache creates a PolicyCache with the given entry TTL.
func NewPolicyCache(c *Client, ttl time.Duration) *PolicyCache {
	return &PolicyCache{rdb: c.Underlying(), ttl: ttl}
}

func policyKey(zoneID string) string {
	return "policy:" + zoneID
}

// Set stores the merged policy for a zone.
func (pc *PolicyCache) Set(ctx context.Context, zoneID string, p domain.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: marshal policy %s: %w", zoneID, err)
	}
	if err := pc.rdb.Set(ctx, policyKey(zoneID), data, pc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set policy %s: %w", zoneID, err)
	}
	return nil
}

// Get retrieves the cached policy for a zone. It returns domain.ErrNotFound
// when the key is missing or expired.
func (pc *PolicyCache) Get(ctx context.Context, zoneID string) (domain.Policy, error) {
	data, err := pc.rdb.Get(ctx, policyKey(zoneID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Policy{}, domain.ErrNotFound
		}
		return domain.Policy{}, fmt.Errorf("redis: get policy %s: %w", zoneID, err)
	}

	var p domain.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Policy{}, fmt.Errorf("redis: unmarshal policy %s: %w", zoneID, err)
	}
	return p, nil
}

// Invalidate drops the cached policy for a zone.
func (pc *PolicyCache) Invalidate(ctx context.Context, zoneID string) error {
	if err := pc.rdb.Del(ctx, policyKey(zoneID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate policy %s: %w", zoneID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PolicyCache = (*PolicyCache)(nil)
