// Package policy merges stored guardrail rules with configured defaults into
// the single Policy the validator enforces.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
)

// Defaults are the configured floor policy used when no guardrail rows
// override a field.
type Defaults struct {
	MaxDelta           float64
	MinPrice           float64
	ApprovalThreshold  float64
	DefaultDeltas      []float64
	DefaultHorizonDays int
}

// Provider implements domain.PolicyProvider. It merges all active guardrail
// rows over the configured defaults, taking the strictest value where rules
// overlap, and caches the merged result per zone.
type Provider struct {
	store    domain.GuardrailStore
	cache    domain.PolicyCache
	defaults Defaults
	logger   *slog.Logger
}

// NewProvider creates a Provider. cache may be nil, in which case every call
// merges from the store.
func NewProvider(store domain.GuardrailStore, cache domain.PolicyCache, defaults Defaults, logger *slog.Logger) *Provider {
	return &Provider{
		store:    store,
		cache:    cache,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "policy")),
	}
}

// Current returns the active merged policy for a zone. Cache misses fall
// through to the guardrail store; cache errors are logged and ignored so a
// degraded Redis never blocks validation.
func (p *Provider) Current(ctx context.Context, zoneID string) (domain.Policy, error) {
	if p.cache != nil {
		cached, err := p.cache.Get(ctx, zoneID)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("policy cache read failed",
				slog.String("zone_id", zoneID),
				slog.String("error", err.Error()))
		}
	}

	rules, err := p.store.ListActive(ctx)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy: load guardrails: %w", err)
	}

	merged := p.merge(rules)

	if p.cache != nil {
		if err := p.cache.Set(ctx, zoneID, merged); err != nil {
			p.logger.Warn("policy cache write failed",
				slog.String("zone_id", zoneID),
				slog.String("error", err.Error()))
		}
	}

	return merged, nil
}

// Invalidate drops the cached policy for a zone, forcing the next Current
// call to re-merge from the store.
func (p *Provider) Invalidate(ctx context.Context, zoneID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Invalidate(ctx, zoneID); err != nil {
		p.logger.Warn("policy cache invalidate failed",
			slog.String("zone_id", zoneID),
			slog.String("error", err.Error()))
	}
}

// merge folds all active guardrail rows over the defaults. Numeric limits
// take the strictest value seen; blackout windows accumulate across rules.
func (p *Provider) merge(rules []domain.GuardrailRule) domain.Policy {
	pol := domain.Policy{
		MaxDelta:           p.defaults.MaxDelta,
		MinPrice:           p.defaults.MinPrice,
		ApprovalThreshold:  p.defaults.ApprovalThreshold,
		DefaultDeltas:      append([]float64(nil), p.defaults.DefaultDeltas...),
		DefaultHorizonDays: p.defaults.DefaultHorizonDays,
		SnapshotAt:         time.Now().UTC(),
	}

	for _, rule := range rules {
		if v, ok := asFloat(rule.Rules["max_delta"]); ok && v < pol.MaxDelta {
			pol.MaxDelta = v
		}
		if v, ok := asFloat(rule.Rules["min_price"]); ok && v > pol.MinPrice {
			pol.MinPrice = v
		}
		if v, ok := asFloat(rule.Rules["require_approval_if_confidence_lt"]); ok && v > pol.ApprovalThreshold {
			pol.ApprovalThreshold = v
		}
		if raw, ok := rule.Rules["blackout"]; ok {
			windows, err := parseBlackouts(raw)
			if err != nil {
				p.logger.Warn("skipping malformed blackout rule",
					slog.String("rule", rule.Name),
					slog.String("error", err.Error()))
				continue
			}
			pol.BlackoutWindows = append(pol.BlackoutWindows, windows...)
		}
	}

	return pol
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// parseBlackouts accepts the stored JSON shape, a list of
// {"dow": int, "hours": [int, ...]} objects, and converts it to windows.
func parseBlackouts(raw any) ([]domain.BlackoutWindow, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal blackout: %w", err)
	}
	var windows []domain.BlackoutWindow
	if err := json.Unmarshal(data, &windows); err != nil {
		return nil, fmt.Errorf("unmarshal blackout: %w", err)
	}
	return windows, nil
}

// Compile-time interface check.
var _ domain.PolicyProvider = (*Provider)(nil)
