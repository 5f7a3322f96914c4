package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvlparking/pricelab/internal/domain"
)

type fakeGuardrailStore struct {
	rules []domain.GuardrailRule
	err   error
	calls int
}

func (f *fakeGuardrailStore) ListActive(ctx context.Context) ([]domain.GuardrailRule, error) {
	f.calls++
	return f.rules, f.err
}

type fakePolicyCache struct {
	policies map[string]domain.Policy
	getErr   error
	sets     int
}

func (f *fakePolicyCache) Get(ctx context.Context, zoneID string) (domain.Policy, error) {
	if f.getErr != nil {
		return domain.Policy{}, f.getErr
	}
	p, ok := f.policies[zoneID]
	if !ok {
		return domain.Policy{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePolicyCache) Set(ctx context.Context, zoneID string, p domain.Policy) error {
	if f.policies == nil {
		f.policies = make(map[string]domain.Policy)
	}
	f.policies[zoneID] = p
	f.sets++
	return nil
}

func (f *fakePolicyCache) Invalidate(ctx context.Context, zoneID string) error {
	delete(f.policies, zoneID)
	return nil
}

func testDefaults() Defaults {
	return Defaults{
		MaxDelta:           0.10,
		MinPrice:           1.00,
		ApprovalThreshold:  0.6,
		DefaultDeltas:      []float64{-0.05, 0.05},
		DefaultHorizonDays: 14,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCurrentDefaultsOnly(t *testing.T) {
	store := &fakeGuardrailStore{}
	p := NewProvider(store, nil, testDefaults(), testLogger())

	pol, err := p.Current(context.Background(), "zone-1")
	require.NoError(t, err)

	assert.Equal(t, 0.10, pol.MaxDelta)
	assert.Equal(t, 1.00, pol.MinPrice)
	assert.Equal(t, 0.6, pol.ApprovalThreshold)
	assert.Equal(t, []float64{-0.05, 0.05}, pol.DefaultDeltas)
	assert.Equal(t, 14, pol.DefaultHorizonDays)
	assert.False(t, pol.SnapshotAt.IsZero())
}

func TestMergeTakesStrictestValues(t *testing.T) {
	store := &fakeGuardrailStore{
		rules: []domain.GuardrailRule{
			{Name: "loose", Rules: map[string]any{
				"max_delta": 0.20, // looser than default, must not win
				"min_price": 0.50,
			}},
			{Name: "tight", Rules: map[string]any{
				"max_delta":                         0.05,
				"min_price":                         2.00,
				"require_approval_if_confidence_lt": 0.8,
			}},
		},
	}
	p := NewProvider(store, nil, testDefaults(), testLogger())

	pol, err := p.Current(context.Background(), "zone-1")
	require.NoError(t, err)

	assert.Equal(t, 0.05, pol.MaxDelta)
	assert.Equal(t, 2.00, pol.MinPrice)
	assert.Equal(t, 0.8, pol.ApprovalThreshold)
}

func TestMergeAccumulatesBlackouts(t *testing.T) {
	store := &fakeGuardrailStore{
		rules: []domain.GuardrailRule{
			{Name: "gameday", Rules: map[string]any{
				"blackout": []any{
					map[string]any{"dow": 6, "hours": []any{18, 19, 20}},
				},
			}},
			{Name: "market", Rules: map[string]any{
				"blackout": []any{
					map[string]any{"dow": 0, "hours": []any{8, 9}},
				},
			}},
		},
	}
	p := NewProvider(store, nil, testDefaults(), testLogger())

	pol, err := p.Current(context.Background(), "zone-1")
	require.NoError(t, err)

	require.Len(t, pol.BlackoutWindows, 2)
	assert.True(t, pol.Blackout(domain.DaypartEvening, 6))
	assert.True(t, pol.Blackout(domain.DaypartMorning, 0))
	assert.False(t, pol.Blackout(domain.DaypartMorning, 6))
	assert.False(t, pol.Blackout(domain.DaypartEvening, 0))
}

func TestMergeSkipsMalformedBlackout(t *testing.T) {
	store := &fakeGuardrailStore{
		rules: []domain.GuardrailRule{
			{Name: "broken", Rules: map[string]any{
				"blackout":  "not a list",
				"min_price": 3.00,
			}},
		},
	}
	p := NewProvider(store, nil, testDefaults(), testLogger())

	pol, err := p.Current(context.Background(), "zone-1")
	require.NoError(t, err)

	assert.Empty(t, pol.BlackoutWindows)
	// Numeric limits in the same rule still apply; only the blackout entry
	// is skipped.
	assert.Equal(t, 3.00, pol.MinPrice)
}

func TestMergeIgnoresNonNumericLimits(t *testing.T) {
	store := &fakeGuardrailStore{
		rules: []domain.GuardrailRule{
			{Name: "junk", Rules: map[string]any{
				"max_delta": "five percent",
				"min_price": true,
			}},
		},
	}
	p := NewProvider(store, nil, testDefaults(), testLogger())

	pol, err := p.Current(context.Background(), "zone-1")
	require.NoError(t, err)

	assert.Equal(t, 0.10, pol.MaxDelta)
	assert.Equal(t, 1.00, pol.MinPrice)
}

func TestCurrentUsesCache(t *testing.T) {
	store := &fakeGuardrailStore{}
	cache := &fakePolicyCache{}
	p := NewProvider(store, cache, testDefaults(), testLogger())

	_, err := p.Current(context.Background(), "zone-1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1, cache.sets)

	// Second call is served from the cache.
	_, err = p.Current(context.Background(), "zone-1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
}

func TestCurrentSurvivesCacheFailure(t *testing.T) {
	store := &fakeGuardrailStore{}
	cache := &fakePolicyCache{getErr: errors.New("redis down")}
	p := NewProvider(store, cache, testDefaults(), testLogger())

	pol, err := p.Current(context.Background(), "zone-1")
	require.NoError(t, err)
	assert.Equal(t, 0.10, pol.MaxDelta)
	assert.Equal(t, 1, store.calls)
}

func TestCurrentPropagatesStoreError(t *testing.T) {
	store := &fakeGuardrailStore{err: errors.New("connection refused")}
	p := NewProvider(store, nil, testDefaults(), testLogger())

	_, err := p.Current(context.Background(), "zone-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardrails")
}

func TestInvalidateForcesRemerge(t *testing.T) {
	store := &fakeGuardrailStore{}
	cache := &fakePolicyCache{}
	p := NewProvider(store, cache, testDefaults(), testLogger())

	_, err := p.Current(context.Background(), "zone-1")
	require.NoError(t, err)

	p.Invalidate(context.Background(), "zone-1")

	_, err = p.Current(context.Background(), "zone-1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}
