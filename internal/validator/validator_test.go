package validator

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvlparking/pricelab/internal/domain"
)

type fakePolicyProvider struct {
	policy domain.Policy
	err    error
}

func (f *fakePolicyProvider) Current(context.Context, string) (domain.Policy, error) {
	return f.policy, f.err
}

type fakePlanStore struct {
	plan domain.RatePlan
	err  error
}

func (f *fakePlanStore) Replace(context.Context, domain.RatePlan) error { return nil }
func (f *fakePlanStore) Get(context.Context, string, domain.Daypart, int) (domain.RatePlan, error) {
	return f.plan, f.err
}
func (f *fakePlanStore) ListByZone(context.Context, string) ([]domain.RatePlan, error) {
	return nil, nil
}

func testPolicy() domain.Policy {
	return domain.Policy{
		MaxDelta:           0.10,
		MinPrice:           1.00,
		DefaultDeltas:      []float64{-0.05, -0.02, 0.02, 0.05},
		DefaultHorizonDays: 14,
	}
}

func testPlan() domain.RatePlan {
	return domain.RatePlan{
		ZoneID:  "Z-100",
		Daypart: domain.DaypartMorning,
		DOW:     2,
		Tiers: []domain.RateTier{
			{Name: "shortstay", DurationMaxMin: 60, RatePerHour: 4.00},
			{Name: "extended", DurationMaxMin: 0, RatePerHour: 2.00},
		},
	}
}

func newTestValidator(pol domain.Policy, plan domain.RatePlan, planErr error) *Validator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(
		&fakePolicyProvider{policy: pol},
		&fakePlanStore{plan: plan, err: planErr},
		logger,
	)
}

func validRequest() Request {
	return Request{
		ZoneID:    "Z-100",
		Daypart:   domain.DaypartMorning,
		DOW:       2,
		Deltas:    []float64{-0.05, 0.05},
		CreatedBy: "analyst@example.com",
	}
}

func TestBuildHappyPath(t *testing.T) {
	v := newTestValidator(testPolicy(), testPlan(), nil)

	exp, err := v.Build(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.ExperimentStatusScheduled, exp.Status)
	assert.Equal(t, 14, exp.HorizonDays)
	assert.NotEmpty(t, exp.ID)

	// Two requested arms plus the synthesized control.
	require.Len(t, exp.Arms, 3)
	control, ok := exp.ControlArm()
	require.True(t, ok)
	assert.Zero(t, control.Delta)
	assert.Equal(t, domain.ArmStatusPending, control.Status)

	for _, arm := range exp.Arms {
		assert.Equal(t, exp.ID, arm.ExperimentID)
		assert.NotEmpty(t, arm.Proposal.Tiers)
	}
}

func TestBuildUsesPolicyDefaults(t *testing.T) {
	v := newTestValidator(testPolicy(), testPlan(), nil)

	req := validRequest()
	req.Deltas = nil
	req.HorizonDays = 0

	exp, err := v.Build(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 14, exp.HorizonDays)
	assert.Len(t, exp.Arms, 5) // four defaults plus control
}

func TestBuildRejectsDeltaOutOfBounds(t *testing.T) {
	v := newTestValidator(testPolicy(), testPlan(), nil)

	req := validRequest()
	req.Deltas = []float64{0.15}

	_, err := v.Build(context.Background(), req)
	ve, ok := domain.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonDeltaOutOfBounds, ve.Reason)
}

func TestBuildRejectsBlackout(t *testing.T) {
	pol := testPolicy()
	pol.BlackoutWindows = []domain.BlackoutWindow{{DOW: 2, Hours: []int{8, 9, 10}}}
	v := newTestValidator(pol, testPlan(), nil)

	_, err := v.Build(context.Background(), validRequest())
	ve, ok := domain.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonBlackoutWindow, ve.Reason)
}

func TestBuildRejectsMinPriceNotClamps(t *testing.T) {
	pol := testPolicy()
	pol.MinPrice = 2.00
	v := newTestValidator(pol, testPlan(), nil)

	// -10% on the $2.00 extended tier rounds to $1.75, below the floor.
	req := validRequest()
	req.Deltas = []float64{-0.10}

	_, err := v.Build(context.Background(), req)
	ve, ok := domain.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonMinPriceViolated, ve.Reason)
}

func TestBuildDeduplicatesDeltas(t *testing.T) {
	v := newTestValidator(testPolicy(), testPlan(), nil)

	req := validRequest()
	req.Deltas = []float64{0.05, 0.05 + 1e-12, -0.02}

	exp, err := v.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, exp.Arms, 3) // 0.05, -0.02, control
}

func TestBuildExplicitZeroDeltaBecomesControl(t *testing.T) {
	v := newTestValidator(testPolicy(), testPlan(), nil)

	req := validRequest()
	req.Deltas = []float64{0, 0.05}

	exp, err := v.Build(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, exp.Arms, 2)

	controls := 0
	for _, a := range exp.Arms {
		if a.Control {
			controls++
		}
	}
	assert.Equal(t, 1, controls)
}

func TestBuildBadRequest(t *testing.T) {
	v := newTestValidator(testPolicy(), testPlan(), nil)

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing zone", func(r *Request) { r.ZoneID = "" }},
		{"bad daypart", func(r *Request) { r.Daypart = "overnight" }},
		{"dow too high", func(r *Request) { r.DOW = 7 }},
		{"negative dow", func(r *Request) { r.DOW = -1 }},
		{"negative horizon", func(r *Request) { r.HorizonDays = -3 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			_, err := v.Build(context.Background(), req)
			ve, ok := domain.AsValidationError(err)
			require.True(t, ok)
			assert.Equal(t, domain.ReasonBadRequest, ve.Reason)
		})
	}
}

func TestBuildNoRatePlan(t *testing.T) {
	v := newTestValidator(testPolicy(), domain.RatePlan{}, domain.ErrNoRatePlan)

	_, err := v.Build(context.Background(), validRequest())
	ve, ok := domain.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonBadRequest, ve.Reason)
}
