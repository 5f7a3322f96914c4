package evaluator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvlparking/pricelab/internal/domain"
)

type fakeSource struct {
	slices map[string]domain.MetricsSlice // keyed by window start
	err    error
	calls  int
}

func (f *fakeSource) Aggregate(_ context.Context, _ string, _ domain.Daypart, _ int, start, _ time.Time) (domain.MetricsSlice, error) {
	f.calls++
	if f.err != nil {
		return domain.MetricsSlice{}, f.err
	}
	return f.slices[start.Format(time.RFC3339)], nil
}

type fakeResults struct {
	upserted [][]domain.Result
	err      error
}

func (f *fakeResults) Upsert(_ context.Context, rs []domain.Result) error {
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, rs)
	return nil
}

func (f *fakeResults) ListByExperiment(context.Context, string) ([]domain.Result, error) {
	return nil, nil
}

var (
	expStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expEnd   = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	evalNow  = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
)

func runningExperiment() domain.Experiment {
	applied := expStart.Add(2 * time.Hour)
	return domain.Experiment{
		ID:        "exp-1",
		ZoneID:    "Z-100",
		Daypart:   domain.DaypartMorning,
		DOW:       2,
		Status:    domain.ExperimentStatusRunning,
		StartedAt: &expStart,
		EndsAt:    &expEnd,
		Arms: []domain.Arm{
			{ID: "arm-ctl", Delta: 0, Control: true, Status: domain.ArmStatusApplied, AppliedAt: &expStart},
			{ID: "arm-up", Delta: 0.05, Status: domain.ArmStatusApplied, AppliedAt: &applied},
		},
	}
}

func newEvaluator(src *fakeSource, rs *fakeResults) *Evaluator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(src, rs, 30, logger)
}

func TestEvaluateComputesLift(t *testing.T) {
	exp := runningExperiment()
	applied := exp.Arms[1].AppliedAt

	src := &fakeSource{slices: map[string]domain.MetricsSlice{
		expStart.Format(time.RFC3339): {RevPSH: 1.50, OccupancyRatio: 0.60, SampleCount: 100},
		applied.Format(time.RFC3339):  {RevPSH: 1.65, OccupancyRatio: 0.55, SampleCount: 90},
	}}
	rs := &fakeResults{}

	results, err := newEvaluator(src, rs).Evaluate(context.Background(), exp, evalNow)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, rs.upserted, 1)

	byArm := map[string]domain.Result{}
	for _, r := range results {
		byArm[r.ArmID] = r
	}

	ctl := byArm["arm-ctl"]
	assert.Equal(t, domain.ResultMethodRatioVsControl, ctl.Method)
	require.NotNil(t, ctl.LiftRevPSH)
	assert.InDelta(t, 0.0, *ctl.LiftRevPSH, 1e-9)

	up := byArm["arm-up"]
	assert.Equal(t, domain.ResultMethodRatioVsControl, up.Method)
	require.NotNil(t, up.LiftRevPSH)
	// (1.65 - 1.50) / 1.50 = 0.10
	assert.InDelta(t, 0.10, *up.LiftRevPSH, 1e-9)
	require.NotNil(t, up.LiftOccupancy)
	// Occupancy lift is an absolute point difference.
	assert.InDelta(t, -0.05, *up.LiftOccupancy, 1e-9)
}

func TestEvaluateWindowClampsToEndsAt(t *testing.T) {
	exp := runningExperiment()
	src := &fakeSource{slices: map[string]domain.MetricsSlice{}}
	rs := &fakeResults{}

	late := expEnd.Add(48 * time.Hour)
	results, err := newEvaluator(src, rs).Evaluate(context.Background(), exp, late)
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.WindowEnd.Equal(expEnd), "window end %v", r.WindowEnd)
	}
}

func TestEvaluateInsufficientSamples(t *testing.T) {
	exp := runningExperiment()
	applied := exp.Arms[1].AppliedAt

	src := &fakeSource{slices: map[string]domain.MetricsSlice{
		expStart.Format(time.RFC3339): {RevPSH: 1.50, OccupancyRatio: 0.60, SampleCount: 100},
		applied.Format(time.RFC3339):  {RevPSH: 9.99, OccupancyRatio: 0.90, SampleCount: 5},
	}}
	rs := &fakeResults{}

	results, err := newEvaluator(src, rs).Evaluate(context.Background(), exp, evalNow)
	require.NoError(t, err)

	for _, r := range results {
		if r.ArmID == "arm-up" {
			assert.Equal(t, domain.ResultMethodInsufficientData, r.Method)
			assert.Nil(t, r.LiftRevPSH)
			assert.Nil(t, r.LiftOccupancy)
		}
	}
}

func TestEvaluateZeroControlBaseline(t *testing.T) {
	exp := runningExperiment()
	applied := exp.Arms[1].AppliedAt

	src := &fakeSource{slices: map[string]domain.MetricsSlice{
		expStart.Format(time.RFC3339): {RevPSH: 0, OccupancyRatio: 0, SampleCount: 100},
		applied.Format(time.RFC3339):  {RevPSH: 1.65, OccupancyRatio: 0.55, SampleCount: 90},
	}}
	rs := &fakeResults{}

	results, err := newEvaluator(src, rs).Evaluate(context.Background(), exp, evalNow)
	require.NoError(t, err)

	for _, r := range results {
		if r.ArmID == "arm-up" {
			// Division by a zero baseline never happens; the row degrades
			// to insufficient data instead.
			assert.Equal(t, domain.ResultMethodInsufficientData, r.Method)
			assert.Nil(t, r.LiftRevPSH)
		}
	}
}

func TestEvaluateRepeatedRunIsIdempotent(t *testing.T) {
	// Re-running at the same instant over unchanged metrics must produce
	// identical rows, so the upsert replaces instead of accumulating.
	exp := runningExperiment()
	applied := exp.Arms[1].AppliedAt

	src := &fakeSource{slices: map[string]domain.MetricsSlice{
		expStart.Format(time.RFC3339): {RevPSH: 1.50, OccupancyRatio: 0.60, SampleCount: 100},
		applied.Format(time.RFC3339):  {RevPSH: 1.65, OccupancyRatio: 0.55, SampleCount: 90},
	}}
	rs := &fakeResults{}
	ev := newEvaluator(src, rs)

	first, err := ev.Evaluate(context.Background(), exp, evalNow)
	require.NoError(t, err)
	second, err := ev.Evaluate(context.Background(), exp, evalNow)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, rs.upserted, 2)
	assert.Equal(t, rs.upserted[0], rs.upserted[1])
}

func TestEvaluateMetricsUnavailable(t *testing.T) {
	exp := runningExperiment()
	src := &fakeSource{err: errors.New("warehouse timeout")}
	rs := &fakeResults{}

	_, err := newEvaluator(src, rs).Evaluate(context.Background(), exp, evalNow)
	var evalErr *domain.EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, domain.EvalMetricsUnavailable, evalErr.Reason)
	assert.Empty(t, rs.upserted, "nothing persisted on source failure")
}

func TestEvaluateSkipsUnappliedArms(t *testing.T) {
	exp := runningExperiment()
	exp.Arms[1].Status = domain.ArmStatusErrored

	src := &fakeSource{slices: map[string]domain.MetricsSlice{
		expStart.Format(time.RFC3339): {RevPSH: 1.50, OccupancyRatio: 0.60, SampleCount: 100},
	}}
	rs := &fakeResults{}

	results, err := newEvaluator(src, rs).Evaluate(context.Background(), exp, evalNow)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "arm-ctl", results[0].ArmID)
}

func TestEvaluateRejectsNonRunning(t *testing.T) {
	exp := runningExperiment()
	exp.Status = domain.ExperimentStatusScheduled

	_, err := newEvaluator(&fakeSource{}, &fakeResults{}).Evaluate(context.Background(), exp, evalNow)
	assert.ErrorIs(t, err, domain.ErrNotEvaluatable)
}
