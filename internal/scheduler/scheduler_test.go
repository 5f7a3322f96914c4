package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/evaluator"
)

// --- fakes -----------------------------------------------------------------

type fakeExperimentStore struct {
	mu           sync.Mutex
	experiments  map[string]*domain.Experiment
	transitions  []domain.StatusUpdate
	staleOn      map[string]bool // experiment IDs whose transition reports stale
	evalFailures map[string]int
}

func newFakeExperimentStore(exps ...*domain.Experiment) *fakeExperimentStore {
	m := map[string]*domain.Experiment{}
	for _, e := range exps {
		m[e.ID] = e
	}
	return &fakeExperimentStore{
		experiments:  m,
		staleOn:      map[string]bool{},
		evalFailures: map[string]int{},
	}
}

func (f *fakeExperimentStore) Create(context.Context, domain.Experiment) error { return nil }

func (f *fakeExperimentStore) GetByID(_ context.Context, id string) (domain.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.experiments[id]
	if !ok {
		return domain.Experiment{}, domain.ErrNotFound
	}
	return *e, nil
}

func (f *fakeExperimentStore) List(context.Context, domain.ListOpts) ([]domain.Experiment, error) {
	return nil, nil
}

func (f *fakeExperimentStore) ListActionable(context.Context) ([]domain.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Experiment
	for _, e := range f.experiments {
		if !e.Status.Terminal() {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeExperimentStore) TransitionStatus(_ context.Context, id string, upd domain.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staleOn[id] {
		return domain.ErrStaleStatus
	}
	e, ok := f.experiments[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.Status != upd.From {
		return domain.ErrStaleStatus
	}
	if upd.To == domain.ExperimentStatusComplete && e.AbortRequested {
		return domain.ErrStaleStatus
	}
	e.Status = upd.To
	if upd.StartedAt != nil {
		e.StartedAt = upd.StartedAt
	}
	if upd.EndsAt != nil {
		e.EndsAt = upd.EndsAt
	}
	f.transitions = append(f.transitions, upd)
	return nil
}

func (f *fakeExperimentStore) RequestAbort(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.experiments[id].AbortRequested = true
	return nil
}

func (f *fakeExperimentStore) SetEvalFailures(_ context.Context, id string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalFailures[id] = n
	if e, ok := f.experiments[id]; ok {
		e.EvalFailures = n
	}
	return nil
}

func (f *fakeExperimentStore) UpdateArm(_ context.Context, arm domain.Arm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.experiments[arm.ExperimentID]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range e.Arms {
		if e.Arms[i].ID == arm.ID {
			e.Arms[i] = arm
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeExperimentStore) ListTerminalBefore(context.Context, time.Time, int) ([]domain.Experiment, error) {
	return nil, nil
}

type fakeMechanism struct {
	mu        sync.Mutex
	applyErrs map[string]error // keyed by arm ID
	applied   []string
	reverted  []string
	revertErr error
}

func (f *fakeMechanism) Apply(_ context.Context, _, armID string, _ domain.PriceProposal) (domain.ChangeRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.applyErrs[armID]; err != nil {
		return "", err
	}
	f.applied = append(f.applied, armID)
	return domain.ChangeRef("chg-" + armID), nil
}

func (f *fakeMechanism) Revert(_ context.Context, ref domain.ChangeRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revertErr != nil {
		return f.revertErr
	}
	f.reverted = append(f.reverted, string(ref))
	return nil
}

type fakeLocks struct{ held map[string]bool }

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type fakeSource struct {
	slice       domain.MetricsSlice
	err         error
	onAggregate func()
}

func (f *fakeSource) Aggregate(context.Context, string, domain.Daypart, int, time.Time, time.Time) (domain.MetricsSlice, error) {
	if f.onAggregate != nil {
		f.onAggregate()
	}
	return f.slice, f.err
}

type fakeResults struct{ rows []domain.Result }

func (f *fakeResults) Upsert(_ context.Context, rs []domain.Result) error {
	f.rows = append(f.rows, rs...)
	return nil
}
func (f *fakeResults) ListByExperiment(context.Context, string) ([]domain.Result, error) {
	return nil, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// --- helpers ---------------------------------------------------------------

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scheduledExperiment() *domain.Experiment {
	return &domain.Experiment{
		ID:          "exp-1",
		ZoneID:      "Z-100",
		Daypart:     domain.DaypartMorning,
		DOW:         2,
		HorizonDays: 14,
		Status:      domain.ExperimentStatusScheduled,
		Arms: []domain.Arm{
			{ID: "arm-ctl", ExperimentID: "exp-1", Control: true, Status: domain.ArmStatusPending},
			{ID: "arm-up", ExperimentID: "exp-1", Delta: 0.05, Status: domain.ArmStatusPending},
		},
	}
}

func runningExperiment(started, ends time.Time) *domain.Experiment {
	refUp := "chg-arm-up"
	return &domain.Experiment{
		ID:          "exp-1",
		ZoneID:      "Z-100",
		Daypart:     domain.DaypartMorning,
		DOW:         2,
		HorizonDays: 14,
		Status:      domain.ExperimentStatusRunning,
		StartedAt:   &started,
		EndsAt:      &ends,
		Arms: []domain.Arm{
			{ID: "arm-ctl", ExperimentID: "exp-1", Control: true, Status: domain.ArmStatusApplied, AppliedAt: &started},
			{ID: "arm-up", ExperimentID: "exp-1", Delta: 0.05, Status: domain.ArmStatusApplied, ChangeRef: &refUp, AppliedAt: &started},
		},
	}
}

func newScheduler(store *fakeExperimentStore, mech *fakeMechanism, src *fakeSource, notifier Notifier) *Scheduler {
	return newSchedulerWithResults(store, mech, src, notifier, &fakeResults{})
}

func newSchedulerWithResults(store *fakeExperimentStore, mech *fakeMechanism, src *fakeSource, notifier Notifier, results *fakeResults) *Scheduler {
	eval := evaluator.New(src, results, 30, discard())
	s := New(store, mech, eval, &fakeLocks{}, nil, nil, notifier, Config{
		TickInterval:     time.Minute,
		MaxApplyAttempts: 3,
		EvalWarnAfter:    2,
	}, discard())
	s.now = func() time.Time { return testNow }
	return s
}

// --- tests -----------------------------------------------------------------

func TestTickAppliesArmsAndStartsExperiment(t *testing.T) {
	store := newFakeExperimentStore(scheduledExperiment())
	mech := &fakeMechanism{}
	s := newScheduler(store, mech, &fakeSource{}, nil)

	s.Tick(context.Background())

	got, err := store.GetByID(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndsAt)
	assert.Equal(t, testNow.Add(14*24*time.Hour), *got.EndsAt)

	// Only the treatment arm goes through the mechanism. The control arm
	// keeps baseline rates and is marked applied without an external call.
	assert.Equal(t, []string{"arm-up"}, mech.applied)
	for _, arm := range got.Arms {
		assert.Equal(t, domain.ArmStatusApplied, arm.Status)
		require.NotNil(t, arm.AppliedAt)
		if arm.Control {
			assert.Nil(t, arm.ChangeRef)
			assert.Equal(t, 0, arm.Attempts)
		} else {
			require.NotNil(t, arm.ChangeRef)
			assert.Equal(t, "chg-arm-up", *arm.ChangeRef)
			assert.Equal(t, 1, arm.Attempts)
		}
	}
}

func TestTickRetriesFailedArmThenAborts(t *testing.T) {
	store := newFakeExperimentStore(scheduledExperiment())
	mech := &fakeMechanism{applyErrs: map[string]error{"arm-up": errors.New("rates api down")}}
	notifier := &fakeNotifier{}
	s := newScheduler(store, mech, &fakeSource{}, notifier)

	ctx := context.Background()

	// Three ticks exhaust the attempt budget without starting the run.
	for i := 0; i < 3; i++ {
		s.Tick(ctx)
		got, _ := store.GetByID(ctx, "exp-1")
		assert.Equal(t, domain.ExperimentStatusScheduled, got.Status, "tick %d", i)
	}

	// The fourth tick sees the exhausted arm and aborts. The control arm
	// was never pushed externally so there is nothing to revert remotely.
	s.Tick(ctx)

	got, _ := store.GetByID(ctx, "exp-1")
	assert.Equal(t, domain.ExperimentStatusAborted, got.Status)
	assert.Empty(t, mech.reverted)
	assert.Contains(t, notifier.events, "experiment.aborted")

	for _, arm := range got.Arms {
		if arm.ID == "arm-ctl" {
			assert.Equal(t, domain.ArmStatusReverted, arm.Status)
		}
	}
}

func TestTickAbortRequestedWinsOverCompletion(t *testing.T) {
	// Horizon elapsed AND abort requested: abort wins.
	exp := runningExperiment(testNow.Add(-15*24*time.Hour), testNow.Add(-24*time.Hour))
	exp.AbortRequested = true
	store := newFakeExperimentStore(exp)
	mech := &fakeMechanism{}
	s := newScheduler(store, mech, &fakeSource{
		slice: domain.MetricsSlice{RevPSH: 1.5, OccupancyRatio: 0.6, SampleCount: 100},
	}, nil)

	s.Tick(context.Background())

	got, _ := store.GetByID(context.Background(), "exp-1")
	assert.Equal(t, domain.ExperimentStatusAborted, got.Status)
	assert.Equal(t, []string{"chg-arm-up"}, mech.reverted)
}

func TestAbortDuringEvaluationBlocksCompletion(t *testing.T) {
	// An abort request landing while the final evaluation is in flight must
	// not lose to the running -> complete transition. The store rejects the
	// completion once the flag is set and the next tick aborts instead.
	exp := runningExperiment(testNow.Add(-15*24*time.Hour), testNow.Add(-time.Hour))
	store := newFakeExperimentStore(exp)
	mech := &fakeMechanism{}
	src := &fakeSource{
		slice: domain.MetricsSlice{RevPSH: 1.5, OccupancyRatio: 0.6, SampleCount: 100},
	}
	src.onAggregate = func() {
		_ = store.RequestAbort(context.Background(), "exp-1")
	}
	s := newScheduler(store, mech, src, nil)

	ctx := context.Background()
	s.Tick(ctx)

	got, _ := store.GetByID(ctx, "exp-1")
	assert.Equal(t, domain.ExperimentStatusRunning, got.Status, "completion must be rejected")

	s.Tick(ctx)

	got, _ = store.GetByID(ctx, "exp-1")
	assert.Equal(t, domain.ExperimentStatusAborted, got.Status)
}

func TestTickCompletesAfterHorizon(t *testing.T) {
	exp := runningExperiment(testNow.Add(-15*24*time.Hour), testNow.Add(-time.Hour))
	store := newFakeExperimentStore(exp)
	mech := &fakeMechanism{}
	notifier := &fakeNotifier{}
	s := newScheduler(store, mech, &fakeSource{
		slice: domain.MetricsSlice{RevPSH: 1.5, OccupancyRatio: 0.6, SampleCount: 100},
	}, notifier)

	s.Tick(context.Background())

	got, _ := store.GetByID(context.Background(), "exp-1")
	assert.Equal(t, domain.ExperimentStatusComplete, got.Status)
	assert.Equal(t, []string{"chg-arm-up"}, mech.reverted, "rates return to baseline at completion")
	assert.Contains(t, notifier.events, "experiment.completed")

	for _, arm := range got.Arms {
		assert.Equal(t, domain.ArmStatusReverted, arm.Status)
	}
}

func TestTickKeepsRunningInsideHorizon(t *testing.T) {
	exp := runningExperiment(testNow.Add(-24*time.Hour), testNow.Add(13*24*time.Hour))
	store := newFakeExperimentStore(exp)
	results := &fakeResults{}
	s := newSchedulerWithResults(store, &fakeMechanism{}, &fakeSource{
		slice: domain.MetricsSlice{RevPSH: 1.5, OccupancyRatio: 0.6, SampleCount: 100},
	}, nil, results)

	// Successive ticks inside the horizon must not write result rows;
	// interim readouts belong to the manual evaluation endpoint.
	s.Tick(context.Background())
	s.Tick(context.Background())

	got, _ := store.GetByID(context.Background(), "exp-1")
	assert.Equal(t, domain.ExperimentStatusRunning, got.Status)
	assert.Empty(t, results.rows)
}

func TestTickMetricsOutageCountsFailuresAndWarns(t *testing.T) {
	// Horizon has elapsed but the warehouse is down: the experiment must
	// stay running and the stall is flagged after EvalWarnAfter failures.
	exp := runningExperiment(testNow.Add(-15*24*time.Hour), testNow.Add(-time.Hour))
	store := newFakeExperimentStore(exp)
	notifier := &fakeNotifier{}
	s := newScheduler(store, &fakeMechanism{}, &fakeSource{err: errors.New("warehouse down")}, notifier)

	ctx := context.Background()

	s.Tick(ctx)
	assert.Equal(t, 1, store.evalFailures["exp-1"])
	assert.Empty(t, notifier.events)

	// Second consecutive failure crosses EvalWarnAfter.
	s.Tick(ctx)
	assert.Equal(t, 2, store.evalFailures["exp-1"])
	assert.Contains(t, notifier.events, "experiment.eval_stalled")

	got, _ := store.GetByID(ctx, "exp-1")
	assert.Equal(t, domain.ExperimentStatusRunning, got.Status, "outage never aborts")
}

func TestTickResetsFailureCountOnRecovery(t *testing.T) {
	exp := runningExperiment(testNow.Add(-15*24*time.Hour), testNow.Add(-time.Hour))
	exp.EvalFailures = 5
	store := newFakeExperimentStore(exp)
	s := newScheduler(store, &fakeMechanism{}, &fakeSource{
		slice: domain.MetricsSlice{RevPSH: 1.5, OccupancyRatio: 0.6, SampleCount: 100},
	}, nil)

	s.Tick(context.Background())
	assert.Equal(t, 0, store.evalFailures["exp-1"])

	got, _ := store.GetByID(context.Background(), "exp-1")
	assert.Equal(t, domain.ExperimentStatusComplete, got.Status)
}

func TestTickSkipsLockedExperiment(t *testing.T) {
	store := newFakeExperimentStore(scheduledExperiment())
	mech := &fakeMechanism{}
	eval := evaluator.New(&fakeSource{}, &fakeResults{}, 30, discard())
	s := New(store, mech, eval, &fakeLocks{held: map[string]bool{"experiment:exp-1": true}}, nil, nil, nil, Config{}, discard())
	s.now = func() time.Time { return testNow }

	s.Tick(context.Background())

	got, _ := store.GetByID(context.Background(), "exp-1")
	assert.Equal(t, domain.ExperimentStatusScheduled, got.Status)
	assert.Empty(t, mech.applied)
}

func TestTickStaleStatusIsSkippedQuietly(t *testing.T) {
	store := newFakeExperimentStore(scheduledExperiment())
	store.staleOn["exp-1"] = true
	mech := &fakeMechanism{}
	s := newScheduler(store, mech, &fakeSource{}, nil)

	// Arms apply, but the final transition hits the stale guard. No panic,
	// no abort; the next tick reconverges.
	s.Tick(context.Background())

	got, _ := store.GetByID(context.Background(), "exp-1")
	assert.Equal(t, domain.ExperimentStatusScheduled, got.Status)
	assert.Equal(t, []string{"arm-up"}, mech.applied)
}

func TestRevertFailureLeavesExperimentActionable(t *testing.T) {
	exp := runningExperiment(testNow.Add(-15*24*time.Hour), testNow.Add(-time.Hour))
	exp.AbortRequested = true
	store := newFakeExperimentStore(exp)
	mech := &fakeMechanism{revertErr: errors.New("rates api down")}
	s := newScheduler(store, mech, &fakeSource{
		slice: domain.MetricsSlice{RevPSH: 1.5, OccupancyRatio: 0.6, SampleCount: 100},
	}, nil)

	s.Tick(context.Background())

	got, _ := store.GetByID(context.Background(), "exp-1")
	assert.Equal(t, domain.ExperimentStatusRunning, got.Status, "stays put until revert succeeds")
}

func TestTriggerCoalesces(t *testing.T) {
	s := newScheduler(newFakeExperimentStore(), &fakeMechanism{}, &fakeSource{}, nil)
	s.Trigger()
	s.Trigger() // second trigger must not block
	select {
	case <-s.trigger:
	default:
		t.Fatal("expected a pending trigger")
	}
}
