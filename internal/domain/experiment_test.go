package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	assert.True(t, CanTransition(ExperimentStatusScheduled, ExperimentStatusRunning))
	assert.True(t, CanTransition(ExperimentStatusScheduled, ExperimentStatusAborted))
	assert.True(t, CanTransition(ExperimentStatusRunning, ExperimentStatusComplete))
	assert.True(t, CanTransition(ExperimentStatusRunning, ExperimentStatusAborted))
}

func TestCanTransition_TerminalStatesAreFinal(t *testing.T) {
	all := []ExperimentStatus{
		ExperimentStatusScheduled,
		ExperimentStatusRunning,
		ExperimentStatusComplete,
		ExperimentStatusAborted,
	}
	for _, to := range all {
		assert.False(t, CanTransition(ExperimentStatusComplete, to), "complete -> %s must be rejected", to)
		assert.False(t, CanTransition(ExperimentStatusAborted, to), "aborted -> %s must be rejected", to)
	}
}

func TestCanTransition_NoBackwardOrSkippingMoves(t *testing.T) {
	assert.False(t, CanTransition(ExperimentStatusScheduled, ExperimentStatusComplete))
	assert.False(t, CanTransition(ExperimentStatusRunning, ExperimentStatusScheduled))
	assert.False(t, CanTransition(ExperimentStatusScheduled, ExperimentStatusScheduled))
	assert.False(t, CanTransition(ExperimentStatusRunning, ExperimentStatusRunning))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, ExperimentStatusScheduled.Terminal())
	assert.False(t, ExperimentStatusRunning.Terminal())
	assert.True(t, ExperimentStatusComplete.Terminal())
	assert.True(t, ExperimentStatusAborted.Terminal())
}

func TestPolicyBlackout(t *testing.T) {
	p := Policy{
		BlackoutWindows: []BlackoutWindow{
			{DOW: 5, Hours: []int{17, 18, 19}}, // Friday evening
			{DOW: 1, Hours: []int{8, 9}},      // Monday morning
		},
	}

	assert.True(t, p.Blackout(DaypartEvening, 5))
	assert.False(t, p.Blackout(DaypartMorning, 5))
	assert.True(t, p.Blackout(DaypartMorning, 1))
	assert.False(t, p.Blackout(DaypartEvening, 1))
	assert.False(t, p.Blackout(DaypartEvening, 3))
}

func TestControlArm(t *testing.T) {
	exp := Experiment{Arms: []Arm{
		{ID: "a1", Delta: -0.05},
		{ID: "a2", Delta: 0, Control: true},
		{ID: "a3", Delta: 0.05},
	}}
	ctrl, ok := exp.ControlArm()
	assert.True(t, ok)
	assert.Equal(t, "a2", ctrl.ID)

	_, ok = Experiment{}.ControlArm()
	assert.False(t, ok)
}
