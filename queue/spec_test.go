package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_ValidateRejectsEmptyInProgressState(t *testing.T) {
	s := &Spec{InProgressState: ""}
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSpec))
}

func TestSpec_ValidateRejectsStartStateEqualToInProgress(t *testing.T) {
	s := &Spec{StartState: StringPtr("in_progress"), InProgressState: "in_progress"}
	require.Error(t, s.Validate())
}

func TestSpec_ValidateRejectsFinishedStateEqualToStartOrInProgress(t *testing.T) {
	s := &Spec{InProgressState: "in_progress", FinishedState: StringPtr("in_progress")}
	assert.Error(t, s.Validate())

	s = &Spec{StartState: StringPtr("start"), InProgressState: "in_progress", FinishedState: StringPtr("start")}
	assert.Error(t, s.Validate())
}

func TestSpec_ValidateAllowsErrorStateEqualToStartOrFinished(t *testing.T) {
	s := &Spec{
		StartState:      StringPtr("start"),
		InProgressState: "in_progress",
		FinishedState:   StringPtr("done"),
		ErrorState:      StringPtr("start"),
	}
	assert.NoError(t, s.Validate())

	s.ErrorState = StringPtr("done")
	assert.NoError(t, s.Validate())

	s.ErrorState = StringPtr("in_progress")
	assert.Error(t, s.Validate())
}

func TestSpec_ValidateRejectsNonPositiveTimeoutAndNegativeRetries(t *testing.T) {
	s := &Spec{InProgressState: "in_progress", Timeout: DurationPtr(0)}
	assert.Error(t, s.Validate())

	s = &Spec{InProgressState: "in_progress", Retries: IntPtr(-1)}
	assert.Error(t, s.Validate())
}

func TestSpec_EffectiveDefaults(t *testing.T) {
	s := &Spec{InProgressState: "in_progress"}
	assert.Equal(t, DefaultErrorState, s.EffectiveErrorState())
	assert.Equal(t, 0, s.EffectiveRetries())

	s.ErrorState = StringPtr("boom")
	s.Retries = IntPtr(3)
	assert.Equal(t, "boom", s.EffectiveErrorState())
	assert.Equal(t, 3, s.EffectiveRetries())
}

func TestSpecsEqual(t *testing.T) {
	a := &Spec{InProgressState: "in_progress", Timeout: DurationPtr(time.Second)}
	b := &Spec{InProgressState: "in_progress", Timeout: DurationPtr(time.Second)}
	assert.True(t, specsEqual(a, b))

	c := &Spec{InProgressState: "in_progress", Timeout: DurationPtr(2 * time.Second)}
	assert.False(t, specsEqual(a, c))

	assert.True(t, specsEqual(nil, nil))
	assert.False(t, specsEqual(a, nil))
}
