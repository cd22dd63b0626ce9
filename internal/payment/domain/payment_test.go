package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentTransitions(t *testing.T) {
	p := NewPayment("o-1", "m-1", 10_000, []Leg{NewLeg(MethodCard, 10_000, nil)})
	assert.Equal(t, MethodCard, p.Method)
	assert.Equal(t, StatusPending, p.Status)

	require.NoError(t, p.TransitionTo(StatusProcessing))
	require.NoError(t, p.Complete(time.Now()))
	require.NotNil(t, p.CompletedAt)

	assert.ErrorIs(t, p.TransitionTo(StatusProcessing), ErrInvalidTransition)
	assert.ErrorIs(t, p.TransitionTo(StatusPending), ErrInvalidTransition)
	require.NoError(t, p.TransitionTo(StatusCancelled))
	assert.ErrorIs(t, p.TransitionTo(StatusRefunded), ErrInvalidTransition)
}

func TestFailedPaymentIsFinal(t *testing.T) {
	p := NewPayment("o-1", "m-1", 10_000, []Leg{NewLeg(MethodCard, 7_000, nil), NewLeg(MethodPoints, 3_000, nil)})
	assert.Equal(t, MethodComposite, p.Method)

	require.NoError(t, p.TransitionTo(StatusProcessing))
	require.NoError(t, p.Fail("declined"))
	assert.Equal(t, "declined", p.FailureReason)

	for _, to := range []Status{StatusCompleted, StatusCancelled, StatusProcessing, StatusRefunded} {
		assert.ErrorIs(t, p.TransitionTo(to), ErrInvalidTransition, "failed -> %s", to)
	}
}

func TestLegTransitions(t *testing.T) {
	l := NewLeg(MethodPoints, 3_000, map[string]string{"k": "v"})
	assert.ErrorIs(t, l.Cancel("x"), ErrInvalidTransition)

	require.NoError(t, l.Succeed("POINT_1", 3_000, map[string]string{"balance_after": "0"}))
	assert.Equal(t, "v", l.Metadata["k"])
	assert.Equal(t, "0", l.Metadata["balance_after"])

	require.NoError(t, l.Cancel("POINT_CANCEL_1"))
	assert.Equal(t, LegCancelled, l.Status)
	assert.Equal(t, "POINT_CANCEL_1", l.CompensationTxID)
	assert.ErrorIs(t, l.Fail("late"), ErrInvalidTransition)
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{&ValidationError{Rule: "r", Reason: "bad"}, KindValidation},
		{&LegFailure{Method: MethodCard, Reason: "declined"}, KindDeclined},
		{ErrPaymentNotFound, KindNotFound},
		{ErrInvalidTransition, KindConflict},
		{ErrUnsupportedMethod, KindUnsupported},
		{assert.AnError, KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("points")
	require.NoError(t, err)
	assert.Equal(t, MethodPoints, m)

	_, err = ParseMethod("PG_KPN")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}
