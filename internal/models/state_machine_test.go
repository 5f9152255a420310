package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_HappyPath(t *testing.T) {
	sm := NewExecStateMachine()
	assert.Equal(t, StateIdle, sm.Current())

	for _, cond := range []string{CondCallPlaced, CondCallFilled, CondPutPlaced, CondPutFilled} {
		require.NoError(t, sm.Fire(cond))
	}
	assert.Equal(t, StateBothFilled, sm.Current())
	assert.True(t, sm.Current().Terminal())
	assert.Len(t, sm.History(), 4)
}

func TestStateMachine_PutNeverBeforeCallFill(t *testing.T) {
	sm := NewExecStateMachine()
	require.NoError(t, sm.Fire(CondCallPlaced))

	// No edge allows placing the put before the call fill is known.
	assert.Error(t, sm.Fire(CondPutPlaced))
	assert.Equal(t, StateCallPlaced, sm.Current())
}

func TestStateMachine_CallRejectedAborts(t *testing.T) {
	sm := NewExecStateMachine()
	require.NoError(t, sm.Fire(CondCallPlaced))
	require.NoError(t, sm.Fire(CondCallRejected))
	require.NoError(t, sm.Fire(CondAbort))

	assert.Equal(t, StateAborted, sm.Current())
	assert.True(t, sm.Current().Terminal())
}

func TestStateMachine_RepriceLoop(t *testing.T) {
	sm := NewExecStateMachine()
	require.NoError(t, sm.Fire(CondCallPlaced))
	require.NoError(t, sm.Fire(CondOrderTimeout))
	assert.Equal(t, StateRepricing, sm.Current())
	require.NoError(t, sm.Fire(CondCallReplaced))
	assert.Equal(t, StateCallPlaced, sm.Current())

	require.NoError(t, sm.Fire(CondOrderTimeout))
	require.NoError(t, sm.Fire(CondRetriesExhausted))
	assert.Equal(t, StateAborted, sm.Current())
}

func TestStateMachine_PutFailureUnwindsCall(t *testing.T) {
	sm := NewExecStateMachine()
	require.NoError(t, sm.Fire(CondCallPlaced))
	require.NoError(t, sm.Fire(CondCallFilled))
	require.NoError(t, sm.Fire(CondPutPlaced))
	require.NoError(t, sm.Fire(CondPutRejected))
	require.NoError(t, sm.Fire(CondUnwindCall))
	assert.Equal(t, StateCallCancelling, sm.Current())

	require.NoError(t, sm.Fire(CondCallUnwound))
	assert.Equal(t, StateAborted, sm.Current())
	assert.Equal(t, StateCallCancelling, sm.Previous())
}

func TestStateMachine_UnwindFailureStillTerminates(t *testing.T) {
	sm := NewExecStateMachine()
	require.NoError(t, sm.Fire(CondCallPlaced))
	require.NoError(t, sm.Fire(CondCallFilled))
	require.NoError(t, sm.Fire(CondPutPlaced))
	require.NoError(t, sm.Fire(CondPutRejected))
	require.NoError(t, sm.Fire(CondUnwindCall))
	require.NoError(t, sm.Fire(CondUnwindFailed))
	assert.Equal(t, StateAborted, sm.Current())
}

func TestStateMachine_UnconfirmedOrderAbortsInPlace(t *testing.T) {
	// A placed order whose cancel is never confirmed stops the cycle where it
	// stands; no reprice or put placement may follow.
	sm := NewExecStateMachine()
	require.NoError(t, sm.Fire(CondCallPlaced))
	require.NoError(t, sm.Fire(CondAbort))
	assert.Equal(t, StateAborted, sm.Current())

	sm = NewExecStateMachine()
	require.NoError(t, sm.Fire(CondCallPlaced))
	require.NoError(t, sm.Fire(CondCallFilled))
	require.NoError(t, sm.Fire(CondPutPlaced))
	require.NoError(t, sm.Fire(CondAbort))
	assert.Equal(t, StateAborted, sm.Current())
}

func TestStateMachine_TrimFailureLeavesSuccessState(t *testing.T) {
	sm := NewExecStateMachine()
	for _, cond := range []string{CondCallPlaced, CondCallFilled, CondPutPlaced, CondPutFilled} {
		require.NoError(t, sm.Fire(cond))
	}
	assert.Equal(t, StateBothFilled, sm.Current())

	// A lopsided fill whose excess-call sale failed must not stay in the
	// success state.
	require.NoError(t, sm.Fire(CondUnwindCall))
	assert.Equal(t, StateCallCancelling, sm.Current())
	require.NoError(t, sm.Fire(CondUnwindFailed))
	assert.Equal(t, StateAborted, sm.Current())
}

func TestStateMachine_InvalidTransitionKeepsState(t *testing.T) {
	sm := NewExecStateMachine()
	err := sm.Fire(CondPutFilled)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, sm.Current())
	assert.Empty(t, sm.History())
}

func TestStateMachine_EveryEdgeIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, tr := range ExecTransitions {
		key := string(tr.From) + "|" + tr.Condition
		assert.False(t, seen[key], "duplicate edge from %s on %s", tr.From, tr.Condition)
		seen[key] = true
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateBothFilled.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateRepricing.Terminal())
	assert.False(t, StateCallCancelling.Terminal())
}
