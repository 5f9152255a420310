package models

import (
	"fmt"
	"time"
)

// ExecState is one state of the two-leg execution state machine.
type ExecState string

const (
	// Core progression
	StateIdle       ExecState = "idle"
	StateCallPlaced ExecState = "call_placed"
	StateCallFilled ExecState = "call_filled"
	StatePutPlaced  ExecState = "put_placed"
	StateBothFilled ExecState = "both_filled" // terminal success

	// Failure branches
	StateCallRejected   ExecState = "call_rejected"
	StatePutRejected    ExecState = "put_rejected"
	StateCallCancelling ExecState = "call_cancelling"
	StateAborted        ExecState = "aborted" // terminal failure

	// Timeout/reprice loop
	StateRepricing ExecState = "repricing"
)

// Transition condition names. Conditions are part of the transition table so
// each edge can be driven and asserted in isolation.
const (
	CondCallPlaced       = "call_placed"
	CondCallFilled       = "call_filled"
	CondCallRejected     = "call_rejected"
	CondCallReplaced     = "call_replaced"
	CondPutPlaced        = "put_placed"
	CondPutFilled        = "put_filled"
	CondPutRejected      = "put_rejected"
	CondPutReplaced      = "put_replaced"
	CondOrderTimeout     = "order_timeout"
	CondRetry            = "retry"
	CondRetriesExhausted = "retries_exhausted"
	CondAbort            = "abort"
	CondUnwindCall       = "unwind_call"
	CondCallUnwound      = "call_unwound"
	CondUnwindFailed     = "unwind_failed"
)

// ExecTransition is one edge of the execution state machine.
type ExecTransition struct {
	From      ExecState
	To        ExecState
	Condition string
}

// ExecTransitions is the complete transition table. The put leg is never
// placed before the call leg's fill state is known, and every failure path
// ends in StateAborted with the account either flat or explicitly flagged.
var ExecTransitions = []ExecTransition{
	// Happy path
	{StateIdle, StateCallPlaced, CondCallPlaced},
	{StateCallPlaced, StateCallFilled, CondCallFilled},
	{StateCallFilled, StatePutPlaced, CondPutPlaced},
	{StatePutPlaced, StateBothFilled, CondPutFilled},

	// Call leg rejected outright: abort with no put ever placed.
	{StateCallPlaced, StateCallRejected, CondCallRejected},
	{StateCallRejected, StateAborted, CondAbort},

	// Failure before any order reached the broker (price gone, buying power
	// moved, operator cancellation). Still flat.
	{StateIdle, StateAborted, CondAbort},

	// A working order whose cancel could not be confirmed terminal. The cycle
	// stops where it stands and the record flags the unknown exposure; no
	// further orders may be placed on top of one that might still be live.
	{StateCallPlaced, StateAborted, CondAbort},
	{StatePutPlaced, StateAborted, CondAbort},

	// Timeout/reprice loop, bounded by the coordinator's retry budget.
	{StateCallPlaced, StateRepricing, CondOrderTimeout},
	{StateRepricing, StateCallPlaced, CondCallReplaced},
	{StatePutPlaced, StateRepricing, CondOrderTimeout},
	{StateRepricing, StatePutPlaced, CondPutReplaced},

	// Retry budget exhausted before the call filled: still flat, abort.
	{StateRepricing, StateAborted, CondRetriesExhausted},
	{StateRepricing, StateAborted, CondAbort},

	// Put leg failure after the call filled: the call must be unwound before
	// the cycle may terminate.
	{StatePutPlaced, StatePutRejected, CondPutRejected},
	{StatePutRejected, StateRepricing, CondRetry},
	{StatePutRejected, StateCallCancelling, CondUnwindCall},
	{StateRepricing, StateCallCancelling, CondUnwindCall},
	// Put never reached the broker (buying power moved) or its placement was
	// interrupted mid-poll: the filled call still must go.
	{StateCallFilled, StateCallCancelling, CondUnwindCall},
	{StatePutPlaced, StateCallCancelling, CondUnwindCall},
	// A short put fill whose excess-call trim failed: both legs filled but the
	// position is lopsided, so the attempt leaves the success state.
	{StateBothFilled, StateCallCancelling, CondUnwindCall},
	{StateCallCancelling, StateAborted, CondCallUnwound},
	{StateCallCancelling, StateAborted, CondUnwindFailed},
}

// Terminal reports whether the state ends the trade attempt.
func (s ExecState) Terminal() bool {
	return s == StateBothFilled || s == StateAborted
}

// ExecStateMachine tracks the execution state for one trade attempt. It is not
// re-entrant; one machine serves exactly one cycle.
type ExecStateMachine struct {
	current        ExecState
	previous       ExecState
	transitionTime time.Time
	history        []ExecTransition
}

// NewExecStateMachine creates a machine in StateIdle.
func NewExecStateMachine() *ExecStateMachine {
	return &ExecStateMachine{
		current:        StateIdle,
		previous:       StateIdle,
		transitionTime: time.Now().UTC(),
	}
}

// Current returns the current state.
func (m *ExecStateMachine) Current() ExecState { return m.current }

// Previous returns the state before the last transition.
func (m *ExecStateMachine) Previous() ExecState { return m.previous }

// History returns the transitions taken so far, in order.
func (m *ExecStateMachine) History() []ExecTransition {
	out := make([]ExecTransition, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition checks the transition table without changing state.
func (m *ExecStateMachine) CanTransition(to ExecState, condition string) error {
	for _, tr := range ExecTransitions {
		if tr.From == m.current && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q", m.current, to, condition)
}

// Fire applies the transition out of the current state matching condition.
// Each (state, condition) pair has at most one edge in the table.
func (m *ExecStateMachine) Fire(condition string) error {
	for _, tr := range ExecTransitions {
		if tr.From == m.current && tr.Condition == condition {
			return m.Transition(tr.To, condition)
		}
	}
	return fmt.Errorf("no transition from %s on condition %q", m.current, condition)
}

// Transition moves to a new state, or fails leaving the state unchanged.
func (m *ExecStateMachine) Transition(to ExecState, condition string) error {
	if err := m.CanTransition(to, condition); err != nil {
		return err
	}
	m.history = append(m.history, ExecTransition{From: m.current, To: to, Condition: condition})
	m.previous = m.current
	m.current = to
	m.transitionTime = time.Now().UTC()
	return nil
}
