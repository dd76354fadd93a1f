// Package engine runs the persistent per-session agent: a finite-state
// machine that sequences a plan's specialist steps across user turns, and
// the session-actor table that owns one engine per session id.
package engine

import "fmt"

// State is an engine state.
type State string

const (
	StateIdle         State = "IDLE"
	StatePlanning     State = "PLANNING"
	StateExecuting    State = "EXECUTING_STEP"
	StateAwaitingUser State = "AWAITING_USER"
	StateFinished     State = "TASK_FINISHED"
)

// transitions lists the legal moves. Any state may move to AWAITING_USER.
var transitions = map[State][]State{
	StateIdle:         {StatePlanning, StateExecuting, StateIdle},
	StatePlanning:     {StateExecuting, StateIdle},
	StateExecuting:    {StateExecuting, StateFinished, StateIdle},
	StateAwaitingUser: {StateExecuting, StateIdle},
	StateFinished:     {StatePlanning, StateIdle},
}

func canTransition(from, to State) bool {
	if to == StateAwaitingUser {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition reports a transition outside the table.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid engine transition %s -> %s", e.From, e.To)
}

// AwaitKind says what an AWAITING_USER engine is waiting for.
type AwaitKind string

const (
	AwaitNone   AwaitKind = ""
	AwaitAnswer AwaitKind = "answer" // a specialist asked a question
	AwaitRetry  AwaitKind = "retry"  // a recoverable failure, offering retry
)
