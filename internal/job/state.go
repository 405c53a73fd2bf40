// Package job runs pipelines as observable, pausable and cancellable jobs.
//
// Every job has an append-only log of typed records. Control requests arrive
// as marker files and are consumed at checkpoints between work items.
package job

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownJob is returned for a job id with no log.
	ErrUnknownJob = errors.New("unknown job")
	// ErrInvalidTransition is returned when a request does not apply to the
	// job's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is the lifecycle state of a job.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted
}

var transitions = map[State][]State{
	StateRunning: {StatePaused, StateCancelled, StateCompleted},
	StatePaused:  {StateRunning, StateCancelled},
}

// CanTransition reports whether a job in state s may move to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Action is a control request.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPause, ActionResume, ActionCancel:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// target is the state an action leads to.
func (a Action) target() State {
	switch a {
	case ActionPause:
		return StatePaused
	case ActionResume:
		return StateRunning
	default:
		return StateCancelled
	}
}
