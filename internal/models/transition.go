package models

import (
	"fmt"
	"strings"
	"time"
)

// Action is an operator-issued lifecycle action on a sequence instance.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// ParseAction validates an action string received at the boundary.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPause, ActionResume, ActionCancel:
		return a, nil
	default:
		return "", fmt.Errorf("%w: invalid action %q, use pause, resume, or cancel", ErrValidation, s)
	}
}

// TransitionError describes a refused lifecycle action.
type TransitionError struct {
	From   SequenceStatus
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a sequence in status %s", e.Action, e.From)
}

// Unwrap lets errors.Is match ErrInvalidStateTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// Transition computes the patch an action applies to an instance currently
// in status from. It has no side effects; the caller persists the patch
// conditioned on the instance still being in from.
func Transition(from SequenceStatus, action Action, now time.Time) (InstancePatch, error) {
	switch {
	case from == StatusActive && action == ActionPause:
		return InstancePatch{Status: StatusPaused, PausedAt: &now}, nil
	case from == StatusPaused && action == ActionResume:
		return InstancePatch{Status: StatusActive, ClearPausedAt: true}, nil
	case (from == StatusActive || from == StatusPaused) && action == ActionCancel:
		return InstancePatch{
			Status:             StatusCancelled,
			CompletedAt:        &now,
			ClearNextDueAt:     true,
			ClearDispatchClaim: true,
		}, nil
	default:
		return InstancePatch{}, &TransitionError{From: from, Action: action}
	}
}

// CompletionPatch is the patch that moves an instance to COMPLETED.
func CompletionPatch(now time.Time) InstancePatch {
	return InstancePatch{
		Status:             StatusCompleted,
		CompletedAt:        &now,
		ClearNextDueAt:     true,
		ClearDispatchClaim: true,
	}
}
