package changes

import (
	"fmt"

	"github.com/simperium/simperium.go/pkg/constants"
)

// State of the pending change of one object key.
type State int

const (
	StateIdle State = iota
	StatePendingSend
	StateAwaitingAck
	StateConflict
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePendingSend:
		return "PendingSend"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateConflict:
		return "Conflict"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(next State) error {
	switch s {
	case StateIdle:
		if next == StatePendingSend {
			return nil
		}
	case StatePendingSend:
		switch next {
		case StatePendingSend, StateAwaitingAck, StateIdle:
			return nil
		}
	case StateAwaitingAck:
		switch next {
		case StateAwaitingAck, StateIdle, StatePendingSend, StateConflict:
			return nil
		}
	case StateConflict:
		switch next {
		case StateAwaitingAck, StatePendingSend, StateIdle:
			return nil
		}
	}
	return fmt.Errorf("%w: %v to %v", constants.ErrInvalidTransition, s, next)
}
