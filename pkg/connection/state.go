package connection

import (
	"fmt"

	"github.com/simperium/simperium.go/pkg/constants"
)

// State is the lifecycle of the transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) validateTransitionTo(next State) error {
	ok := false
	switch s {
	case StateDisconnected:
		ok = next == StateConnecting || next == StateClosed
	case StateConnecting:
		ok = next == StateConnected || next == StateDisconnected
	case StateConnected:
		ok = next == StateReconnecting || next == StateDisconnected
	case StateReconnecting:
		ok = next == StateConnected || next == StateDisconnected
	}
	if !ok {
		return fmt.Errorf("%w: transport %v -> %v", constants.ErrInvalidTransition, s, next)
	}
	return nil
}

// Phase is the lifecycle of one channel on the transport.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseAuthenticating
	PhaseIndexing
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseIndexing:
		return "indexing"
	case PhaseStreaming:
		return "streaming"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) validateTransitionTo(next Phase) error {
	ok := false
	switch p {
	case PhaseClosed:
		ok = next == PhaseAuthenticating
	case PhaseAuthenticating:
		ok = next == PhaseIndexing || next == PhaseStreaming || next == PhaseClosed
	case PhaseIndexing:
		ok = next == PhaseStreaming || next == PhaseClosed
	case PhaseStreaming:
		ok = next == PhaseIndexing || next == PhaseClosed
	}
	if !ok {
		return fmt.Errorf("%w: channel %v -> %v", constants.ErrInvalidTransition, p, next)
	}
	return nil
}
