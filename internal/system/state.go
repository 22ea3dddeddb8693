package system

import (
	"fmt"
	"slices"
)

type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s SystemState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText keeps status updates readable on the wire.
func (s SystemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Done reports whether no further transitions are possible.
func (s SystemState) Done() bool {
	return len(validTransitions[s]) == 0
}

// StatusUpdate is sent to status subscribers on every state change.
type StatusUpdate struct {
	State     SystemState `json:"state"`
	Timestamp int64       `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

var validTransitions = map[SystemState][]SystemState{
	StateInitializing: {StateRunning, StateError},
	StateRunning:      {StateStopping, StateError},
	StateStopping:     {StateStopped, StateError},
	StateStopped:      {},
	StateError:        {StateStopping, StateStopped},
}

// ValidateTransition rejects moves the lifecycle never makes, such as
// restarting a stopped system.
func ValidateTransition(from, to SystemState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown state %d", int(from))
	}
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("cannot go from %s to %s", from, to)
	}
	return nil
}
