package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRequestInFlight is returned when starting a request while another is active.
var ErrRequestInFlight = errors.New("inference already in progress")

// ErrNoActiveRequest is returned when cancelling in an idle or terminal state.
var ErrNoActiveRequest = errors.New("no active request")

type State string

const (
	StateIdle         State = "idle"
	StateLoading      State = "loading"
	StateReady        State = "ready"
	StateTranscribing State = "transcribing"
	StateDone         State = "done"
	StateError        State = "error"
	StateCancelled    State = "cancelled"
)

// Snapshot is the current request and its state.
type Snapshot struct {
	RequestID string
	State     State
}

// Machine tracks the single allowed active request and its transitions.
type Machine struct {
	mu      sync.RWMutex
	current Snapshot
}

// NewMachine creates a machine in idle state.
func NewMachine() *Machine {
	return &Machine{current: Snapshot{State: StateIdle}}
}

// Start registers a new request and moves it to loading.
func (m *Machine) Start(requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isActive(m.current.State) {
		return ErrRequestInFlight
	}
	m.current = Snapshot{RequestID: requestID, State: StateLoading}
	return nil
}

// Transition validates and applies a state change for the current request.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.RequestID == "" && to != StateIdle {
		return fmt.Errorf("cannot transition without an active request")
	}
	if to == m.current.State {
		return nil
	}
	if !isValidTransition(m.current.State, to) {
		return fmt.Errorf("invalid transition: %s -> %s", m.current.State, to)
	}
	m.current.State = to
	return nil
}

// Current returns a snapshot of the current request.
func (m *Machine) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Busy reports whether a request is loading or transcribing.
func (m *Machine) Busy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return isActive(m.current.State)
}

// Cancel moves the active request to cancelled.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isActive(m.current.State) {
		return ErrNoActiveRequest
	}
	m.current.State = StateCancelled
	return nil
}

// Reset returns the machine to idle.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Snapshot{State: StateIdle}
}

func isActive(s State) bool {
	switch s {
	case StateLoading, StateReady, StateTranscribing:
		return true
	default:
		return false
	}
}

func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateLoading
	case StateLoading:
		return to == StateReady || to == StateError || to == StateCancelled
	case StateReady:
		return to == StateTranscribing || to == StateError || to == StateCancelled
	case StateTranscribing:
		return to == StateDone || to == StateError || to == StateCancelled
	case StateDone, StateError, StateCancelled:
		return to == StateLoading || to == StateIdle
	default:
		return false
	}
}
