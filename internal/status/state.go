// Package status tracks the health of the sync session.
package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents the sync session state.
type State string

const (
	Idle        State = "IDLE"
	Subscribing State = "SUBSCRIBING"
	Live        State = "LIVE"
	Degraded    State = "DEGRADED"
)

// ErrInvalidTransition is returned for a transition the machine does not allow.
var ErrInvalidTransition = errors.New("invalid transition")

// validTransitions defines allowed state transitions. There is no automatic
// recovery from Degraded; a new Configure moves it back to Subscribing.
var validTransitions = map[State][]State{
	Idle:        {Subscribing},
	Subscribing: {Live, Degraded, Idle},
	Live:        {Degraded, Subscribing, Idle},
	Degraded:    {Subscribing, Idle},
}

// Machine tracks and enforces sync state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason returns the error that caused the last move to Degraded, if any.
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Degrade moves to Degraded recording why. Repeated failures while already
// Degraded only update the reason.
func (m *Machine) Degrade(reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	m.mu.Lock()
	if m.current == Degraded {
		m.reason = msg
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.transition(Degraded, msg)
}

// Reset forces the machine back to Idle from any state.
func (m *Machine) Reset() {
	if m.Current() == Idle {
		return
	}
	_ = m.transition(Idle, "")
}

func (m *Machine) transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, m.current, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	m.bus.Publish(bus.NewEvent(bus.KindSyncStatus, StatusChange{
		From:   from,
		To:     to,
		Reason: reason,
	}))
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
