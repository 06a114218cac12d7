package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the connection state of the realtime transport.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Reconnecting},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// StatusChange is the payload of transport.state_changed events.
type StatusChange struct {
	From State
	To   State
}

// Machine tracks the connection state and rejects transitions the transport
// lifecycle does not allow.
type Machine struct {
	mu        sync.RWMutex
	current   State
	bus       *bus.Bus
	observers []func(StatusChange)
}

// NewMachine returns a machine in Disconnected. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnTransition registers fn to run synchronously after every transition.
// Observers run outside the lock and may call back into the machine.
func (m *Machine) OnTransition(fn func(StatusChange)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Transition moves to the given state or returns an error when the move is
// not allowed from the current state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	change := StatusChange{From: from, To: to}
	if m.bus != nil {
		m.bus.Emit(bus.KindTransportState, change)
	}
	for _, fn := range observers {
		fn(change)
	}
	return nil
}

// Force sets the state unconditionally when it differs from the current one.
// Used on teardown, where the previous state is not known in advance.
func (m *Machine) Force(to State) {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return
	}
	m.current = to
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	change := StatusChange{From: from, To: to}
	if m.bus != nil {
		m.bus.Emit(bus.KindTransportState, change)
	}
	for _, fn := range observers {
		fn(change)
	}
}
