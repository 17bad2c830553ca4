package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kosuchat/kosu/internal/bus"
)

// State represents the realtime connection state of the client.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Error},
	Connecting:   {Online, Reconnecting, Error},
	Online:       {Reconnecting, Degraded, Error},
	Reconnecting: {Connecting, Online, Degraded, Error},
	Degraded:     {Connecting, Reconnecting, Online, Error},
	Error:        {Booting},
}

// Machine tracks and enforces connection state transitions. Losing the socket
// only degrades presence and typing affordances; sends ride the request path
// and remain available in any state.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsOnline reports whether the realtime channel is usable.
func (m *Machine) IsOnline() bool {
	return m.Current() == Online
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "presence.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
