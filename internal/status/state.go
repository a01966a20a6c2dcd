package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/bus"
)

// State is the daemon's serving state.
type State string

const (
	Booting   State = "BOOTING"
	Migrating State = "MIGRATING"
	Serving   State = "SERVING"
	Draining  State = "DRAINING"
	Stopped   State = "STOPPED"
	Error     State = "ERROR"
)

var validTransitions = map[State][]State{
	Booting:   {Migrating, Error},
	Migrating: {Serving, Error},
	Serving:   {Draining, Error},
	Draining:  {Stopped, Error},
	Stopped:   {},
	Error:     {Booting, Stopped},
}

// Machine tracks and enforces daemon state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Accepting reports whether new connections and writes should be admitted.
func (m *Machine) Accepting() bool {
	return m.Current() == Serving
}

// Transition moves to a new state, or fails if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      bus.KindStatusChanged,
		Timestamp: m.since,
		Payload:   StatusChange{From: from, To: to},
	})
	return nil
}

// StatusChange is the payload of server.status_changed events.
type StatusChange struct {
	From State
	To   State
}
