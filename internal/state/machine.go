package state

import (
	"fmt"
	"sync"
	"time"
)

// State is one node of the connection lifecycle machine.
type State int

const (
	Connecting State = iota
	Connected
	Authenticated
	Active
	Paused
	Reconnecting
	Closing
	Closed
)

var stateNames = map[State]string{
	Connecting:    "connecting",
	Connected:     "connected",
	Authenticated: "authenticated",
	Active:        "active",
	Paused:        "paused",
	Reconnecting:  "reconnecting",
	Closing:       "closing",
	Closed:        "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions is the complete edge set. Closed has no outgoing edges.
var transitions = map[State][]State{
	Connecting:    {Connected, Closed},
	Connected:     {Authenticated, Closing},
	Authenticated: {Active, Closing},
	Active:        {Paused, Reconnecting, Closing, Closed},
	Paused:        {Active, Closing},
	Reconnecting:  {Active, Closed},
	Closing:       {Closed},
	Closed:        {},
}

// InvalidTransitionError is returned when a requested transition has no edge
// in the machine. The caller requested something illegal; the machine state
// is left untouched.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// Change is one recorded transition, kept for diagnostics.
type Change struct {
	From State
	To   State
	At   time.Time
}

const historyCap = 32

// Machine guards one connection's lifecycle. All methods are safe for
// concurrent use.
type Machine struct {
	mu      sync.Mutex
	current State
	history []Change
	head    int
	full    bool
}

func NewMachine() *Machine {
	return &Machine{current: Connecting, history: make([]Change, historyCap)}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransition reports whether an edge current -> to exists. Pure with
// respect to machine state.
func (m *Machine) CanTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return canTransition(m.current, to)
}

// Transition moves the machine to the target state or returns
// InvalidTransitionError without mutating anything.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.current, to) {
		return &InvalidTransitionError{From: m.current, To: to}
	}
	m.record(Change{From: m.current, To: to, At: time.Now()})
	m.current = to
	return nil
}

// History returns the retained transitions, oldest first.
func (m *Machine) History() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		out := make([]Change, m.head)
		copy(out, m.history[:m.head])
		return out
	}
	out := make([]Change, 0, historyCap)
	out = append(out, m.history[m.head:]...)
	out = append(out, m.history[:m.head]...)
	return out
}

func (m *Machine) record(c Change) {
	m.history[m.head] = c
	m.head++
	if m.head == historyCap {
		m.head = 0
		m.full = true
	}
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
