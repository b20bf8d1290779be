// Package statemachine provides a declarative state machine reused by the
// consensus role lifecycle, the bridge transfer lifecycle, and the validator
// lifecycle: legal transitions, per-state timeouts, and entry/exit hooks.
package statemachine

import (
	"fmt"
	"sync"
	"time"
)

// State is a named state. Callers define their own state sets.
type State string

// Hook runs on entering or leaving a state. Hooks run inside the tracker's
// lock; keep them short and never call back into the tracker.
type Hook func(from, to State)

// InvalidTransitionError reports an illegal transition attempt. It is a
// distinguishable kind, never a generic failure.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Machine is the immutable transition table shared by all trackers of one
// entity kind. Build it once with New and the option funcs.
type Machine struct {
	transitions map[State][]State
	timeouts    map[State]time.Duration
	onEntry     map[State]Hook
	onExit      map[State]Hook
	terminal    map[State]bool
}

type Option func(*Machine)

// WithTimeout sets the per-state timeout consulted by IsTimedOut.
func WithTimeout(s State, d time.Duration) Option {
	return func(m *Machine) { m.timeouts[s] = d }
}

// WithEntryHook registers a hook fired after entering s.
func WithEntryHook(s State, h Hook) Option {
	return func(m *Machine) { m.onEntry[s] = h }
}

// WithExitHook registers a hook fired before leaving s.
func WithExitHook(s State, h Hook) Option {
	return func(m *Machine) { m.onExit[s] = h }
}

// New builds a machine from a map of state -> legal next states. States with
// no outgoing transitions are terminal.
func New(transitions map[State][]State, opts ...Option) *Machine {
	m := &Machine{
		transitions: transitions,
		timeouts:    make(map[State]time.Duration),
		onEntry:     make(map[State]Hook),
		onExit:      make(map[State]Hook),
		terminal:    make(map[State]bool),
	}

	seen := make(map[State]bool)
	for from, tos := range transitions {
		seen[from] = true
		for _, to := range tos {
			seen[to] = true
		}
	}
	for s := range seen {
		if len(transitions[s]) == 0 {
			m.terminal[s] = true
		}
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CanTransition reports whether from -> to is legal.
func (m *Machine) CanTransition(from, to State) bool {
	for _, allowed := range m.transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (m *Machine) IsTerminal(s State) bool { return m.terminal[s] }

// Timeout returns the configured timeout for s (zero means none).
func (m *Machine) Timeout(s State) time.Duration { return m.timeouts[s] }

// IsTimedOut compares the time spent in s against the per-state timeout.
func (m *Machine) IsTimedOut(s State, enteredAt, now time.Time) bool {
	d := m.timeouts[s]
	return d > 0 && now.Sub(enteredAt) > d
}

// Transition validates from -> to and fires hooks. Stateless helper for
// callers that track current state themselves.
func (m *Machine) Transition(from, to State) error {
	if !m.CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	if h := m.onExit[from]; h != nil {
		h(from, to)
	}
	if h := m.onEntry[to]; h != nil {
		h(from, to)
	}
	return nil
}

// ============================================================================
// TRACKER
// ============================================================================

// Transition records one applied transition for debugging.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Tracker is one entity's live state, guarded by its own lock. Trackers share
// a Machine but never block each other.
type Tracker struct {
	mu        sync.RWMutex
	machine   *Machine
	current   State
	enteredAt time.Time
	history   []Transition
}

func NewTracker(machine *Machine, initial State) *Tracker {
	return &Tracker{
		machine:   machine,
		current:   initial,
		enteredAt: time.Now(),
	}
}

// Current returns the current state.
func (t *Tracker) Current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// EnteredAt returns when the current state was entered.
func (t *Tracker) EnteredAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enteredAt
}

// IsTerminal reports whether the tracker reached a terminal state.
func (t *Tracker) IsTerminal() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.machine.IsTerminal(t.current)
}

// IsTimedOut reports whether the current state exceeded its timeout.
func (t *Tracker) IsTimedOut(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.machine.IsTimedOut(t.current, t.enteredAt, now)
}

// To transitions the tracker to the given state, firing hooks.
func (t *Tracker) To(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.machine.CanTransition(t.current, next) {
		return &InvalidTransitionError{From: t.current, To: next}
	}
	from := t.current
	if h := t.machine.onExit[from]; h != nil {
		h(from, next)
	}
	t.current = next
	t.enteredAt = time.Now()
	t.history = append(t.history, Transition{From: from, To: next, At: t.enteredAt})
	if h := t.machine.onEntry[next]; h != nil {
		h(from, next)
	}
	return nil
}

// History returns a copy of the applied transitions.
func (t *Tracker) History() []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transition, len(t.history))
	copy(out, t.history)
	return out
}
