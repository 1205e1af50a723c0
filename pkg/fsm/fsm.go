// Package fsm provides a small generic state machine: a state holder, a
// transition table and a list of listeners. Every transition is logged and
// the previous state is kept.
package fsm

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/gostim/pkg/fault"
)

// Transition describes a completed state change.
type Transition[S comparable] struct {
	From S
	To   S
	At   time.Time
}

// Listener is notified after a transition has been applied.
type Listener[S comparable] func(Transition[S])

// Table lists, for each state, the states it may move to. A state missing
// from the table is terminal.
type Table[S comparable] map[S][]S

// Machine holds the current state of type S.
// Machine is safe for concurrent use. Listeners run outside the lock.
type Machine[S comparable] struct {
	name string
	log  *zap.SugaredLogger

	mu       sync.RWMutex
	current  S
	previous S
	changed  time.Time
	allowed  map[S]map[S]struct{}

	lmu       sync.RWMutex
	listeners []Listener[S]
}

// New creates a machine starting in initial. A nil logger disables logging.
// New panics if the table references initial nowhere, which is a programming error.
func New[S comparable](name string, initial S, table Table[S], log *zap.SugaredLogger) *Machine[S] {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	allowed := make(map[S]map[S]struct{}, len(table))
	known := false
	for from, tos := range table {
		if from == initial {
			known = true
		}
		set := make(map[S]struct{}, len(tos))
		for _, to := range tos {
			if to == initial {
				known = true
			}
			set[to] = struct{}{}
		}
		allowed[from] = set
	}
	if !known {
		panic(fmt.Sprintf("fsm %s: initial state %v not in transition table", name, initial))
	}

	return &Machine[S]{
		name:     name,
		log:      log,
		current:  initial,
		previous: initial,
		allowed:  allowed,
	}
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Previous returns the state before the last transition.
func (m *Machine[S]) Previous() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous
}

// Since returns when the current state was entered (zero before the first transition).
func (m *Machine[S]) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Is reports whether the machine is in any of states.
func (m *Machine[S]) Is(states ...S) bool {
	cur := m.Current()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

// CanTransition reports whether to is reachable from the current state in one step.
func (m *Machine[S]) CanTransition(to S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.allowed[m.current][to]
	return ok
}

// OnTransition registers a listener.
func (m *Machine[S]) OnTransition(l Listener[S]) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition moves to `to` at time `at`. Transitioning to the current state is
// a no-op returning false. Transitions not in the table fail with
// fault.ErrInvalidTransition and leave the state unchanged.
func (m *Machine[S]) Transition(to S, at time.Time) (bool, error) {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return false, nil
	}
	if _, ok := m.allowed[from][to]; !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%s: %v -> %v: %w", m.name, from, to, fault.ErrInvalidTransition)
	}
	m.previous = from
	m.current = to
	m.changed = at
	m.mu.Unlock()

	m.log.Infow("state transition", "machine", m.name, "from", from, "to", to)

	m.notify(Transition[S]{From: from, To: to, At: at})
	return true, nil
}

// Force moves to `to` without consulting the table. Used for emergency paths
// that must succeed from every state.
func (m *Machine[S]) Force(to S, at time.Time) bool {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return false
	}
	m.previous = from
	m.current = to
	m.changed = at
	m.mu.Unlock()

	m.log.Warnw("forced state transition", "machine", m.name, "from", from, "to", to)

	m.notify(Transition[S]{From: from, To: to, At: at})
	return true
}

func (m *Machine[S]) notify(tr Transition[S]) {
	m.lmu.RLock()
	listeners := make([]Listener[S], len(m.listeners))
	copy(listeners, m.listeners)
	m.lmu.RUnlock()

	for _, l := range listeners {
		if l != nil {
			l(tr)
		}
	}
}
