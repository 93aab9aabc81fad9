package expansion

import (
	"sync"
)

// Listener receives every state produced by a dispatch, in dispatch order. Listeners run
// while the store is locked and must not dispatch.
type Listener func(*State)

// Store serializes every mutation of one engine's State through Reduce.
type Store struct {
	mu        sync.Mutex
	state     *State
	listeners map[uint64]Listener
	nextID    uint64
}

func NewStore() *Store {
	return &Store{
		state:     NewState(),
		listeners: map[uint64]Listener{},
	}
}

// State returns the current snapshot.
func (s *Store) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch applies a and returns the new state.
func (s *Store) Dispatch(a Action) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(a)
	return s.state
}

// DispatchIf calls decide with the current state and applies the action it returns when
// ok is true. Deciding and applying happen atomically with respect to other dispatches.
func (s *Store) DispatchIf(decide func(*State) (Action, bool)) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := decide(s.state)
	if !ok {
		return s.state, false
	}
	s.apply(a)
	return s.state, true
}

// Subscribe registers l and returns the function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) apply(a Action) {
	next := Reduce(s.state, a)
	if next == s.state {
		return
	}
	s.state = next
	for _, l := range s.listeners {
		l(next)
	}
}
