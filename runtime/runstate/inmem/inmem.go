// Package inmem provides an in-memory implementation of runstate.Store for
// tests and local development. State is held in a map with no durability
// across process restarts; production deployments should use
// runtime/runstate/mongostore instead.
package inmem

import (
	"context"
	"sync"
	"time"

	"cadpilot.dev/cadpilot/runtime/runstate"
)

// Store implements runstate.Store in memory. All operations are
// thread-safe via sync.RWMutex; snapshots are defensively cloned on read
// and write.
type Store struct {
	mu     sync.RWMutex
	states map[string]runstate.RunState
}

// New constructs an empty Store.
func New() *Store {
	return &Store{states: make(map[string]runstate.RunState)}
}

// Save inserts or overwrites the RunState keyed by state.RunID.
func (s *Store) Save(_ context.Context, state runstate.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = state.CreatedAt
	}
	s.states[state.RunID] = state.Clone()
	return nil
}

// Load retrieves the RunState for runID.
func (s *Store) Load(_ context.Context, runID string) (runstate.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[runID]
	if !ok {
		return runstate.RunState{}, runstate.ErrNotFound
	}
	return st.Clone(), nil
}

// Delete removes the stored RunState for runID, if any.
func (s *Store) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, runID)
	return nil
}

// ListActive returns the run ids whose status has not reached a terminal
// state.
func (s *Store) ListActive(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []string
	for id, st := range s.states {
		if !st.Status.Terminal() {
			active = append(active, id)
		}
	}
	return active, nil
}

// Reset clears all stored state. Test-only helper, not part of
// runstate.Store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]runstate.RunState)
}
