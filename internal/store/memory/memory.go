// Package memory is the default, in-process Store implementation
// (config.BackendMemory). It is the backend exercised by the AgentRegistry's
// own tests.
package memory

import (
	"context"
	"sync"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{agents: make(map[string]*agent.Agent)}
}

// Save upserts a deep copy of a under a.ID.
func (s *Store) Save(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a.Clone()
	return nil
}

// Load returns a deep copy of the stored snapshot for id.
func (s *Store) Load(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a.Clone(), nil
}

// Delete removes the snapshot for id, if present.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

// LoadAll returns a deep copy of every stored snapshot.
func (s *Store) LoadAll(_ context.Context) ([]*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	return out, nil
}
