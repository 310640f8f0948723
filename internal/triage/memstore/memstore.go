// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/loandesk/internal/triage"
)

// Store holds service requests in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*triage.ServiceRequest // id -> request
	byTeam   map[string][]string               // team -> ids in creation order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		requests: make(map[string]*triage.ServiceRequest),
		byTeam:   make(map[string][]string),
	}
}

// Create stores a copy of sr. Its ID, team and timestamps are kept as given.
func (s *Store) Create(_ context.Context, sr *triage.ServiceRequest) (*triage.ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[sr.ID]; exists {
		return nil, fmt.Errorf("memstore: service request %s already exists", sr.ID)
	}
	s.requests[sr.ID] = sr.Clone()
	s.byTeam[sr.TeamAssigned] = append(s.byTeam[sr.TeamAssigned], sr.ID)
	return sr.Clone(), nil
}

// Get retrieves a service request by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.ServiceRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.requests[id]
	if !ok {
		return nil, false, nil
	}
	return sr.Clone(), true, nil
}

// GetByTeam returns copies of the team's requests, oldest first.
func (s *Store) GetByTeam(_ context.Context, team string) ([]*triage.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTeam[team]
	out := make([]*triage.ServiceRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.requests[id].Clone())
	}
	return out, nil
}

// UpdateStatus sets status and updated_at, returning the updated copy.
func (s *Store) UpdateStatus(_ context.Context, id string, status triage.Status, updatedAt time.Time) (*triage.ServiceRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.requests[id]
	if !ok {
		return nil, false, nil
	}
	sr.Status = status
	sr.UpdatedAt = updatedAt
	return sr.Clone(), true, nil
}
