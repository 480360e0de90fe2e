package memory

import (
	"context"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// ResultStore is an in-memory implementation of storage.ResultStore.
type ResultStore struct {
	db *db
}

// Compile-time interface check.
var _ storage.ResultStore = (*ResultStore)(nil)

func (s *ResultStore) Save(_ context.Context, r *types.AgentResult) error {
	if r == nil || r.ID == "" || r.AgentID == "" {
		return storage.ErrInvalidInput
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.agents[r.AgentID]; !ok {
		return storage.ErrNotFound
	}
	if _, exists := s.db.results[r.AgentID]; exists {
		return storage.ErrDuplicateKey
	}
	s.db.results[r.AgentID] = copyResult(r)
	return nil
}

func (s *ResultStore) GetByAgent(_ context.Context, agentID string) (*types.AgentResult, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	r, ok := s.db.results[agentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyResult(r), nil
}

func (s *ResultStore) ListByRound(_ context.Context, roundID string) (map[string]*types.AgentResult, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := make(map[string]*types.AgentResult)
	for agentID, r := range s.db.results {
		if a, ok := s.db.agents[agentID]; ok && a.RoundID == roundID {
			out[agentID] = copyResult(r)
		}
	}
	return out, nil
}

func (s *ResultStore) CountByRound(_ context.Context, roundID string) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	n := 0
	for agentID := range s.db.results {
		if a, ok := s.db.agents[agentID]; ok && a.RoundID == roundID {
			n++
		}
	}
	return n, nil
}
