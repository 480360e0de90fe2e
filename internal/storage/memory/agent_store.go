package memory

import (
	"context"
	"sort"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// AgentStore is an in-memory implementation of storage.AgentStore.
type AgentStore struct {
	db *db
}

// Compile-time interface check.
var _ storage.AgentStore = (*AgentStore)(nil)

// findByUser must be called with the lock held.
func (d *db) findByUser(roundID, userID string) *types.Agent {
	for _, a := range d.agents {
		if a.RoundID == roundID && a.UserID == userID {
			return a
		}
	}
	return nil
}

func (d *db) requirePending(roundID string) error {
	r, ok := d.rounds[roundID]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status != types.RoundStatusPending {
		return storage.ErrConflict
	}
	return nil
}

func (s *AgentStore) Upsert(_ context.Context, a *types.Agent) (*types.Agent, error) {
	if a == nil || a.ID == "" || a.RoundID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := s.db.requirePending(a.RoundID); err != nil {
		return nil, err
	}

	if existing := s.db.findByUser(a.RoundID, a.UserID); existing != nil {
		existing.StrategyType = a.StrategyType
		existing.Config = a.Config
		return copyAgent(existing), nil
	}

	stored := copyAgent(a)
	s.db.agents[a.ID] = stored
	return copyAgent(stored), nil
}

func (s *AgentStore) Insert(_ context.Context, a *types.Agent) error {
	if a == nil || a.ID == "" || a.RoundID == "" {
		return storage.ErrInvalidInput
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.rounds[a.RoundID]; !ok {
		return storage.ErrNotFound
	}
	if _, exists := s.db.agents[a.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if s.db.findByUser(a.RoundID, a.UserID) != nil {
		return storage.ErrDuplicateKey
	}
	s.db.agents[a.ID] = copyAgent(a)
	return nil
}

func (s *AgentStore) Get(_ context.Context, id string) (*types.Agent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	a, ok := s.db.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyAgent(a), nil
}

func (s *AgentStore) GetByUser(_ context.Context, roundID, userID string) (*types.Agent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	a := s.db.findByUser(roundID, userID)
	if a == nil {
		return nil, storage.ErrNotFound
	}
	return copyAgent(a), nil
}

func (s *AgentStore) ListByRound(_ context.Context, roundID string) ([]types.Agent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []types.Agent
	for _, a := range s.db.agents {
		if a.RoundID == roundID {
			out = append(out, *copyAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *AgentStore) DeleteByUser(_ context.Context, roundID, userID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := s.db.requirePending(roundID); err != nil {
		return err
	}
	a := s.db.findByUser(roundID, userID)
	if a == nil {
		return storage.ErrNotFound
	}
	delete(s.db.agents, a.ID)
	return nil
}
