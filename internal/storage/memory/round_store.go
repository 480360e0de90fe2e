package memory

import (
	"context"
	"sort"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// RoundStore is an in-memory implementation of storage.RoundStore.
type RoundStore struct {
	db *db
}

// Compile-time interface check.
var _ storage.RoundStore = (*RoundStore)(nil)

func (s *RoundStore) Create(_ context.Context, r *types.Round) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, exists := s.db.rounds[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.db.rounds[r.ID] = copyRound(r)
	return nil
}

func (s *RoundStore) Get(_ context.Context, id string) (*types.Round, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	r, ok := s.db.rounds[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := copyRound(r)
	out.AgentCount = s.db.agentCount(id)
	return out, nil
}

func (s *RoundStore) List(_ context.Context, f storage.RoundFilter) ([]types.RoundListItem, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var rounds []*types.Round
	for _, r := range s.db.rounds {
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool {
		if !rounds[i].CreatedAt.Equal(rounds[j].CreatedAt) {
			return rounds[i].CreatedAt.After(rounds[j].CreatedAt)
		}
		return rounds[i].ID < rounds[j].ID
	})

	if f.Skip >= len(rounds) {
		return []types.RoundListItem{}, nil
	}
	rounds = rounds[f.Skip:]
	if f.Limit > 0 && f.Limit < len(rounds) {
		rounds = rounds[:f.Limit]
	}

	items := make([]types.RoundListItem, len(rounds))
	for i, r := range rounds {
		items[i] = types.RoundListItem{
			ID:         r.ID,
			Name:       r.Name,
			Status:     r.Status,
			MarketSeed: r.MarketSeed,
			AgentCount: s.db.agentCount(r.ID),
			CreatedAt:  r.CreatedAt,
		}
	}
	return items, nil
}

func (s *RoundStore) Transition(_ context.Context, id string, t storage.RoundTransition) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	r, ok := s.db.rounds[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status != t.From {
		return storage.ErrConflict
	}

	r.Status = t.To
	if t.StartedAt != nil {
		ts := *t.StartedAt
		r.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		r.CompletedAt = &ts
	}
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		r.ErrorMessage = &msg
	}
	return nil
}

func (s *RoundStore) SetMarketData(_ context.Context, id string, prices, benchmark []types.ChartDataPoint) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	r, ok := s.db.rounds[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status != types.RoundStatusRunning {
		return storage.ErrConflict
	}
	r.PriceData = append([]types.ChartDataPoint(nil), prices...)
	r.SpyReturns = append([]types.ChartDataPoint(nil), benchmark...)
	return nil
}

func (s *RoundStore) Delete(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	r, ok := s.db.rounds[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status == types.RoundStatusRunning {
		return storage.ErrConflict
	}

	for agentID, a := range s.db.agents {
		if a.RoundID == id {
			delete(s.db.results, agentID)
			delete(s.db.agents, agentID)
		}
	}
	delete(s.db.rounds, id)
	return nil
}
