package memory

import (
	"context"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// UserStore is an in-memory implementation of storage.UserStore.
type UserStore struct {
	db *db
}

// Compile-time interface check.
var _ storage.UserStore = (*UserStore)(nil)

func (s *UserStore) Get(_ context.Context, id string) (*types.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	u, ok := s.db.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *UserStore) Ensure(_ context.Context, u *types.User) (*types.User, error) {
	if u == nil || u.ID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if existing, ok := s.db.users[u.ID]; ok {
		c := *existing
		return &c, nil
	}
	stored := *u
	s.db.users[u.ID] = &stored
	c := stored
	return &c, nil
}

func (s *UserStore) Update(_ context.Context, id string, upd types.UserUpdate) (*types.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	u, ok := s.db.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if upd.Nickname != nil {
		u.Nickname = *upd.Nickname
	}
	if upd.Color != nil {
		u.Color = *upd.Color
	}
	if upd.Icon != nil {
		u.Icon = *upd.Icon
	}
	c := *u
	return &c, nil
}

func (s *UserStore) GetMany(_ context.Context, ids []string) (map[string]*types.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := make(map[string]*types.User, len(ids))
	for _, id := range ids {
		if u, ok := s.db.users[id]; ok {
			c := *u
			out[id] = &c
		}
	}
	return out, nil
}
