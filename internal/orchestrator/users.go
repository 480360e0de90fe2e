package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

var palette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#14b8a6", "#3b82f6", "#8b5cf6", "#ec4899",
}

// defaultProfile derives a stable display identity from the user id.
func defaultProfile(userID string) *types.User {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	short := userID
	if len(short) > 6 {
		short = short[:6]
	}
	return &types.User{
		ID:        userID,
		Nickname:  "trader-" + short,
		Color:     palette[h.Sum32()%uint32(len(palette))],
		Icon:      "user",
		CreatedAt: time.Now().UTC(),
	}
}

// EnsureUser returns the caller's profile, creating a default one on first use.
func (o *RoundOrchestrator) EnsureUser(ctx context.Context, userID string) (*types.User, error) {
	if userID == "" {
		return nil, apperr.InvalidConfig("missing user id")
	}
	u, err := o.store.Users.Ensure(ctx, defaultProfile(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return u, nil
}

// UpdateUser changes the caller's display identity.
func (o *RoundOrchestrator) UpdateUser(ctx context.Context, userID string, upd types.UserUpdate) (*types.User, error) {
	if err := upd.Validate(); err != nil {
		return nil, apperr.WrapInvalidConfig(err, "invalid profile")
	}
	if _, err := o.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}

	u, err := o.store.Users.Update(ctx, userID, upd)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("user %s not found", userID)
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return u, nil
}
