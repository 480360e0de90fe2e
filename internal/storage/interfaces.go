// Package storage defines the repositories behind rounds, agents, results
// and user profiles.
package storage

import (
	"context"
	"time"

	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// RoundFilter selects rounds for listing. Limit 0 means no limit.
type RoundFilter struct {
	Status *types.RoundStatus
	Skip   int
	Limit  int
}

// RoundTransition moves a round out of From. Nil fields are left unchanged.
type RoundTransition struct {
	From         types.RoundStatus
	To           types.RoundStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// RoundStore provides access to rounds.
type RoundStore interface {
	// Create inserts a round. Returns ErrDuplicateKey if the id exists.
	Create(ctx context.Context, r *types.Round) error

	// Get returns a round with AgentCount set. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.Round, error)

	// List returns rounds newest first.
	List(ctx context.Context, f RoundFilter) ([]types.RoundListItem, error)

	// Transition applies t only if the round is currently in t.From.
	// Returns ErrConflict otherwise, ErrNotFound if the round is absent.
	Transition(ctx context.Context, id string, t RoundTransition) error

	// SetMarketData stores the generated series of a RUNNING round.
	SetMarketData(ctx context.Context, id string, prices, benchmark []types.ChartDataPoint) error

	// Delete removes a round with its agents and results. Returns
	// ErrConflict while the round is RUNNING.
	Delete(ctx context.Context, id string) error
}

// AgentStore provides access to agents. Listings are ordered by
// created_at, then id.
type AgentStore interface {
	// Upsert creates or replaces the (round, user) agent while the round is
	// PENDING. The stored agent keeps its original id and created_at.
	// Returns ErrConflict outside PENDING, ErrNotFound if the round is absent.
	Upsert(ctx context.Context, a *types.Agent) (*types.Agent, error)

	// Insert adds an agent regardless of round status. Used for the
	// benchmark agent. Returns ErrDuplicateKey if (round, user) exists.
	Insert(ctx context.Context, a *types.Agent) error

	Get(ctx context.Context, id string) (*types.Agent, error)
	GetByUser(ctx context.Context, roundID, userID string) (*types.Agent, error)
	ListByRound(ctx context.Context, roundID string) ([]types.Agent, error)

	// DeleteByUser removes the user's agent while the round is PENDING.
	DeleteByUser(ctx context.Context, roundID, userID string) error
}

// ResultStore provides access to agent results.
type ResultStore interface {
	// Save inserts a result. Returns ErrDuplicateKey if the agent already
	// has one.
	Save(ctx context.Context, r *types.AgentResult) error

	GetByAgent(ctx context.Context, agentID string) (*types.AgentResult, error)

	// ListByRound returns results keyed by agent id.
	ListByRound(ctx context.Context, roundID string) (map[string]*types.AgentResult, error)

	// CountByRound returns how many agents of the round have a result.
	CountByRound(ctx context.Context, roundID string) (int, error)
}

// UserStore provides access to user profiles.
type UserStore interface {
	Get(ctx context.Context, id string) (*types.User, error)

	// Ensure inserts u if no user with its id exists and returns the stored
	// profile.
	Ensure(ctx context.Context, u *types.User) (*types.User, error)

	Update(ctx context.Context, id string, upd types.UserUpdate) (*types.User, error)
	GetMany(ctx context.Context, ids []string) (map[string]*types.User, error)
}

// Store bundles the repositories of one backend.
type Store struct {
	Rounds  RoundStore
	Agents  AgentStore
	Results ResultStore
	Users   UserStore

	// Close releases backend resources. May be nil.
	Close func()
}
