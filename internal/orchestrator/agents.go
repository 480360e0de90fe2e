package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/backtester"
	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/internal/strategy"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UpsertAgent creates or replaces the caller's agent in a PENDING round.
func (o *RoundOrchestrator) UpsertAgent(ctx context.Context, roundID, userID string, req types.AgentCreate) (*types.Agent, error) {
	if userID == "" {
		return nil, apperr.InvalidConfig("missing user id")
	}
	if !strategy.UserSelectable(req.StrategyType) {
		return nil, apperr.InvalidConfig("strategy_type must be one of MEAN_REVERSION, TREND_FOLLOWING, MOMENTUM")
	}

	cfg := types.DefaultAgentConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperr.WrapInvalidConfig(err, "invalid agent config")
	}
	if err := strategy.Validate(req.StrategyType, cfg.StrategyParams); err != nil {
		return nil, apperr.WrapInvalidConfig(err, "invalid %s parameters", req.StrategyType)
	}

	// Reject before the profile is created; Upsert re-checks atomically.
	round, err := o.store.Rounds.Get(ctx, roundID)
	if err != nil {
		return nil, storageErr(err, "round %s", roundID)
	}
	if round.Status != types.RoundStatusPending {
		return nil, apperr.StateConflict("agents can only be changed while the round is PENDING")
	}

	user, err := o.EnsureUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	agent, err := o.store.Agents.Upsert(ctx, &types.Agent{
		ID:           uuid.NewString(),
		RoundID:      roundID,
		UserID:       userID,
		StrategyType: req.StrategyType,
		Config:       cfg,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.StateConflict("agents can only be changed while the round is PENDING")
		}
		return nil, storageErr(err, "round %s", roundID)
	}

	o.logger.Info("Agent saved",
		zap.String("round_id", roundID),
		zap.String("agent_id", agent.ID),
		zap.String("user_id", userID),
		zap.String("strategy", string(agent.StrategyType)),
	)
	decorate(agent, user)
	return agent, nil
}

// ListAgents returns a round's agents with owner identity and results.
func (o *RoundOrchestrator) ListAgents(ctx context.Context, roundID string) ([]types.Agent, error) {
	if _, err := o.GetRound(ctx, roundID); err != nil {
		return nil, err
	}

	agents, err := o.store.Agents.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	results, err := o.store.Results.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	users, err := o.store.Users.GetMany(ctx, ownerIDs(agents))
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	out := make([]types.Agent, len(agents))
	for i := range agents {
		a := agents[i]
		a.Result = results[a.ID]
		decorate(&a, users[a.UserID])
		out[i] = a
	}
	return out, nil
}

// GetAgent returns one agent of a round with its result, if any.
func (o *RoundOrchestrator) GetAgent(ctx context.Context, roundID, agentID string) (*types.Agent, error) {
	a, err := o.store.Agents.Get(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && a.RoundID != roundID) {
		return nil, apperr.NotFound("agent %s not found in round %s", agentID, roundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return o.withDetails(ctx, a)
}

// GetMyAgent returns the caller's agent in a round.
func (o *RoundOrchestrator) GetMyAgent(ctx context.Context, roundID, userID string) (*types.Agent, error) {
	a, err := o.store.Agents.GetByUser(ctx, roundID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("no agent for this user in round %s", roundID)
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return o.withDetails(ctx, a)
}

// DeleteMyAgent withdraws the caller's agent from a PENDING round.
func (o *RoundOrchestrator) DeleteMyAgent(ctx context.Context, roundID, userID string) error {
	err := o.store.Agents.DeleteByUser(ctx, roundID, userID)
	switch {
	case err == nil:
		o.logger.Info("Agent withdrawn", zap.String("round_id", roundID), zap.String("user_id", userID))
		return nil
	case errors.Is(err, storage.ErrConflict):
		return apperr.StateConflict("agents can only be changed while the round is PENDING")
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("no agent for this user in round %s", roundID)
	}
	return fmt.Errorf("failed to delete agent: %w", err)
}

// GetAgentResult returns the frozen result of an agent.
func (o *RoundOrchestrator) GetAgentResult(ctx context.Context, roundID, agentID string) (*types.AgentResult, error) {
	a, err := o.GetAgent(ctx, roundID, agentID)
	if err != nil {
		return nil, err
	}
	if a.Result == nil {
		return nil, apperr.NotFound("agent %s has no result", agentID)
	}
	return a.Result, nil
}

// CompletedTrades pairs an agent's trade log into round trips.
func (o *RoundOrchestrator) CompletedTrades(ctx context.Context, roundID, agentID string) (*types.CompletedTradesResponse, error) {
	result, err := o.GetAgentResult(ctx, roundID, agentID)
	if err != nil {
		return nil, err
	}
	round, err := o.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	// Mark any open position at the agent's last simulated tick.
	var last *float64
	if i := len(result.EquityCurve) - 1; i >= 0 && i < len(round.PriceData) {
		last = types.Float(round.PriceData[i].Value)
	}
	resp := backtester.PairTrades(result.Trades, last)
	return &resp, nil
}

func (o *RoundOrchestrator) withDetails(ctx context.Context, a *types.Agent) (*types.Agent, error) {
	res, err := o.store.Results.GetByAgent(ctx, a.ID)
	switch {
	case err == nil:
		a.Result = res
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to load result: %w", err)
	}

	var user *types.User
	if !a.IsGhost() {
		user, err = o.store.Users.Get(ctx, a.UserID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load user: %w", err)
		}
	}
	decorate(a, user)
	return a, nil
}

func ownerIDs(agents []types.Agent) []string {
	ids := make([]string, 0, len(agents))
	for i := range agents {
		if !agents[i].IsGhost() {
			ids = append(ids, agents[i].UserID)
		}
	}
	return ids
}

func decorate(a *types.Agent, u *types.User) {
	switch {
	case a.IsGhost():
		a.UserNickname = strPtr(types.GhostNickname)
		a.UserColor = strPtr(types.GhostColor)
	case u != nil:
		a.UserNickname = strPtr(u.Nickname)
		a.UserColor = strPtr(u.Color)
	}
}

func strPtr(s string) *string {
	return &s
}
