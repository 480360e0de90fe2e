package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/events"
	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxRoundNameLen = 100
	maxRandomSeed   = 10000
	maxListLimit    = 100
)

// CreateRound validates req and stores a new PENDING round.
func (o *RoundOrchestrator) CreateRound(ctx context.Context, req types.RoundCreate) (*types.Round, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.InvalidConfig("name is required")
	}
	if len(name) > maxRoundNameLen {
		return nil, apperr.InvalidConfig("name must be at most %d characters", maxRoundNameLen)
	}

	var seed int64
	if req.MarketSeed != nil {
		seed = *req.MarketSeed
		if seed < 0 {
			return nil, apperr.InvalidConfig("market_seed must be >= 0")
		}
	} else {
		seed = rand.Int63n(maxRandomSeed)
	}

	cfg := types.DefaultRoundConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Market.Validate(); err != nil {
		return nil, apperr.WrapInvalidConfig(err, "invalid market config")
	}

	round := &types.Round{
		ID:         uuid.NewString(),
		Name:       name,
		Status:     types.RoundStatusPending,
		MarketSeed: seed,
		Config:     cfg,
		PriceData:  []types.ChartDataPoint{},
		SpyReturns: []types.ChartDataPoint{},
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.Rounds.Create(ctx, round); err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}

	o.logger.Info("Round created",
		zap.String("round_id", round.ID),
		zap.String("name", round.Name),
		zap.Int64("seed", seed),
		zap.String("data_source", cfg.Market.DataSource),
	)
	o.bus.Publish(events.NewRoundEvent(events.EventRoundCreated, types.RoundStatusResponse{
		ID: round.ID, Status: round.Status,
	}))
	return round, nil
}

// ListRounds returns rounds newest first. status may be empty.
func (o *RoundOrchestrator) ListRounds(ctx context.Context, status types.RoundStatus, skip, limit int) ([]types.RoundListItem, error) {
	f := storage.RoundFilter{Skip: skip, Limit: limit}
	if status != "" {
		if !status.Valid() {
			return nil, apperr.InvalidConfig("unknown status %q", status)
		}
		f.Status = &status
	}
	if f.Skip < 0 {
		return nil, apperr.InvalidConfig("skip must be >= 0")
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	items, err := o.store.Rounds.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	return items, nil
}

// GetRound returns a round with its market data.
func (o *RoundOrchestrator) GetRound(ctx context.Context, roundID string) (*types.Round, error) {
	round, err := o.store.Rounds.Get(ctx, roundID)
	if err != nil {
		return nil, storageErr(err, "round %s", roundID)
	}
	return round, nil
}

// DeleteRound removes a round that is not RUNNING, with its agents and
// results.
func (o *RoundOrchestrator) DeleteRound(ctx context.Context, roundID string) error {
	err := o.store.Rounds.Delete(ctx, roundID)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return apperr.StateConflict("cannot delete a RUNNING round")
	case err != nil:
		return storageErr(err, "round %s", roundID)
	}

	if o.cache != nil {
		o.cache.InvalidateRound(roundID)
	}
	o.logger.Info("Round deleted", zap.String("round_id", roundID))
	o.bus.Publish(events.NewRoundEvent(events.EventRoundDeleted, types.RoundStatusResponse{ID: roundID}))
	return nil
}
