// Package leaderboard ranks agents within a round and users across rounds.
package leaderboard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"go.uber.org/zap"
)

// DefaultSortKey ranks by risk-adjusted return.
const DefaultSortKey = "sharpe_ratio"

type metric func(e *types.LeaderboardEntry) *float64

func value(v float64) *float64 { return &v }

var roundMetrics = map[string]metric{
	"sharpe_ratio":  func(e *types.LeaderboardEntry) *float64 { return e.SharpeRatio },
	"total_return":  func(e *types.LeaderboardEntry) *float64 { return value(e.TotalReturn) },
	"final_equity":  func(e *types.LeaderboardEntry) *float64 { return value(e.FinalEquity) },
	"max_drawdown":  func(e *types.LeaderboardEntry) *float64 { return value(e.MaxDrawdown) },
	"calmar_ratio":  func(e *types.LeaderboardEntry) *float64 { return e.CalmarRatio },
	"win_rate":      func(e *types.LeaderboardEntry) *float64 { return e.WinRate },
	"survival_time": func(e *types.LeaderboardEntry) *float64 { return value(float64(e.SurvivalTime)) },
	"total_trades":  func(e *types.LeaderboardEntry) *float64 { return value(float64(e.TotalTrades)) },
	"alpha":         func(e *types.LeaderboardEntry) *float64 { return e.Alpha },
	"beta":          func(e *types.LeaderboardEntry) *float64 { return e.Beta },
}

// SortKeys lists the accepted per-round sort keys.
func SortKeys() []string {
	keys := make([]string, 0, len(roundMetrics))
	for k := range roundMetrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// compareNullable orders non-null values by direction and puts nulls last
// either way.
func compareNullable(a, b *float64, ascending bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case ascending:
		return cmp.Compare(*a, *b)
	default:
		return cmp.Compare(*b, *a)
	}
}

// row is the cached, identity-free form of one ranked agent.
type row struct {
	Entry     types.LeaderboardEntry `json:"entry"`
	CreatedAt time.Time              `json:"created_at"`
}

// roundData is everything about a round the rankings need.
type roundData struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Status types.RoundStatus `json:"status"`
	Rows   []row             `json:"rows"`
}

func sortRows(rows []row, key metric, ascending bool) {
	slices.SortStableFunc(rows, func(a, b row) int {
		if c := compareNullable(key(&a.Entry), key(&b.Entry), ascending); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Entry.AgentID, b.Entry.AgentID)
	})
}

// Service serves leaderboards from storage through the cache.
type Service struct {
	logger *zap.Logger
	store  *storage.Store
	cache  *Cache
}

// NewService creates a leaderboard service. cache may be nil.
func NewService(logger *zap.Logger, store *storage.Store, cache *Cache) *Service {
	return &Service{
		logger: logger.Named("leaderboard"),
		store:  store,
		cache:  cache,
	}
}

// InvalidateRound drops cached data derived from a round.
func (s *Service) InvalidateRound(roundID string) {
	s.cache.InvalidateRound(roundID)
}

// loadRound builds the result rows for a round. Only terminal rounds are
// cached since a running round gains results as agents finish.
func (s *Service) loadRound(ctx context.Context, roundID string) (*roundData, error) {
	var cached roundData
	if s.cache.get(roundKey(roundID), &cached) {
		return &cached, nil
	}
	gen := s.cache.generation()

	round, err := s.store.Rounds.Get(ctx, roundID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("round %s not found", roundID)
		}
		return nil, fmt.Errorf("failed to load round: %w", err)
	}
	agents, err := s.store.Agents.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	results, err := s.store.Results.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	data := &roundData{ID: round.ID, Name: round.Name, Status: round.Status, Rows: make([]row, 0, len(results))}
	for i := range agents {
		a := &agents[i]
		res, ok := results[a.ID]
		if !ok {
			continue
		}
		data.Rows = append(data.Rows, row{
			CreatedAt: a.CreatedAt,
			Entry: types.LeaderboardEntry{
				AgentID:      a.ID,
				UserID:       a.UserID,
				StrategyType: a.StrategyType,
				FinalEquity:  res.FinalEquity,
				TotalReturn:  res.TotalReturn,
				SharpeRatio:  res.SharpeRatio,
				MaxDrawdown:  res.MaxDrawdown,
				CalmarRatio:  res.CalmarRatio,
				WinRate:      res.WinRate,
				TotalTrades:  res.TotalTrades,
				SurvivalTime: res.SurvivalTime,
				IsGhost:      a.IsGhost(),
				Alpha:        res.Alpha,
				Beta:         res.Beta,
			},
		})
	}

	if round.Status.IsTerminal() {
		s.cache.set(roundKey(roundID), data, gen)
	}
	return data, nil
}

// Round returns a round's ranking. ascending nil selects the key's natural
// direction: ascending for max_drawdown, descending otherwise.
func (s *Service) Round(ctx context.Context, roundID, sortBy string, ascending *bool) (*types.Leaderboard, error) {
	if sortBy == "" {
		sortBy = DefaultSortKey
	}
	key, ok := roundMetrics[sortBy]
	if !ok {
		return nil, apperr.InvalidConfig("unknown sort_by %q", sortBy)
	}
	asc := sortBy == "max_drawdown"
	if ascending != nil {
		asc = *ascending
	}

	data, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	rows := slices.Clone(data.Rows)
	sortRows(rows, key, asc)

	entries := make([]types.LeaderboardEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].Entry
		entries[i].Rank = i + 1
		entries[i].CreatedAt = rows[i].CreatedAt
	}
	if err := s.decorate(ctx, entries); err != nil {
		return nil, err
	}

	lb := &types.Leaderboard{
		RoundID:           data.ID,
		RoundName:         data.Name,
		Entries:           entries,
		TotalParticipants: len(entries),
	}
	summarize(lb)
	return lb, nil
}

// summarize fills the headline figures from non-benchmark entries.
func summarize(lb *types.Leaderboard) {
	var survival, n float64
	for i := range lb.Entries {
		e := &lb.Entries[i]
		if e.IsGhost {
			continue
		}
		lb.BestSharpe = maxOf(lb.BestSharpe, e.SharpeRatio)
		lb.BestReturn = maxOf(lb.BestReturn, value(e.TotalReturn))
		lb.BestAlpha = maxOf(lb.BestAlpha, e.Alpha)
		if lb.LowestDrawdown == nil || e.MaxDrawdown < *lb.LowestDrawdown {
			lb.LowestDrawdown = value(e.MaxDrawdown)
		}
		survival += float64(e.SurvivalTime)
		n++
	}
	if n > 0 {
		lb.AverageSurvival = value(survival / n)
	}
}

func maxOf(cur, v *float64) *float64 {
	if v == nil {
		return cur
	}
	if cur == nil || *v > *cur {
		return value(*v)
	}
	return cur
}

func (s *Service) decorate(ctx context.Context, entries []types.LeaderboardEntry) error {
	ids := make([]string, 0, len(entries))
	for i := range entries {
		if !entries[i].IsGhost {
			ids = append(ids, entries[i].UserID)
		}
	}
	users, err := s.store.Users.GetMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	for i := range entries {
		e := &entries[i]
		if e.IsGhost {
			e.Nickname, e.Color, e.Icon = types.GhostNickname, types.GhostColor, types.GhostIcon
			continue
		}
		if u, ok := users[e.UserID]; ok {
			e.Nickname, e.Color, e.Icon = u.Nickname, u.Color, u.Icon
		}
	}
	return nil
}

// UserRanking returns the caller's placement in the default ranking.
func (s *Service) UserRanking(ctx context.Context, roundID, userID string) (*types.UserRanking, error) {
	if userID == "" {
		return nil, apperr.InvalidConfig("missing user id")
	}
	lb, err := s.Round(ctx, roundID, DefaultSortKey, nil)
	if err != nil {
		return nil, err
	}

	for _, e := range lb.Entries {
		if e.IsGhost || e.UserID != userID {
			continue
		}
		return &types.UserRanking{
			Rank:              e.Rank,
			TotalParticipants: lb.TotalParticipants,
			FinalEquity:       e.FinalEquity,
			TotalReturn:       e.TotalReturn,
			SharpeRatio:       e.SharpeRatio,
			MaxDrawdown:       e.MaxDrawdown,
			Percentile:        percentile(e.Rank, lb.TotalParticipants),
			Alpha:             e.Alpha,
			Beta:              e.Beta,
		}, nil
	}
	return nil, apperr.NotFound("user %s has no ranked agent in round %s", userID, roundID)
}

// percentile is the share of the field placed at or below rank, so first
// place is 100.
func percentile(rank, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(total-rank+1) / float64(total) * 100
}
