package leaderboard

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"go.uber.org/zap"
)

// Performance score weights and caps.
const (
	SharpeWeight        = 0.4
	WinRateWeight       = 0.3
	AlphaWeight         = 0.2
	ParticipationWeight = 0.1

	SharpeScale        = 20.0
	AlphaScale         = 10.0
	ParticipationScale = 10.0
	ScoreCap           = 100.0
)

// Global page bounds.
const (
	DefaultGlobalLimit = 50
	MaxGlobalLimit     = 100
	DefaultGlobalSort  = "performance_score"
)

type globalMetric func(e *types.GlobalLeaderboardEntry) *float64

var globalMetrics = map[string]globalMetric{
	"performance_score": func(e *types.GlobalLeaderboardEntry) *float64 { return value(e.PerformanceScore) },
	"avg_sharpe_ratio":  func(e *types.GlobalLeaderboardEntry) *float64 { return e.AvgSharpeRatio },
	"avg_total_return":  func(e *types.GlobalLeaderboardEntry) *float64 { return value(e.AvgTotalReturn) },
	"total_rounds":      func(e *types.GlobalLeaderboardEntry) *float64 { return value(float64(e.TotalRounds)) },
	"win_rate":          func(e *types.GlobalLeaderboardEntry) *float64 { return value(e.WinRate) },
	"avg_alpha":         func(e *types.GlobalLeaderboardEntry) *float64 { return e.AvgAlpha },
}

// PerformanceScore blends average Sharpe, top-3 rate, average alpha and
// participation into one figure. A missing average counts as zero.
func PerformanceScore(avgSharpe, avgAlpha *float64, winRate float64, rounds int) float64 {
	var sharpe, alpha float64
	if avgSharpe != nil {
		sharpe = math.Min(ScoreCap, *avgSharpe*SharpeScale)
	}
	if avgAlpha != nil {
		alpha = math.Min(ScoreCap, *avgAlpha*AlphaScale)
	}
	participation := math.Min(ScoreCap, float64(rounds)*ParticipationScale)
	return SharpeWeight*sharpe + WinRateWeight*winRate + AlphaWeight*alpha + ParticipationWeight*participation
}

// aggregate is the cached cross-round state.
type aggregate struct {
	Rounds  int                            `json:"rounds"`
	Entries []types.GlobalLeaderboardEntry `json:"entries"`
}

type accum struct {
	rounds                   int
	sharpes, returns, alphas []float64
	first, top3, top10       int
}

// placements ranks a round's non-benchmark agents by Sharpe.
func placements(data *roundData) []row {
	rows := make([]row, 0, len(data.Rows))
	for _, r := range data.Rows {
		if !r.Entry.IsGhost {
			rows = append(rows, r)
		}
	}
	sortRows(rows, roundMetrics[DefaultSortKey], false)
	return rows
}

func (s *Service) loadAggregate(ctx context.Context) (*aggregate, error) {
	var cached aggregate
	if s.cache.get(globalKey, &cached) {
		return &cached, nil
	}
	gen := s.cache.generation()

	completed := types.RoundStatusCompleted
	rounds, err := s.store.Rounds.List(ctx, storage.RoundFilter{Status: &completed})
	if err != nil {
		return nil, fmt.Errorf("failed to list completed rounds: %w", err)
	}

	byUser := make(map[string]*accum)
	for _, r := range rounds {
		data, err := s.loadRound(ctx, r.ID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				// Deleted between the listing and the load.
				continue
			}
			return nil, err
		}
		for i, placed := range placements(data) {
			e := placed.Entry
			acc := byUser[e.UserID]
			if acc == nil {
				acc = &accum{}
				byUser[e.UserID] = acc
			}
			acc.rounds++
			acc.returns = append(acc.returns, e.TotalReturn)
			if e.SharpeRatio != nil {
				acc.sharpes = append(acc.sharpes, *e.SharpeRatio)
			}
			if e.Alpha != nil {
				acc.alphas = append(acc.alphas, *e.Alpha)
			}
			place := i + 1
			if place == 1 {
				acc.first++
			}
			if place <= 3 {
				acc.top3++
			}
			if place <= 10 {
				acc.top10++
			}
		}
	}

	agg := &aggregate{Rounds: len(rounds), Entries: make([]types.GlobalLeaderboardEntry, 0, len(byUser))}
	for userID, acc := range byUser {
		winRate := float64(acc.top3) / float64(acc.rounds) * 100
		avgSharpe, avgAlpha := mean(acc.sharpes), mean(acc.alphas)
		agg.Entries = append(agg.Entries, types.GlobalLeaderboardEntry{
			UserID:           userID,
			TotalRounds:      acc.rounds,
			AvgSharpeRatio:   avgSharpe,
			BestSharpeRatio:  best(acc.sharpes),
			AvgTotalReturn:   *mean(acc.returns),
			BestTotalReturn:  *best(acc.returns),
			AvgAlpha:         avgAlpha,
			BestAlpha:        best(acc.alphas),
			FirstPlaceCount:  acc.first,
			Top3Count:        acc.top3,
			Top10Count:       acc.top10,
			WinRate:          winRate,
			PerformanceScore: PerformanceScore(avgSharpe, avgAlpha, winRate, acc.rounds),
		})
	}

	s.cache.set(globalKey, agg, gen)
	s.logger.Debug("Global aggregate rebuilt",
		zap.Int("rounds", agg.Rounds),
		zap.Int("users", len(agg.Entries)),
	)
	return agg, nil
}

func mean(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return value(sum / float64(len(xs)))
}

func best(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	return value(slices.Max(xs))
}

func sortGlobal(entries []types.GlobalLeaderboardEntry, key globalMetric) {
	slices.SortStableFunc(entries, func(a, b types.GlobalLeaderboardEntry) int {
		if c := compareNullable(key(&a), key(&b), false); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// Global returns one page of the cross-round ranking. Every key sorts
// descending.
func (s *Service) Global(ctx context.Context, sortBy string, limit, offset int) (*types.GlobalLeaderboard, error) {
	if sortBy == "" {
		sortBy = DefaultGlobalSort
	}
	key, ok := globalMetrics[sortBy]
	if !ok {
		return nil, apperr.InvalidConfig("unknown sort_by %q", sortBy)
	}
	if offset < 0 {
		return nil, apperr.InvalidConfig("offset must be >= 0")
	}
	if limit <= 0 {
		limit = DefaultGlobalLimit
	}
	limit = min(limit, MaxGlobalLimit)

	agg, err := s.loadAggregate(ctx)
	if err != nil {
		return nil, err
	}
	all := slices.Clone(agg.Entries)
	sortGlobal(all, key)

	out := &types.GlobalLeaderboard{
		TotalUsers:          len(all),
		TotalRoundsAnalyzed: agg.Rounds,
	}
	for i := range all {
		e := &all[i]
		out.HighestAvgSharpe = maxOf(out.HighestAvgSharpe, e.AvgSharpeRatio)
		out.HighestAvgReturn = maxOf(out.HighestAvgReturn, value(e.AvgTotalReturn))
		out.HighestAvgAlpha = maxOf(out.HighestAvgAlpha, e.AvgAlpha)
		out.MostRoundsParticipated = max(out.MostRoundsParticipated, e.TotalRounds)
	}

	start := min(offset, len(all))
	end := min(start+limit, len(all))
	out.Entries = all[start:end]
	if err := s.decorateGlobal(ctx, out.Entries); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) decorateGlobal(ctx context.Context, entries []types.GlobalLeaderboardEntry) error {
	ids := make([]string, len(entries))
	for i := range entries {
		ids[i] = entries[i].UserID
	}
	users, err := s.store.Users.GetMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	for i := range entries {
		if u, ok := users[entries[i].UserID]; ok {
			entries[i].Nickname, entries[i].Color, entries[i].Icon = u.Nickname, u.Color, u.Icon
		}
	}
	return nil
}

// GlobalUserRanking returns a user's placement by performance score.
func (s *Service) GlobalUserRanking(ctx context.Context, userID string) (*types.GlobalUserRanking, error) {
	if userID == "" {
		return nil, apperr.InvalidConfig("missing user id")
	}
	agg, err := s.loadAggregate(ctx)
	if err != nil {
		return nil, err
	}
	all := slices.Clone(agg.Entries)
	sortGlobal(all, globalMetrics[DefaultGlobalSort])

	for _, e := range all {
		if e.UserID != userID {
			continue
		}
		return &types.GlobalUserRanking{
			Rank:             e.Rank,
			TotalUsers:       len(all),
			PerformanceScore: e.PerformanceScore,
			Percentile:       percentile(e.Rank, len(all)),
			TotalRounds:      e.TotalRounds,
			AvgSharpeRatio:   e.AvgSharpeRatio,
			AvgTotalReturn:   e.AvgTotalReturn,
			AvgAlpha:         e.AvgAlpha,
			WinRate:          e.WinRate,
			FirstPlaceCount:  e.FirstPlaceCount,
			Top3Count:        e.Top3Count,
			Top10Count:       e.Top10Count,
		}, nil
	}
	return nil, apperr.NotFound("user %s has no completed rounds", userID)
}
