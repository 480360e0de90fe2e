package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/leaderboard"
	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/internal/storage/memory"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixtureAgent struct {
	id     string
	user   string
	ghost  bool
	result *types.AgentResult
}

// seedRound stores a round with the given agents and results, then moves it
// to status.
func seedRound(t *testing.T, store *storage.Store, id string, status types.RoundStatus, agents []fixtureAgent) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.Rounds.Create(ctx, &types.Round{
		ID:        id,
		Name:      "round " + id,
		Status:    types.RoundStatusPending,
		Config:    types.DefaultRoundConfig(),
		CreatedAt: base,
	}))

	for i, a := range agents {
		if a.ghost {
			continue
		}
		_, err := store.Agents.Upsert(ctx, &types.Agent{
			ID:           a.id,
			RoundID:      id,
			UserID:       a.user,
			StrategyType: types.StrategyMomentum,
			Config:       types.DefaultAgentConfig(),
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	if status == types.RoundStatusPending {
		return
	}
	require.NoError(t, store.Rounds.Transition(ctx, id, storage.RoundTransition{
		From: types.RoundStatusPending, To: types.RoundStatusRunning,
	}))
	for i, a := range agents {
		if a.ghost {
			require.NoError(t, store.Agents.Insert(ctx, &types.Agent{
				ID:           a.id,
				RoundID:      id,
				StrategyType: types.StrategyGhost,
				Config:       types.DefaultAgentConfig(),
				CreatedAt:    base.Add(time.Duration(i) * time.Second),
			}))
		}
		if a.result != nil {
			res := *a.result
			res.ID = "res-" + a.id
			res.AgentID = a.id
			require.NoError(t, store.Results.Save(ctx, &res))
		}
	}
	if status == types.RoundStatusRunning {
		return
	}
	require.NoError(t, store.Rounds.Transition(ctx, id, storage.RoundTransition{
		From: types.RoundStatusRunning, To: status,
	}))
}

func result(sharpe *float64, ret, dd float64, alpha *float64, survival int) *types.AgentResult {
	return &types.AgentResult{
		FinalEquity:  100000 * (1 + ret/100),
		TotalReturn:  ret,
		SharpeRatio:  sharpe,
		MaxDrawdown:  dd,
		Alpha:        alpha,
		SurvivalTime: survival,
	}
}

func newFixture(t *testing.T) (*leaderboard.Service, *storage.Store) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	_, err := store.Users.Ensure(ctx, &types.User{ID: "u1", Nickname: "alice", Color: "#ff0000", Icon: "star"})
	require.NoError(t, err)
	_, err = store.Users.Ensure(ctx, &types.User{ID: "u2", Nickname: "bob", Color: "#00ff00", Icon: "bolt"})
	require.NoError(t, err)

	seedRound(t, store, "r1", types.RoundStatusCompleted, []fixtureAgent{
		{id: "a1", user: "u1", result: result(types.Float(1.5), 10, 5, types.Float(2), 1000)},
		{id: "a2", user: "u2", result: result(types.Float(1.5), 12, 3, nil, 1000)},
		{id: "a3", user: "u3", result: result(nil, -5, 20, nil, 400)},
		{id: "g1", ghost: true, result: result(types.Float(0.5), 4, 8, types.Float(0), 1000)},
	})
	seedRound(t, store, "r2", types.RoundStatusCompleted, []fixtureAgent{
		{id: "b1", user: "u2", result: result(types.Float(2), 8, 4, types.Float(1), 1000)},
		{id: "b2", user: "u1", result: result(types.Float(0.5), 1, 6, nil, 1000)},
		{id: "g2", ghost: true, result: result(types.Float(0.8), 3, 7, types.Float(0), 1000)},
	})
	seedRound(t, store, "r3", types.RoundStatusPending, []fixtureAgent{
		{id: "c1", user: "u1"},
	})

	return leaderboard.NewService(zap.NewNop(), store, nil), store
}

func agentIDs(lb *types.Leaderboard) []string {
	ids := make([]string, len(lb.Entries))
	for i, e := range lb.Entries {
		ids[i] = e.AgentID
	}
	return ids
}

func TestRoundLeaderboard_Ordering(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	lb, err := svc.Round(ctx, "r1", "", nil)
	require.NoError(t, err)
	// Equal Sharpe falls back to creation order, null Sharpe goes last.
	assert.Equal(t, []string{"a1", "a2", "g1", "a3"}, agentIDs(lb))
	for i, e := range lb.Entries {
		assert.Equal(t, i+1, e.Rank)
	}
	assert.Equal(t, 4, lb.TotalParticipants)
	assert.Equal(t, "round r1", lb.RoundName)

	asc := true
	lb, err = svc.Round(ctx, "r1", "sharpe_ratio", &asc)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "a1", "a2", "a3"}, agentIDs(lb), "nulls stay last when ascending")

	lb, err = svc.Round(ctx, "r1", "max_drawdown", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1", "g1", "a3"}, agentIDs(lb), "drawdown defaults to ascending")

	lb, err = svc.Round(ctx, "r1", "total_return", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1", "g1", "a3"}, agentIDs(lb))

	again, err := svc.Round(ctx, "r1", "total_return", nil)
	require.NoError(t, err)
	assert.Equal(t, agentIDs(lb), agentIDs(again))

	_, err = svc.Round(ctx, "r1", "luck", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)

	_, err = svc.Round(ctx, "missing", "", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	lb, err = svc.Round(ctx, "r3", "", nil)
	require.NoError(t, err)
	assert.Empty(t, lb.Entries)
	assert.Nil(t, lb.BestSharpe)
}

func TestRoundLeaderboard_SummaryAndIdentity(t *testing.T) {
	svc, _ := newFixture(t)

	lb, err := svc.Round(context.Background(), "r1", "", nil)
	require.NoError(t, err)

	require.NotNil(t, lb.BestSharpe)
	assert.Equal(t, 1.5, *lb.BestSharpe)
	require.NotNil(t, lb.BestReturn)
	assert.Equal(t, 12.0, *lb.BestReturn)
	require.NotNil(t, lb.LowestDrawdown)
	assert.Equal(t, 3.0, *lb.LowestDrawdown)
	require.NotNil(t, lb.AverageSurvival)
	assert.Equal(t, 800.0, *lb.AverageSurvival)
	require.NotNil(t, lb.BestAlpha)
	assert.Equal(t, 2.0, *lb.BestAlpha)

	byID := map[string]types.LeaderboardEntry{}
	for _, e := range lb.Entries {
		byID[e.AgentID] = e
	}
	assert.Equal(t, "alice", byID["a1"].Nickname)
	assert.Equal(t, "star", byID["a1"].Icon)
	assert.True(t, byID["g1"].IsGhost)
	assert.Equal(t, types.GhostNickname, byID["g1"].Nickname)
	assert.Empty(t, byID["a3"].Nickname, "unknown users keep an empty identity")
}

func TestUserRanking(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	r, err := svc.UserRanking(ctx, "r1", "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Rank)
	assert.Equal(t, 4, r.TotalParticipants)
	assert.Equal(t, 75.0, r.Percentile)
	assert.Equal(t, 12.0, r.TotalReturn)

	r, err = svc.UserRanking(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.Percentile)

	_, err = svc.UserRanking(ctx, "r1", "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.UserRanking(ctx, "r1", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
}

func TestPerformanceScore(t *testing.T) {
	assert.InDelta(t, 44.0, leaderboard.PerformanceScore(types.Float(1), types.Float(2), 100, 2), 1e-9)
	assert.InDelta(t, 31.0, leaderboard.PerformanceScore(nil, nil, 100, 1), 1e-9)

	// Every component is capped at 100.
	assert.InDelta(t, 100.0, leaderboard.PerformanceScore(types.Float(50), types.Float(50), 100, 40), 1e-9)
}

func TestGlobalLeaderboard(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	g, err := svc.Global(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, g.TotalUsers)
	assert.Equal(t, 2, g.TotalRoundsAnalyzed, "pending rounds are not analyzed")
	assert.Equal(t, 2, g.MostRoundsParticipated)
	require.NotNil(t, g.HighestAvgSharpe)
	assert.InDelta(t, 1.75, *g.HighestAvgSharpe, 1e-9)

	require.Len(t, g.Entries, 3)
	assert.Equal(t, "u2", g.Entries[0].UserID)
	assert.InDelta(t, 48.0, g.Entries[0].PerformanceScore, 1e-9)
	assert.Equal(t, "bob", g.Entries[0].Nickname)
	assert.Equal(t, "u1", g.Entries[1].UserID)
	assert.InDelta(t, 44.0, g.Entries[1].PerformanceScore, 1e-9)
	assert.Equal(t, "u3", g.Entries[2].UserID)
	assert.InDelta(t, 31.0, g.Entries[2].PerformanceScore, 1e-9)

	u1 := g.Entries[1]
	assert.Equal(t, 2, u1.TotalRounds)
	assert.Equal(t, 1, u1.FirstPlaceCount)
	assert.Equal(t, 2, u1.Top3Count)
	assert.Equal(t, 100.0, u1.WinRate)
	require.NotNil(t, u1.AvgAlpha)
	assert.Equal(t, 2.0, *u1.AvgAlpha)
	assert.Equal(t, 10.0, u1.BestTotalReturn)
	assert.InDelta(t, 5.5, u1.AvgTotalReturn, 1e-9)

	byRounds, err := svc.Global(ctx, "total_rounds", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "u1", byRounds.Entries[0].UserID, "ties break by user id")
	assert.Equal(t, "u3", byRounds.Entries[2].UserID)

	page, err := svc.Global(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "u1", page.Entries[0].UserID)
	assert.Equal(t, 2, page.Entries[0].Rank)

	empty, err := svc.Global(ctx, "", 10, 50)
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)

	_, err = svc.Global(ctx, "luck", 0, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
	_, err = svc.Global(ctx, "", 0, -1)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
}

func TestGlobalUserRanking(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	r, err := svc.GlobalUserRanking(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Rank)
	assert.Equal(t, 3, r.TotalUsers)
	assert.InDelta(t, 200.0/3, r.Percentile, 1e-9)
	assert.Equal(t, 2, r.Top3Count)
	assert.Equal(t, 1, r.FirstPlaceCount)

	_, err = svc.GlobalUserRanking(ctx, "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCacheInvalidation(t *testing.T) {
	_, store := newFixture(t)
	ctx := context.Background()

	cache, err := leaderboard.NewCache(zap.NewNop(), time.Minute, 8)
	require.NoError(t, err)
	require.NotNil(t, cache)
	t.Cleanup(func() { _ = cache.Close() })
	svc := leaderboard.NewService(zap.NewNop(), store, cache)

	lb, err := svc.Round(ctx, "r1", "", nil)
	require.NoError(t, err)
	require.Len(t, lb.Entries, 4)
	assert.Equal(t, 1, cache.Len())

	// Drop a result behind the cache's back.
	require.NoError(t, store.Rounds.Delete(ctx, "r1"))
	seedRound(t, store, "r1", types.RoundStatusCompleted, []fixtureAgent{
		{id: "a1", user: "u1", result: result(types.Float(1), 1, 1, nil, 1000)},
	})

	lb, err = svc.Round(ctx, "r1", "", nil)
	require.NoError(t, err)
	assert.Len(t, lb.Entries, 4, "served from cache")

	svc.InvalidateRound("r1")
	lb, err = svc.Round(ctx, "r1", "", nil)
	require.NoError(t, err)
	assert.Len(t, lb.Entries, 1)

	// Identity is resolved per request, never cached.
	nick := "alicia"
	_, err = store.Users.Update(ctx, "u1", types.UserUpdate{Nickname: &nick})
	require.NoError(t, err)
	lb, err = svc.Round(ctx, "r1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "alicia", lb.Entries[0].Nickname)
}

// pausingRounds holds the first List call until release is closed.
type pausingRounds struct {
	storage.RoundStore
	once    sync.Once
	listed  chan struct{}
	release chan struct{}
}

func (p *pausingRounds) List(ctx context.Context, f storage.RoundFilter) ([]types.RoundListItem, error) {
	items, err := p.RoundStore.List(ctx, f)
	p.once.Do(func() {
		close(p.listed)
		<-p.release
	})
	return items, err
}

func TestGlobalRebuildDiscardedAfterInvalidation(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.Users.Ensure(ctx, &types.User{ID: "u1", Nickname: "alice"})
	require.NoError(t, err)
	seedRound(t, store, "r1", types.RoundStatusRunning, []fixtureAgent{
		{id: "a1", user: "u1", result: result(types.Float(1), 5, 2, nil, 1000)},
	})

	paused := &pausingRounds{RoundStore: store.Rounds, listed: make(chan struct{}), release: make(chan struct{})}
	store.Rounds = paused

	cache, err := leaderboard.NewCache(zap.NewNop(), time.Hour, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	svc := leaderboard.NewService(zap.NewNop(), store, cache)

	done := make(chan *types.GlobalLeaderboard, 1)
	go func() {
		g, err := svc.Global(ctx, "", 0, 0)
		assert.NoError(t, err)
		done <- g
	}()

	// The round finishes while the rebuild holds a listing without it.
	<-paused.listed
	require.NoError(t, store.Rounds.Transition(ctx, "r1", storage.RoundTransition{
		From: types.RoundStatusRunning, To: types.RoundStatusCompleted,
	}))
	svc.InvalidateRound("r1")
	close(paused.release)

	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, 0, first.TotalRoundsAnalyzed)

	g, err := svc.Global(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, g.TotalUsers)
	assert.Equal(t, 1, g.TotalRoundsAnalyzed)

	// With no invalidation in between, the rebuilt aggregate is cached.
	assert.Equal(t, 2, cache.Len(), "global aggregate and round rows")
}

func TestDisabledCache(t *testing.T) {
	cache, err := leaderboard.NewCache(zap.NewNop(), 0, 8)
	require.NoError(t, err)
	assert.Nil(t, cache)
	assert.Equal(t, 0, cache.Len())
	cache.InvalidateRound("anything")
	assert.NoError(t, cache.Close())
}
