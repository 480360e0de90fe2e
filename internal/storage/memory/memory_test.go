package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

func newRound(id string, created time.Time) *types.Round {
	return &types.Round{
		ID:         id,
		Name:       "round " + id,
		Status:     types.RoundStatusPending,
		MarketSeed: 42,
		Config:     types.DefaultRoundConfig(),
		CreatedAt:  created,
	}
}

func newAgent(id, roundID, userID string, created time.Time) *types.Agent {
	return &types.Agent{
		ID:           id,
		RoundID:      roundID,
		UserID:       userID,
		StrategyType: types.StrategyMeanReversion,
		Config:       types.DefaultAgentConfig(),
		CreatedAt:    created,
	}
}

func TestRoundStore_CreateGetList(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := store.Rounds.Create(ctx, newRound(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	if err := store.Rounds.Create(ctx, newRound("a", base)); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	items, err := store.Rounds.List(ctx, storage.RoundFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != "c" || items[1].ID != "b" {
		t.Errorf("expected newest first [c b], got %+v", items)
	}

	items, _ = store.Rounds.List(ctx, storage.RoundFilter{Skip: 2})
	if len(items) != 1 || items[0].ID != "a" {
		t.Errorf("expected [a] after skip, got %+v", items)
	}

	running := types.RoundStatusRunning
	items, _ = store.Rounds.List(ctx, storage.RoundFilter{Status: &running})
	if len(items) != 0 {
		t.Errorf("expected no running rounds, got %d", len(items))
	}

	if _, err := store.Rounds.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRoundStore_Transition(t *testing.T) {
	store := New()
	ctx := context.Background()
	_ = store.Rounds.Create(ctx, newRound("r", time.Now()))

	now := time.Now().UTC()
	err := store.Rounds.Transition(ctx, "r", storage.RoundTransition{
		From: types.RoundStatusPending, To: types.RoundStatusRunning, StartedAt: &now,
	})
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// A second start loses.
	err = store.Rounds.Transition(ctx, "r", storage.RoundTransition{
		From: types.RoundStatusPending, To: types.RoundStatusRunning,
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	if err := store.Rounds.Delete(ctx, "r"); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict deleting running round, got %v", err)
	}

	got, _ := store.Rounds.Get(ctx, "r")
	if got.Status != types.RoundStatusRunning || got.StartedAt == nil {
		t.Errorf("unexpected round after start: %+v", got)
	}
}

func TestAgentStore_UpsertRequiresPending(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Now().UTC()
	_ = store.Rounds.Create(ctx, newRound("r", base))

	first, err := store.Agents.Upsert(ctx, newAgent("a1", "r", "u1", base))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	replacement := newAgent("a2", "r", "u1", base.Add(time.Second))
	replacement.StrategyType = types.StrategyMomentum
	second, err := store.Agents.Upsert(ctx, replacement)
	if err != nil {
		t.Fatalf("Upsert replace failed: %v", err)
	}
	if second.ID != first.ID || second.StrategyType != types.StrategyMomentum {
		t.Errorf("expected replacement to keep id %s, got %+v", first.ID, second)
	}

	got, _ := store.Rounds.Get(ctx, "r")
	if got.AgentCount != 1 {
		t.Errorf("expected 1 agent, got %d", got.AgentCount)
	}

	_ = store.Rounds.Transition(ctx, "r", storage.RoundTransition{From: types.RoundStatusPending, To: types.RoundStatusRunning})

	if _, err := store.Agents.Upsert(ctx, newAgent("a3", "r", "u2", base)); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := store.Agents.DeleteByUser(ctx, "r", "u1"); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	// The benchmark agent is inserted after the round starts.
	if err := store.Agents.Insert(ctx, newAgent("ghost", "r", "", base)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Agents.Insert(ctx, newAgent("ghost2", "r", "", base)); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestAgentStore_ListOrder(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Now().UTC()
	_ = store.Rounds.Create(ctx, newRound("r", base))

	_, _ = store.Agents.Upsert(ctx, newAgent("b", "r", "u2", base))
	_, _ = store.Agents.Upsert(ctx, newAgent("a", "r", "u1", base))
	_, _ = store.Agents.Upsert(ctx, newAgent("c", "r", "u0", base.Add(-time.Second)))

	agents, err := store.Agents.ListByRound(ctx, "r")
	if err != nil {
		t.Fatalf("ListByRound failed: %v", err)
	}
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if agents[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, agents[i].ID, id)
		}
	}
}

func TestResultStore_WriteOnce(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Now().UTC()
	_ = store.Rounds.Create(ctx, newRound("r", base))
	_, _ = store.Agents.Upsert(ctx, newAgent("a", "r", "u", base))

	res := &types.AgentResult{
		ID:          "res1",
		AgentID:     "a",
		FinalEquity: 101000,
		Trades:      []types.Trade{{Tick: 1, Action: types.ActionOpenLong}},
	}
	if err := store.Results.Save(ctx, res); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	dup := *res
	dup.ID = "res2"
	if err := store.Results.Save(ctx, &dup); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	res.Trades[0].Tick = 99
	got, _ := store.Results.GetByAgent(ctx, "a")
	if got.Trades[0].Tick != 1 {
		t.Errorf("stored trade mutated: %+v", got.Trades[0])
	}

	n, _ := store.Results.CountByRound(ctx, "r")
	if n != 1 {
		t.Errorf("expected 1 result, got %d", n)
	}

	if err := store.Rounds.Delete(ctx, "r"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Results.GetByAgent(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected cascade delete, got %v", err)
	}
}

func TestUserStore_EnsureAndUpdate(t *testing.T) {
	store := New()
	ctx := context.Background()

	u, err := store.Users.Ensure(ctx, &types.User{ID: "u1", Nickname: "first"})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	again, _ := store.Users.Ensure(ctx, &types.User{ID: "u1", Nickname: "second"})
	if again.Nickname != u.Nickname {
		t.Errorf("Ensure overwrote profile: %s", again.Nickname)
	}

	nick := "renamed"
	updated, err := store.Users.Update(ctx, "u1", types.UserUpdate{Nickname: &nick})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Nickname != nick {
		t.Errorf("Nickname: got %s, want %s", updated.Nickname, nick)
	}

	users, _ := store.Users.GetMany(ctx, []string{"u1", "ghost"})
	if len(users) != 1 {
		t.Errorf("expected 1 user, got %d", len(users))
	}
}
