package strategy_test

import (
	"strings"
	"testing"

	"github.com/atlas-desktop/arena-backend/internal/signals"
	"github.com/atlas-desktop/arena-backend/internal/strategy"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"go.uber.org/zap"
)

var ready = signals.Frame{Ready: true, Confidence: 1}

func TestRegistryCreatesEveryType(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	if got := len(r.Types()); got != 4 {
		t.Fatalf("expected 4 registered strategies, got %d", got)
	}
	for _, st := range r.Types() {
		s, err := r.Create(st, types.DefaultStrategyParams())
		if err != nil {
			t.Fatalf("Create(%s): %v", st, err)
		}
		if s.Type() != st {
			t.Errorf("Create(%s) returned %s", st, s.Type())
		}
	}
	_, err := r.Create("BREAKOUT", types.DefaultStrategyParams())
	if err == nil {
		t.Fatal("expected an error for an unknown type")
	}
	if !strings.Contains(err.Error(), string(types.StrategyMomentum)) {
		t.Errorf("expected the registered types in %q", err)
	}
}

func TestUserSelectable(t *testing.T) {
	if strategy.UserSelectable(types.StrategyGhost) {
		t.Error("ghost must not be user selectable")
	}
	if !strategy.UserSelectable(types.StrategyMomentum) {
		t.Error("momentum must be user selectable")
	}
}

func TestConstructionValidatesOnlyOwnFields(t *testing.T) {
	p := types.DefaultStrategyParams()
	p.SlowWindow = 5 // below fast_window and out of bounds

	if _, err := strategy.NewMeanReversion(p); err != nil {
		t.Errorf("mean reversion should ignore trend fields: %v", err)
	}
	_, err := strategy.NewTrendFollowing(p)
	if err == nil || !strings.Contains(err.Error(), "slow_window") {
		t.Errorf("expected slow_window error, got %v", err)
	}

	p = types.DefaultStrategyParams()
	p.RSIOversold = 45
	p.RSIOverbought = 50
	if _, err := strategy.NewMomentum(p); err != nil {
		t.Errorf("overbought > oversold should pass: %v", err)
	}
	p.RSIOverbought = 40
	if _, err := strategy.NewMomentum(p); err == nil {
		t.Error("overbought below oversold must fail")
	}
}

func TestMeanReversionEntryAndExit(t *testing.T) {
	p := types.DefaultStrategyParams()
	p.LookbackWindow = 5
	p.EntryThreshold = 1.0
	p.ExitThreshold = 0.0
	s, err := strategy.NewMeanReversion(p)
	if err != nil {
		t.Fatal(err)
	}

	prices := []float64{100, 101, 100, 101, 90}
	d := s.Decide(4, prices, ready, strategy.Position{})
	if d.Action != strategy.EnterLong || d.Reason == "" {
		t.Fatalf("expected entry with reason, got %+v", d)
	}

	gated := s.Decide(4, prices, signals.Frame{Ready: true, Note: "price below SMA(50)"}, strategy.Position{})
	if gated.Action != strategy.Hold || !strings.Contains(gated.Reason, "SMA") {
		t.Errorf("zero confidence should hold with filter note, got %+v", gated)
	}

	prices = append(prices, 105)
	d = s.Decide(5, prices, ready, strategy.Position{Open: true, EntryTick: 4, EntryPrice: 90})
	if d.Action != strategy.ExitLong {
		t.Errorf("expected exit after reversion, got %+v", d)
	}
}

func TestTrendFollowingCrossAndTrailingStop(t *testing.T) {
	p := types.DefaultStrategyParams()
	p.FastWindow = 3
	p.SlowWindow = 10
	p.ATRMultiplier = 1.0
	s, err := strategy.NewTrendFollowing(p)
	if err != nil {
		t.Fatal(err)
	}

	// Slow decline then a sharp rally forces the fast SMA through the slow one.
	var prices []float64
	for i := 0; i < 20; i++ {
		prices = append(prices, 100-float64(i)*0.5)
	}
	entry := -1
	for i := 0; i < 10 && entry < 0; i++ {
		prices = append(prices, prices[len(prices)-1]+3)
		tick := len(prices) - 1
		if d := s.Decide(tick, prices, ready, strategy.Position{}); d.Action == strategy.EnterLong {
			entry = tick
		}
	}
	if entry < 0 {
		t.Fatal("expected a bullish crossover")
	}

	pos := strategy.Position{Open: true, EntryTick: entry, EntryPrice: prices[entry]}
	prices = append(prices, prices[entry]+5)
	if d := s.Decide(len(prices)-1, prices, ready, pos); d.Action != strategy.Hold {
		t.Fatalf("new high should hold, got %+v", d)
	}
	prices = append(prices, prices[len(prices)-1]-40)
	if d := s.Decide(len(prices)-1, prices, ready, pos); d.Action != strategy.ExitLong {
		t.Errorf("crash should breach the trailing stop, got %+v", d)
	}
}

func TestMomentumExitOnOverbought(t *testing.T) {
	p := types.DefaultStrategyParams()
	p.RSIWindow = 5
	p.MomentumWindow = 5
	s, err := strategy.NewMomentum(p)
	if err != nil {
		t.Fatal(err)
	}
	prices := []float64{100, 101, 102, 103, 104, 105, 106, 107}
	d := s.Decide(7, prices, ready, strategy.Position{Open: true, EntryTick: 3})
	if d.Action != strategy.ExitLong {
		t.Errorf("RSI 100 should exit, got %+v", d)
	}
	if d := s.Decide(7, prices, ready, strategy.Position{}); d.Action != strategy.Hold {
		t.Errorf("RSI not oversold should hold, got %+v", d)
	}
}

func TestGhostBuysAndHolds(t *testing.T) {
	g := strategy.NewGhost()
	if d := g.Decide(0, []float64{100}, signals.Frame{}, strategy.Position{}); d.Action != strategy.EnterLong {
		t.Fatalf("ghost should buy immediately, got %+v", d)
	}
	if d := g.Decide(5, nil, signals.Frame{}, strategy.Position{Open: true}); d.Action != strategy.Hold {
		t.Errorf("ghost should never exit, got %+v", d)
	}
}
