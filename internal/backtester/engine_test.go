// Package backtester_test provides tests for the simulation engine.
package backtester_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/atlas-desktop/arena-backend/internal/backtester"
	"github.com/atlas-desktop/arena-backend/internal/market"
	"github.com/atlas-desktop/arena-backend/internal/strategy"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func meanReversionSpec(t *testing.T) backtester.AgentSpec {
	t.Helper()
	cfg := types.DefaultAgentConfig()
	s, err := strategy.NewMeanReversion(cfg.StrategyParams)
	if err != nil {
		t.Fatalf("Failed to create strategy: %v", err)
	}
	return backtester.AgentSpec{
		AgentID:  "agent-1",
		Strategy: s,
		Config:   cfg,
		Market:   types.DefaultMarketConfig(),
	}
}

func ghostSpec(risk types.RiskParams) backtester.AgentSpec {
	cfg := types.DefaultAgentConfig()
	cfg.RiskParams = risk
	return backtester.AgentSpec{
		AgentID:  "ghost",
		Strategy: strategy.NewGhost(),
		Config:   cfg,
		Market:   types.DefaultMarketConfig(),
	}
}

func TestEngineRun(t *testing.T) {
	series, err := market.GenerateSynthetic(42, types.DefaultMarketConfig())
	if err != nil {
		t.Fatalf("Failed to generate series: %v", err)
	}

	engine := backtester.NewEngine(zap.NewNop())
	out, err := engine.Run(context.Background(), series, meanReversionSpec(t), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := out.Result
	if r.FinalEquity <= 0 {
		t.Errorf("final equity must be positive, got %v", r.FinalEquity)
	}
	if r.SurvivalTime > 1000 {
		t.Errorf("survival_time %d exceeds tick count", r.SurvivalTime)
	}
	if len(r.EquityCurve) != series.Len() {
		t.Errorf("equity curve has %d points, want %d", len(r.EquityCurve), series.Len())
	}
	if err := backtester.ValidateTradeLog(r.Trades); err != nil {
		t.Errorf("trade log: %v", err)
	}
	for _, tr := range r.Trades {
		if tr.Reason == "" {
			t.Fatalf("trade at tick %d has no reason", tr.Tick)
		}
	}

	again, err := backtester.NewEngine(zap.NewNop()).Run(context.Background(), series, meanReversionSpec(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Result.FinalEquity != r.FinalEquity || len(again.Result.Trades) != len(r.Trades) {
		t.Error("identical inputs produced different results")
	}
}

func TestDrawdownKillSwitch(t *testing.T) {
	prices := make([]float64, 1000)
	for i := range prices {
		switch {
		case i < 500:
			prices[i] = 100
		case i == 500:
			prices[i] = 56
		default:
			prices[i] = 200
		}
	}
	series := &market.Series{Prices: prices}
	spec := ghostSpec(types.RiskParams{PositionSizePct: 50, MaxLeverage: 1, MaxDrawdownKill: 20})

	out, err := backtester.NewEngine(zap.NewNop()).Run(context.Background(), series, spec, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	r := out.Result
	if !out.Killed {
		t.Fatal("expected the kill switch to fire")
	}
	if r.SurvivalTime != 500 {
		t.Errorf("survival_time = %d, want 500", r.SurvivalTime)
	}
	last := r.Trades[len(r.Trades)-1]
	if last.Tick != 500 || last.Action != types.ActionCloseLong {
		t.Errorf("expected forced exit at 500, got %+v", last)
	}
	for _, tr := range r.Trades {
		if tr.Tick > 500 {
			t.Errorf("trade after kill: %+v", tr)
		}
	}
	if got := r.EquityCurve[999].Value; got != r.EquityCurve[500].Value {
		t.Errorf("equity should stay flat after the kill, %v != %v", got, r.EquityCurve[500].Value)
	}
	if r.MaxDrawdown < 20 {
		t.Errorf("max drawdown = %v", r.MaxDrawdown)
	}
}

func TestStopLossExit(t *testing.T) {
	prices := []float64{100, 100, 100, 89, 89, 89}
	spec := ghostSpec(types.RiskParams{PositionSizePct: 10, MaxLeverage: 1, StopLossPct: 5})

	out, err := backtester.NewEngine(zap.NewNop()).Run(context.Background(), &market.Series{Prices: prices}, spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	trades := out.Result.Trades
	if len(trades) < 2 {
		t.Fatalf("expected entry and stop, got %d trades", len(trades))
	}
	if trades[1].Tick != 3 || !strings.Contains(trades[1].Reason, "stop loss") {
		t.Errorf("expected stop loss at tick 3, got %+v", trades[1])
	}
	if trades[1].PnL >= 0 {
		t.Errorf("stop loss must realize a loss, got %v", trades[1].PnL)
	}
	if out.Result.SurvivalTime != len(prices) {
		t.Errorf("stop loss is not terminal, survival_time = %d", out.Result.SurvivalTime)
	}
}

func TestCancelBeforeFirstTick(t *testing.T) {
	engine := backtester.NewEngine(zap.NewNop())
	engine.Cancel()
	_, err := engine.Run(context.Background(), &market.Series{Prices: []float64{1, 2, 3}}, ghostSpec(types.DefaultRiskParams()), nil)
	if !errors.Is(err, backtester.ErrNoTicks) {
		t.Errorf("expected ErrNoTicks, got %v", err)
	}
}

func TestCancelMidRunKeepsPartialResult(t *testing.T) {
	series, err := market.GenerateSynthetic(5, types.DefaultMarketConfig())
	if err != nil {
		t.Fatal(err)
	}

	engine := backtester.NewEngine(zap.NewNop())
	reported := 0
	out, err := engine.Run(context.Background(), series, ghostSpec(types.RiskParams{PositionSizePct: 100, MaxLeverage: 1}), func(n int) {
		reported += n
		engine.Cancel()
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !out.Cancelled || out.Killed {
		t.Fatalf("expected a cancelled run, got %+v", out)
	}
	if out.TicksProcessed != 50 {
		t.Errorf("processed %d ticks, want 50", out.TicksProcessed)
	}
	if reported != 50 {
		t.Errorf("progress reported %d ticks, want 50", reported)
	}
	r := out.Result
	if r.SurvivalTime != 50 {
		t.Errorf("survival_time = %d, want 50", r.SurvivalTime)
	}
	if len(r.EquityCurve) != 50 {
		t.Errorf("equity curve has %d points, want 50", len(r.EquityCurve))
	}
	if err := backtester.ValidateTradeLog(r.Trades); err != nil {
		t.Errorf("trade log: %v", err)
	}
}

func TestProgressCoversEveryTick(t *testing.T) {
	series, err := market.GenerateSynthetic(7, types.DefaultMarketConfig())
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	prev := 0
	_, err = backtester.NewEngine(zap.NewNop()).Run(context.Background(), series, meanReversionSpec(t), func(n int) {
		if n <= 0 {
			t.Errorf("non-positive progress delta %d", n)
		}
		total += n
		if total < prev {
			t.Error("progress went backwards")
		}
		prev = total
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != series.Len() {
		t.Errorf("progress reported %d ticks, want %d", total, series.Len())
	}
}

func TestLedger(t *testing.T) {
	risk := types.RiskParams{PositionSizePct: 10, MaxLeverage: 1}
	l := backtester.NewLedger(100000, 0, backtester.NewFixedSlippage(0), risk)
	l.Mark(100)

	open, ok := l.Open(0, nil, 100, 1, "test entry")
	if !ok {
		t.Fatal("open failed")
	}
	if open.Size != 100 {
		t.Errorf("size = %v, want 100", open.Size)
	}
	if _, ok := l.Open(1, nil, 100, 1, "again"); ok {
		t.Error("second entry while long must be a no-op")
	}

	l.Mark(110)
	if got := l.Equity(); got != 101000 {
		t.Errorf("equity = %v", got)
	}
	closed, ok := l.Close(2, nil, 110, "test exit")
	if !ok {
		t.Fatal("close failed")
	}
	if closed.PnL != 1000 {
		t.Errorf("pnl = %v, want 1000", closed.PnL)
	}
	if l.IsOpen() {
		t.Error("position should be flat")
	}
}

func TestLedgerFeesAndConfidence(t *testing.T) {
	risk := types.RiskParams{PositionSizePct: 20, MaxLeverage: 1}
	l := backtester.NewLedger(100000, 0.001, backtester.NewFixedSlippage(0.01), risk)
	l.Mark(100)

	open, ok := l.Open(0, nil, 100, 0.5, "half confidence")
	if !ok {
		t.Fatal("open failed")
	}
	if math.Abs(open.ExecutedPrice-101) > 1e-9 {
		t.Errorf("executed price = %v, want 101", open.ExecutedPrice)
	}
	if notional := open.Size * open.ExecutedPrice; math.Abs(notional-10000) > 1e-6 {
		t.Errorf("notional = %v, want 10000", notional)
	}
	if math.Abs(open.Cost-10) > 1e-6 {
		t.Errorf("fee = %v, want 10", open.Cost)
	}
	if _, ok := l.Open(0, nil, 100, 0, "zero confidence"); ok {
		t.Error("zero confidence must not open")
	}
}

func TestSlippageModels(t *testing.T) {
	equity := decimal.NewFromInt(100000)

	fixed := backtester.NewFixedSlippage(0.001)
	if !fixed.Rate(decimal.NewFromInt(50000), equity).Equal(decimal.NewFromFloat(0.001)) {
		t.Error("fixed slippage should ignore size")
	}

	linear := backtester.NewLinearSlippage(0.001)
	got := linear.Rate(decimal.NewFromInt(50000), equity)
	if !got.Equal(decimal.NewFromFloat(0.0015)) {
		t.Errorf("linear slippage = %s, want 0.0015", got)
	}
	if _, ok := backtester.CreateSlippageModel("fixed", 0.001).(*backtester.FixedSlippage); !ok {
		t.Error("expected fixed model")
	}
}

func TestMetricsCalculator(t *testing.T) {
	mc := backtester.NewMetricsCalculator()

	flat := mc.Summarize(100000, []float64{100000, 100000, 100000}, nil, nil)
	if flat.SharpeRatio != nil || flat.CalmarRatio != nil || flat.WinRate != nil {
		t.Errorf("flat curve must give nil ratios, got %+v", flat)
	}
	if flat.Alpha != nil || flat.Beta != nil {
		t.Error("alpha/beta need a benchmark")
	}

	curve := []float64{100, 110, 99, 108.9}
	trades := []types.Trade{
		{Action: types.ActionOpenLong},
		{Action: types.ActionCloseLong, PnL: 5},
		{Action: types.ActionOpenLong},
		{Action: types.ActionCloseLong, PnL: -2},
	}
	m := mc.Summarize(100, curve, trades, nil)
	if math.Abs(m.MaxDrawdown-10) > 1e-9 {
		t.Errorf("max drawdown = %v, want 10", m.MaxDrawdown)
	}
	if m.WinRate == nil || *m.WinRate != 50 {
		t.Errorf("win rate = %v", m.WinRate)
	}
	if m.SharpeRatio == nil || m.CalmarRatio == nil {
		t.Error("expected defined sharpe and calmar")
	}

	bench := []float64{0, 0.1, -0.1, 0.1}
	m = mc.Summarize(100, curve, trades, bench)
	if m.Beta == nil || math.Abs(*m.Beta-1) > 1e-9 {
		t.Errorf("beta = %v, want 1", m.Beta)
	}
	if m.Alpha == nil || math.Abs(*m.Alpha) > 1e-9 {
		t.Errorf("alpha = %v, want 0", m.Alpha)
	}
	if len(m.CumulativeAlpha) != len(curve) {
		t.Errorf("cumulative alpha has %d points", len(m.CumulativeAlpha))
	}

	zeroVar := mc.Summarize(100, curve, nil, []float64{0, 0, 0, 0})
	if zeroVar.Beta != nil || zeroVar.Alpha != nil {
		t.Error("constant benchmark must give nil alpha/beta")
	}
}

func TestPairTrades(t *testing.T) {
	trades := []types.Trade{
		{Tick: 1, Action: types.ActionOpenLong, ExecutedPrice: 100, Size: 10, Cost: 1, Reason: "in"},
		{Tick: 5, Action: types.ActionCloseLong, ExecutedPrice: 110, Size: 10, Cost: 1, PnL: 98, Reason: "out"},
		{Tick: 7, Action: types.ActionOpenLong, ExecutedPrice: 100, Size: 10, Cost: 1, Reason: "in again"},
	}
	if err := backtester.ValidateTradeLog(trades); err != nil {
		t.Fatal(err)
	}
	last := 105.0
	resp := backtester.PairTrades(trades, &last)
	if resp.TotalCompletedTrades != 1 || !resp.HasOpenPosition {
		t.Fatalf("unexpected pairing: %+v", resp)
	}
	ct := resp.CompletedTrades[0]
	if ct.DurationTicks != 4 || !ct.IsWinner || ct.TotalCost != 2 {
		t.Errorf("completed trade = %+v", ct)
	}
	if resp.OpenPosition.CurrentPnL == nil || *resp.OpenPosition.CurrentPnL != 49 {
		t.Errorf("open pnl = %v", resp.OpenPosition.CurrentPnL)
	}

	bad := []types.Trade{{Action: types.ActionOpenLong}, {Action: types.ActionOpenLong}}
	if err := backtester.ValidateTradeLog(bad); err == nil {
		t.Error("double open must be rejected")
	}
}
