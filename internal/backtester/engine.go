// Package backtester runs per-agent market simulations: execution ledger,
// slippage, kill switches and performance metrics.
package backtester

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/market"
	"github.com/atlas-desktop/arena-backend/internal/signals"
	"github.com/atlas-desktop/arena-backend/internal/strategy"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"go.uber.org/zap"
)

// ErrNoTicks is returned when a run is cancelled before its first tick.
var ErrNoTicks = errors.New("cancelled before first tick")

// progressEvery is how many ticks pass between progress reports.
const progressEvery = 50

// AgentSpec is everything one simulation needs. Config is a snapshot and is
// not modified.
type AgentSpec struct {
	AgentID  string
	Strategy strategy.Strategy
	Config   types.AgentConfig
	Market   types.MarketConfig
	Slippage SlippageModel // nil means linear in base_slippage
}

// Outcome is the result of one run.
type Outcome struct {
	Result         *types.AgentResult
	TicksProcessed int
	Cancelled      bool
	Killed         bool
}

// ProgressFunc receives the number of ticks completed since the last call.
type ProgressFunc func(ticks int)

// Engine runs agent simulations over a shared series. One engine serves
// one round; Cancel stops every run in flight at the next tick boundary.
type Engine struct {
	logger      *zap.Logger
	metricsCalc *MetricsCalculator
	cancelled   atomic.Bool
}

// NewEngine creates a new engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		logger:      logger,
		metricsCalc: NewMetricsCalculator(),
	}
}

// Cancel requests cooperative cancellation.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// IsCancelled reports whether Cancel was called.
func (e *Engine) IsCancelled() bool {
	return e.cancelled.Load()
}

// Run simulates one agent tick by tick. The series is never modified.
func (e *Engine) Run(ctx context.Context, series *market.Series, spec AgentSpec, progress ProgressFunc) (*Outcome, error) {
	if series == nil || series.Len() == 0 {
		return nil, errors.New("empty price series")
	}
	if spec.Strategy == nil {
		return nil, errors.New("no strategy")
	}

	slip := spec.Slippage
	if slip == nil {
		slip = NewLinearSlippage(spec.Market.BaseSlippage)
	}
	ledger := NewLedger(spec.Market.InitialEquity, spec.Market.FeeRate, slip, spec.Config.RiskParams)
	risk := NewRiskManager(e.logger.With(zap.String("agent_id", spec.AgentID)), spec.Config.RiskParams)
	stack := signals.NewStack(spec.Config.SignalStack, spec.Strategy.Warmup())

	prices := series.Prices
	n := len(prices)
	equity := make([]float64, 0, n)
	trades := make([]types.Trade, 0)
	survival := n
	cancelled := false
	reported := 0

	report := func(done int) {
		if progress != nil && done > reported {
			progress(done - reported)
			reported = done
		}
	}

	t := 0
	for ; t < n; t++ {
		if e.cancelled.Load() || ctx.Err() != nil {
			cancelled = true
			break
		}

		price := prices[t]
		ts := series.TimestampAt(t)
		ledger.Mark(price)

		trigger, why := risk.Check(ledger)
		switch trigger {
		case RiskMaxDrawdown:
			if tr, ok := ledger.Close(t, ts, price, why); ok {
				trades = append(trades, tr)
			}
			survival = t
		case RiskStopLoss, RiskTakeProfit:
			if tr, ok := ledger.Close(t, ts, price, why); ok {
				trades = append(trades, tr)
			}
		default:
			frame := stack.Compute(prices, t)
			d := spec.Strategy.Decide(t, prices, frame, ledger.Position())
			if tr, ok := e.apply(ledger, d, t, ts, price, frame.Confidence); ok {
				trades = append(trades, tr)
			}
		}
		equity = append(equity, ledger.Equity())

		if risk.IsKillSwitchActive() {
			t++
			break
		}
		if (t+1)%progressEvery == 0 {
			report(t + 1)
		}
	}
	processed := t

	if processed == 0 {
		return nil, ErrNoTicks
	}

	killed := risk.IsKillSwitchActive()
	if killed {
		// Flat in cash for the rest of the round.
		final := ledger.Equity()
		for len(equity) < n {
			equity = append(equity, final)
		}
	} else if !cancelled {
		survival = n
	} else {
		survival = processed
	}
	if !cancelled {
		report(n)
	}

	var bench []float64
	if series.HasBenchmark() {
		bench = series.Benchmark[:len(equity)]
	}
	m := e.metricsCalc.Summarize(spec.Market.InitialEquity, equity, trades, bench)

	result := &types.AgentResult{
		AgentID:         spec.AgentID,
		FinalEquity:     m.FinalEquity,
		TotalReturn:     m.TotalReturn,
		SharpeRatio:     m.SharpeRatio,
		MaxDrawdown:     m.MaxDrawdown,
		CalmarRatio:     m.CalmarRatio,
		TotalTrades:     m.TotalTrades,
		WinRate:         m.WinRate,
		SurvivalTime:    survival,
		EquityCurve:     chart(equity, series),
		CumulativeAlpha: chart(m.CumulativeAlpha, series),
		Trades:          trades,
		Alpha:           m.Alpha,
		Beta:            m.Beta,
		CreatedAt:       time.Now().UTC(),
	}
	if result.CumulativeAlpha == nil {
		result.CumulativeAlpha = []types.ChartDataPoint{}
	}

	return &Outcome{
		Result:         result,
		TicksProcessed: processed,
		Cancelled:      cancelled,
		Killed:         killed,
	}, nil
}

func (e *Engine) apply(l *Ledger, d strategy.Decision, t int, ts *time.Time, price, confidence float64) (types.Trade, bool) {
	switch d.Action {
	case strategy.EnterLong:
		return l.Open(t, ts, price, confidence, d.Reason)
	case strategy.ExitLong:
		return l.Close(t, ts, price, d.Reason)
	case strategy.Hold:
		return types.Trade{}, false
	}
	e.logger.Warn("Unknown decision", zap.String("action", string(d.Action)))
	return types.Trade{}, false
}

func chart(vals []float64, s *market.Series) []types.ChartDataPoint {
	if vals == nil {
		return nil
	}
	out := make([]types.ChartDataPoint, len(vals))
	for i, v := range vals {
		out[i] = types.ChartDataPoint{Tick: i, Timestamp: s.TimestampAt(i), Value: v}
	}
	return out
}
