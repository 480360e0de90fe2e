// Package strategy provides the trading strategy implementations.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/arena-backend/internal/signals"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"go.uber.org/zap"
)

// Action is a strategy decision.
type Action string

const (
	Hold      Action = "HOLD"
	EnterLong Action = "ENTER_LONG"
	ExitLong  Action = "EXIT_LONG"
)

// Decision is the outcome of one tick. Reason is always set.
type Decision struct {
	Action Action
	Reason string
}

func hold(format string, args ...any) Decision {
	return Decision{Action: Hold, Reason: fmt.Sprintf(format, args...)}
}

// Position is the read-only view of the ledger a strategy sees.
type Position struct {
	Open       bool
	EntryTick  int
	EntryPrice float64
}

// Strategy is implemented by the four variants in this package only.
type Strategy interface {
	Type() types.StrategyType
	// Warmup is the number of ticks needed before Decide can act.
	Warmup() int
	// Decide reads prices[0..t] only.
	Decide(t int, prices []float64, frame signals.Frame, pos Position) Decision

	sealed()
}

// Factory builds a strategy from validated parameters.
type Factory func(params types.StrategyParams) (Strategy, error)

// Registry maps strategy types to factories.
type Registry struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	factories map[types.StrategyType]Factory
}

// NewRegistry creates a registry with the built-in strategies.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger.Named("strategy"),
		factories: make(map[types.StrategyType]Factory),
	}

	r.Register(types.StrategyMeanReversion, NewMeanReversion)
	r.Register(types.StrategyTrendFollowing, NewTrendFollowing)
	r.Register(types.StrategyMomentum, NewMomentum)
	r.Register(types.StrategyGhost, func(types.StrategyParams) (Strategy, error) { return NewGhost(), nil })

	return r
}

// Register registers a factory, replacing any previous one.
func (r *Registry) Register(t types.StrategyType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[t]; ok {
		r.logger.Warn("Replacing strategy factory", zap.String("type", string(t)))
	}
	r.factories[t] = f
	r.logger.Debug("Registered strategy", zap.String("type", string(t)))
}

// Create builds a fresh, stateful strategy instance.
func (r *Registry) Create(t types.StrategyType, params types.StrategyParams) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy_type %q (registered: %v)", t, r.Types())
	}
	return f(params)
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []types.StrategyType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.StrategyType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UserSelectable reports whether users may create agents of type t.
func UserSelectable(t types.StrategyType) bool {
	switch t {
	case types.StrategyMeanReversion, types.StrategyTrendFollowing, types.StrategyMomentum:
		return true
	}
	return false
}

// Validate checks the parameter fields used by strategy type t.
func Validate(t types.StrategyType, params types.StrategyParams) error {
	switch t {
	case types.StrategyMeanReversion:
		return types.ValidateStrategyFields(&params, "LookbackWindow", "EntryThreshold", "ExitThreshold")
	case types.StrategyTrendFollowing:
		return types.ValidateStrategyFields(&params, "FastWindow", "SlowWindow", "ATRMultiplier")
	case types.StrategyMomentum:
		return types.ValidateStrategyFields(&params, "MomentumWindow", "RSIWindow", "RSIOverbought", "RSIOversold")
	case types.StrategyGhost:
		return nil
	}
	return fmt.Errorf("unknown strategy_type %q", t)
}

// blocked explains why a valid entry signal was not taken.
func blocked(signal string, frame signals.Frame) Decision {
	note := frame.Note
	if note == "" {
		note = "zero confidence"
	}
	return hold("%s, entry blocked: %s", signal, note)
}

// MeanReversion buys when price is stretched below its rolling mean.
type MeanReversion struct {
	lookback int
	entry    float64
	exit     float64
}

// NewMeanReversion creates a mean-reversion strategy.
func NewMeanReversion(p types.StrategyParams) (Strategy, error) {
	if err := Validate(types.StrategyMeanReversion, p); err != nil {
		return nil, err
	}
	return &MeanReversion{lookback: p.LookbackWindow, entry: p.EntryThreshold, exit: p.ExitThreshold}, nil
}

func (s *MeanReversion) Type() types.StrategyType { return types.StrategyMeanReversion }
func (s *MeanReversion) Warmup() int              { return s.lookback }
func (s *MeanReversion) sealed()                  {}

func (s *MeanReversion) Decide(t int, prices []float64, frame signals.Frame, pos Position) Decision {
	z, ok := signals.ZScore(prices, t, s.lookback)
	if !ok {
		return hold("z-score undefined")
	}

	if pos.Open {
		if z >= -s.exit {
			return Decision{Action: ExitLong, Reason: fmt.Sprintf("z-score %.2f reverted above -%.2f", z, s.exit)}
		}
		return hold("holding, z-score %.2f", z)
	}

	if z <= -s.entry {
		sig := fmt.Sprintf("z-score %.2f <= -%.2f", z, s.entry)
		if frame.Confidence <= 0 {
			return blocked(sig, frame)
		}
		return Decision{Action: EnterLong, Reason: sig}
	}
	return hold("z-score %.2f", z)
}

// TrendFollowing enters on a fast/slow SMA cross and rides it with an
// ATR trailing stop.
type TrendFollowing struct {
	fast    int
	slow    int
	atrMult float64

	entryTick int
	highest   float64
}

// ATRWindow is the trailing-stop ATR window.
const ATRWindow = 14

// NewTrendFollowing creates a trend-following strategy.
func NewTrendFollowing(p types.StrategyParams) (Strategy, error) {
	if err := Validate(types.StrategyTrendFollowing, p); err != nil {
		return nil, err
	}
	return &TrendFollowing{fast: p.FastWindow, slow: p.SlowWindow, atrMult: p.ATRMultiplier, entryTick: -1}, nil
}

func (s *TrendFollowing) Type() types.StrategyType { return types.StrategyTrendFollowing }
func (s *TrendFollowing) sealed()                  {}

func (s *TrendFollowing) Warmup() int {
	// The crossover needs the previous tick's slow SMA.
	if s.slow+1 > ATRWindow+1 {
		return s.slow + 1
	}
	return ATRWindow + 1
}

func (s *TrendFollowing) Decide(t int, prices []float64, frame signals.Frame, pos Position) Decision {
	if t < 1 {
		return hold("insufficient history")
	}
	fast, ok1 := signals.SMA(prices, t, s.fast)
	slow, ok2 := signals.SMA(prices, t, s.slow)
	prevFast, ok3 := signals.SMA(prices, t-1, s.fast)
	prevSlow, ok4 := signals.SMA(prices, t-1, s.slow)
	atr, ok5 := signals.ATR(prices, t, ATRWindow)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return hold("moving averages warming up")
	}

	price := prices[t]
	if pos.Open {
		if pos.EntryTick != s.entryTick {
			s.entryTick = pos.EntryTick
			s.highest = pos.EntryPrice
		}
		if price > s.highest {
			s.highest = price
		}
		stop := s.highest - s.atrMult*atr
		if price < stop {
			return Decision{Action: ExitLong, Reason: fmt.Sprintf("trailing stop %.2f breached (high %.2f - %.1fx ATR)", stop, s.highest, s.atrMult)}
		}
		return hold("riding trend, stop %.2f", stop)
	}

	if prevFast <= prevSlow && fast > slow {
		sig := fmt.Sprintf("SMA(%d) crossed above SMA(%d)", s.fast, s.slow)
		if frame.Confidence <= 0 {
			return blocked(sig, frame)
		}
		return Decision{Action: EnterLong, Reason: sig}
	}
	return hold("no crossover")
}

// Momentum buys positive momentum while RSI turns up from oversold.
type Momentum struct {
	window     int
	rsiWindow  int
	overbought float64
	oversold   float64
}

// NewMomentum creates a momentum strategy.
func NewMomentum(p types.StrategyParams) (Strategy, error) {
	if err := Validate(types.StrategyMomentum, p); err != nil {
		return nil, err
	}
	return &Momentum{
		window:     p.MomentumWindow,
		rsiWindow:  p.RSIWindow,
		overbought: p.RSIOverbought,
		oversold:   p.RSIOversold,
	}, nil
}

func (s *Momentum) Type() types.StrategyType { return types.StrategyMomentum }
func (s *Momentum) sealed()                  {}

func (s *Momentum) Warmup() int {
	if s.window > s.rsiWindow {
		return s.window + 1
	}
	return s.rsiWindow + 2
}

func (s *Momentum) Decide(t int, prices []float64, frame signals.Frame, pos Position) Decision {
	rsi, ok := signals.RSI(prices, t, s.rsiWindow)
	if !ok {
		return hold("RSI warming up")
	}

	if pos.Open {
		if rsi > s.overbought {
			return Decision{Action: ExitLong, Reason: fmt.Sprintf("RSI %.1f above overbought %.0f", rsi, s.overbought)}
		}
		return hold("holding, RSI %.1f", rsi)
	}

	mom, ok1 := signals.Momentum(prices, t, s.window)
	prevRSI, ok2 := signals.RSI(prices, t-1, s.rsiWindow)
	if !ok1 || !ok2 {
		return hold("momentum warming up")
	}
	if mom > 0 && rsi < s.oversold && rsi > prevRSI {
		sig := fmt.Sprintf("momentum %+.2f%% with RSI %.1f rising from oversold", mom*100, rsi)
		if frame.Confidence <= 0 {
			return blocked(sig, frame)
		}
		return Decision{Action: EnterLong, Reason: sig}
	}
	return hold("momentum %+.2f%%, RSI %.1f", mom*100, rsi)
}

// Ghost is the buy-and-hold benchmark. It has no parameters.
type Ghost struct{}

// NewGhost creates the benchmark strategy.
func NewGhost() Strategy { return Ghost{} }

func (Ghost) Type() types.StrategyType { return types.StrategyGhost }
func (Ghost) Warmup() int              { return 0 }
func (Ghost) sealed()                  {}

func (Ghost) Decide(_ int, _ []float64, _ signals.Frame, pos Position) Decision {
	if pos.Open {
		return hold("buy and hold")
	}
	return Decision{Action: EnterLong, Reason: "benchmark buy and hold"}
}
