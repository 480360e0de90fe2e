package signals

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// DefaultRSIWindow is used for the frame's raw RSI reading.
const DefaultRSIWindow = 14

// Frame is the signal state at one tick.
type Frame struct {
	Tick       int
	Ready      bool    // every required window is filled
	SMA        float64 // trend-filter SMA; 0 until ready
	RSI        float64
	Volatility float64 // rolling realized volatility
	Baseline   float64 // expanding-window volatility up to this tick
	Confidence float64 // long-entry confidence in [0, 1]
	Note       string  // why confidence is below 1, if it is
}

// Stack computes frames for one agent. It keeps running sums of log returns
// for the volatility baseline, so ticks must be fed in order; a jump
// backwards resets the accumulator.
type Stack struct {
	cfg    types.SignalStack
	warmup int

	lastT int
	sum   float64
	sumsq float64
	count int
}

// NewStack creates a stack. warmup is the strategy's own window requirement;
// enabled filter windows extend it.
func NewStack(cfg types.SignalStack, warmup int) *Stack {
	w := warmup
	if cfg.UseSMATrendFilter && cfg.SMAFilterWindow > w {
		w = cfg.SMAFilterWindow
	}
	if cfg.UseVolatilityFilter && cfg.VolatilityWindow+1 > w {
		w = cfg.VolatilityWindow + 1
	}
	return &Stack{cfg: cfg, warmup: w, lastT: -1}
}

// Warmup returns the number of ticks before confidence can be non-zero.
func (s *Stack) Warmup() int {
	return s.warmup
}

func (s *Stack) advance(prices []float64, t int) {
	if t <= s.lastT {
		s.lastT, s.sum, s.sumsq, s.count = -1, 0, 0, 0
	}
	for i := s.lastT + 1; i <= t; i++ {
		if i == 0 {
			continue
		}
		r := math.Log(prices[i] / prices[i-1])
		s.sum += r
		s.sumsq += r * r
		s.count++
	}
	s.lastT = t
}

func (s *Stack) baseline() float64 {
	if s.count < 2 {
		return 0
	}
	n := float64(s.count)
	v := (s.sumsq - s.sum*s.sum/n) / (n - 1)
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Compute returns the frame for tick t.
func (s *Stack) Compute(prices []float64, t int) Frame {
	s.advance(prices, t)

	f := Frame{Tick: t, Baseline: s.baseline()}
	f.RSI, _ = RSI(prices, t, DefaultRSIWindow)

	volWindow := s.cfg.VolatilityWindow
	if volWindow < 2 {
		volWindow = types.DefaultSignalStack().VolatilityWindow
	}
	f.Volatility, _ = Volatility(prices, t, volWindow)

	if t+1 < s.warmup {
		f.Note = "warming up"
		return f
	}
	f.Ready = true
	f.Confidence = 1

	if s.cfg.UseSMATrendFilter {
		sma, ok := SMA(prices, t, s.cfg.SMAFilterWindow)
		f.SMA = sma
		if ok && prices[t] < sma {
			f.Confidence = 0
			f.Note = fmt.Sprintf("price below SMA(%d)", s.cfg.SMAFilterWindow)
			return f
		}
	}

	if s.cfg.UseVolatilityFilter && f.Baseline > 0 {
		f.Confidence = VolatilityTaper(f.Volatility/f.Baseline, s.cfg.VolatilityThreshold)
		if f.Confidence < 1 {
			f.Note = fmt.Sprintf("volatility %.2fx baseline", f.Volatility/f.Baseline)
		}
	}
	return f
}

// VolatilityTaper maps a volatility ratio to confidence: 1 up to the
// threshold, then linearly down to 0 at twice the threshold.
func VolatilityTaper(ratio, threshold float64) float64 {
	if threshold <= 0 || ratio <= threshold {
		return 1
	}
	c := 1 - (ratio-threshold)/threshold
	if c < 0 {
		return 0
	}
	return c
}
