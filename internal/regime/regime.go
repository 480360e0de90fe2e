// Package regime models the hidden market regime used by the synthetic
// price generator: a three-state Markov chain with a single persistence
// probability and fixed drift/volatility multipliers per state.
package regime

import "fmt"

// RegimeType represents a market regime
type RegimeType string

const (
	RegimeCalm     RegimeType = "calm"
	RegimeTrending RegimeType = "trending"
	RegimeVolatile RegimeType = "volatile"
)

// Uniform is a source of uniform draws in [0, 1).
type Uniform interface {
	Float64() float64
}

// Config configures the chain. All fields are probabilities in [0, 1].
type Config struct {
	Persistence         float64 // Probability of staying in the current regime
	TrendProbability    float64 // Probability of entering trending on a switch
	VolatileProbability float64 // Probability of entering volatile on a switch
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		Persistence:         0.95,
		TrendProbability:    0.3,
		VolatileProbability: 0.2,
	}
}

// Validate checks the probabilities.
func (c Config) Validate() error {
	for name, p := range map[string]float64{
		"regime_persistence":   c.Persistence,
		"trend_probability":    c.TrendProbability,
		"volatile_probability": c.VolatileProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, p)
		}
	}
	if c.TrendProbability+c.VolatileProbability > 1 {
		return fmt.Errorf("trend_probability + volatile_probability must not exceed 1")
	}
	return nil
}

// State is the current regime plus the trend direction (+1 or -1) when
// trending.
type State struct {
	Regime    RegimeType
	Direction float64
}

// Params are the per-tick drift and volatility for a regime.
type Params struct {
	Drift      float64
	Volatility float64
}

// Multipliers applied to the base drift and volatility.
const (
	calmVolMultiplier     = 0.6
	trendingVolMultiplier = 0.8
	volatileVolMultiplier = 2.5
	trendDriftScale       = 0.1 // trend drift in units of base volatility
)

// ParamsFor returns drift and volatility for the state.
func ParamsFor(s State, baseDrift, baseVol float64) Params {
	switch s.Regime {
	case RegimeTrending:
		return Params{
			Drift:      baseDrift + s.Direction*baseVol*trendDriftScale,
			Volatility: baseVol * trendingVolMultiplier,
		}
	case RegimeVolatile:
		return Params{Drift: baseDrift, Volatility: baseVol * volatileVolMultiplier}
	default:
		return Params{Drift: baseDrift, Volatility: baseVol * calmVolMultiplier}
	}
}

// Chain is a deterministic regime Markov chain driven by a Uniform source.
// Every call to Step consumes exactly one draw when the regime persists and
// two or three when it switches, so identical sources yield identical paths.
type Chain struct {
	cfg   Config
	src   Uniform
	state State
}

// NewChain starts the chain in the calm regime.
func NewChain(cfg Config, src Uniform) *Chain {
	return &Chain{
		cfg:   cfg,
		src:   src,
		state: State{Regime: RegimeCalm, Direction: 1},
	}
}

// State returns the current regime.
func (c *Chain) State() State {
	return c.state
}

// Step advances the chain by one tick and returns the new state.
func (c *Chain) Step() State {
	if c.src.Float64() < c.cfg.Persistence {
		return c.state
	}

	u := c.src.Float64()
	switch {
	case u < c.cfg.VolatileProbability:
		c.state = State{Regime: RegimeVolatile, Direction: 1}
	case u < c.cfg.VolatileProbability+c.cfg.TrendProbability:
		dir := 1.0
		if c.src.Float64() < 0.5 {
			dir = -1.0
		}
		c.state = State{Regime: RegimeTrending, Direction: dir}
	default:
		c.state = State{Regime: RegimeCalm, Direction: 1}
	}
	return c.state
}
