package regime_test

import (
	"testing"

	"github.com/atlas-desktop/arena-backend/internal/regime"
)

// seqSource replays fixed draws.
type seqSource struct {
	vals []float64
	i    int
}

func (s *seqSource) Float64() float64 {
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v
}

func TestChainPersistence(t *testing.T) {
	src := &seqSource{vals: []float64{0.1}}
	chain := regime.NewChain(regime.Config{Persistence: 0.95, TrendProbability: 0.3, VolatileProbability: 0.2}, src)

	for i := 0; i < 100; i++ {
		if s := chain.Step(); s.Regime != regime.RegimeCalm {
			t.Fatalf("step %d: expected calm, got %s", i, s.Regime)
		}
	}
	if src.i != 100 {
		t.Errorf("expected one draw per persisting step, got %d", src.i)
	}
}

func TestChainSwitching(t *testing.T) {
	cfg := regime.Config{Persistence: 0.5, TrendProbability: 0.3, VolatileProbability: 0.2}

	cases := []struct {
		name  string
		draws []float64
		want  regime.RegimeType
		dir   float64
	}{
		{"volatile", []float64{0.9, 0.1}, regime.RegimeVolatile, 1},
		{"trending up", []float64{0.9, 0.3, 0.7}, regime.RegimeTrending, 1},
		{"trending down", []float64{0.9, 0.3, 0.2}, regime.RegimeTrending, -1},
		{"calm", []float64{0.9, 0.8}, regime.RegimeCalm, 1},
	}

	for _, c := range cases {
		chain := regime.NewChain(cfg, &seqSource{vals: c.draws})
		s := chain.Step()
		if s.Regime != c.want || s.Direction != c.dir {
			t.Errorf("%s: got %+v", c.name, s)
		}
	}
}

func TestParamsFor(t *testing.T) {
	calm := regime.ParamsFor(regime.State{Regime: regime.RegimeCalm}, 0.0001, 0.02)
	vol := regime.ParamsFor(regime.State{Regime: regime.RegimeVolatile}, 0.0001, 0.02)
	up := regime.ParamsFor(regime.State{Regime: regime.RegimeTrending, Direction: 1}, 0.0001, 0.02)
	down := regime.ParamsFor(regime.State{Regime: regime.RegimeTrending, Direction: -1}, 0.0001, 0.02)

	if !(vol.Volatility > up.Volatility && up.Volatility > calm.Volatility) {
		t.Errorf("volatility ordering wrong: calm=%v trend=%v volatile=%v", calm.Volatility, up.Volatility, vol.Volatility)
	}
	if up.Drift <= calm.Drift || down.Drift >= calm.Drift {
		t.Errorf("trend drift direction wrong: up=%v down=%v", up.Drift, down.Drift)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := regime.DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := regime.Config{Persistence: 0.9, TrendProbability: 0.7, VolatileProbability: 0.5}
	if err := bad.Validate(); err == nil {
		t.Error("expected error when switch probabilities exceed 1")
	}
}
