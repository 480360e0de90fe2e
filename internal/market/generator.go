// Package market generates the price series a round is played on: a
// seeded regime-switching random walk, or a window over ingested bars with a
// parallel benchmark return series.
package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/data"
	"github.com/atlas-desktop/arena-backend/internal/regime"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"go.uber.org/zap"
)

// HistoricalSource loads ingested bars for real-data mode.
type HistoricalSource interface {
	LoadBars(ctx context.Context, symbol string, interval types.Timeframe) ([]types.OHLCV, error)
}

// Series is the read-only price path shared by every agent in a round.
type Series struct {
	Prices     []float64
	Timestamps []*time.Time // nil entries for synthetic data
	Benchmark  []float64    // per-tick benchmark returns; nil when unavailable
}

// Len returns the number of ticks.
func (s *Series) Len() int {
	return len(s.Prices)
}

// TimestampAt returns the timestamp of tick i, or nil.
func (s *Series) TimestampAt(i int) *time.Time {
	if i < 0 || i >= len(s.Timestamps) {
		return nil
	}
	return s.Timestamps[i]
}

// HasBenchmark reports whether alpha/beta can be computed.
func (s *Series) HasBenchmark() bool {
	return len(s.Benchmark) == len(s.Prices) && len(s.Benchmark) > 0
}

// PriceData renders the prices as chart points.
func (s *Series) PriceData() []types.ChartDataPoint {
	return toChart(s.Prices, s)
}

// BenchmarkData renders the benchmark returns as chart points, or nil.
func (s *Series) BenchmarkData() []types.ChartDataPoint {
	if !s.HasBenchmark() {
		return nil
	}
	return toChart(s.Benchmark, s)
}

func toChart(vals []float64, s *Series) []types.ChartDataPoint {
	out := make([]types.ChartDataPoint, len(vals))
	for i, v := range vals {
		out[i] = types.ChartDataPoint{Tick: i, Timestamp: s.TimestampAt(i), Value: v}
	}
	return out
}

// Options configures the generator.
type Options struct {
	DefaultSymbol   string
	BenchmarkSymbol string
}

// DefaultOptions returns the default symbols.
func DefaultOptions() Options {
	return Options{DefaultSymbol: "AAPL", BenchmarkSymbol: "SPY"}
}

// Generator produces deterministic series from a seed and market config.
type Generator struct {
	logger *zap.Logger
	source HistoricalSource
	opts   Options
}

// NewGenerator creates a generator. source may be nil, in which case
// real-data mode always reports DataUnavailable.
func NewGenerator(logger *zap.Logger, source HistoricalSource, opts Options) *Generator {
	if opts.DefaultSymbol == "" {
		opts.DefaultSymbol = DefaultOptions().DefaultSymbol
	}
	if opts.BenchmarkSymbol == "" {
		opts.BenchmarkSymbol = DefaultOptions().BenchmarkSymbol
	}
	return &Generator{logger: logger, source: source, opts: opts}
}

// Generate builds the series for seed and cfg.
func (g *Generator) Generate(ctx context.Context, seed int64, cfg types.MarketConfig) (*Series, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.WrapInvalidConfig(err, "invalid market config")
	}

	switch cfg.DataSource {
	case types.DataSourceReal:
		return g.generateReal(ctx, seed, cfg)
	default:
		return GenerateSynthetic(seed, cfg)
	}
}

// CheckAvailable verifies real-data prerequisites without generating.
func (g *Generator) CheckAvailable(ctx context.Context, cfg types.MarketConfig) error {
	if cfg.DataSource != types.DataSourceReal {
		return nil
	}
	_, _, err := g.loadAligned(ctx, cfg)
	return err
}

// GenerateSynthetic runs the regime-switching walk:
//
//	P[0] = initial_price
//	P[t] = P[t-1] * exp(mu - sigma^2/2 + sigma*Z)
//
// where (mu, sigma) come from the regime after stepping the chain, and Z is
// a Box-Muller normal. The chain and Z share one SplitMix64 stream seeded
// with seed.
func GenerateSynthetic(seed int64, cfg types.MarketConfig) (*Series, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.WrapInvalidConfig(err, "invalid market config")
	}

	n := types.DefaultNumTicks
	if cfg.NumTicks != nil {
		n = *cfg.NumTicks
	}

	rng := NewSplitMix64(seed)
	chain := regime.NewChain(regime.Config{
		Persistence:         cfg.RegimePersistence,
		TrendProbability:    cfg.TrendProbability,
		VolatileProbability: cfg.VolatileProbability,
	}, rng)

	prices := make([]float64, n)
	prices[0] = cfg.InitialPrice
	for t := 1; t < n; t++ {
		p := regime.ParamsFor(chain.Step(), cfg.BaseDrift, cfg.BaseVolatility)
		z := rng.NormFloat64()
		prices[t] = prices[t-1] * math.Exp(p.Drift-0.5*p.Volatility*p.Volatility+p.Volatility*z)
		if math.IsNaN(prices[t]) || math.IsInf(prices[t], 0) || prices[t] <= 0 {
			return nil, apperr.SimulationFailure(nil, "synthetic price diverged at tick %d", t)
		}
	}

	return &Series{
		Prices:     prices,
		Timestamps: make([]*time.Time, n),
	}, nil
}

type alignedBar struct {
	ts    time.Time
	close float64
	bench float64
}

func (g *Generator) symbol(cfg types.MarketConfig) string {
	if cfg.Symbol != "" {
		return cfg.Symbol
	}
	return g.opts.DefaultSymbol
}

func (g *Generator) loadAligned(ctx context.Context, cfg types.MarketConfig) ([]alignedBar, string, error) {
	symbol := g.symbol(cfg)
	if g.source == nil {
		return nil, symbol, apperr.DataUnavailable("real market data is not configured")
	}

	bars, err := g.source.LoadBars(ctx, symbol, cfg.TradingInterval)
	if err != nil {
		return nil, symbol, wrapLoadErr(err, symbol, cfg.TradingInterval)
	}
	bench, err := g.source.LoadBars(ctx, g.opts.BenchmarkSymbol, cfg.TradingInterval)
	if err != nil {
		return nil, symbol, wrapLoadErr(err, g.opts.BenchmarkSymbol, cfg.TradingInterval)
	}

	benchByTime := make(map[int64]float64, len(bench))
	for _, b := range bench {
		c, _ := b.Close.Float64()
		benchByTime[b.Timestamp.UnixNano()] = c
	}

	aligned := make([]alignedBar, 0, len(bars))
	for _, b := range bars {
		bc, ok := benchByTime[b.Timestamp.UnixNano()]
		if !ok {
			continue
		}
		c, _ := b.Close.Float64()
		if c <= 0 || bc <= 0 {
			continue
		}
		aligned = append(aligned, alignedBar{ts: b.Timestamp, close: c, bench: bc})
	}

	need := 2
	if cfg.NumTicks != nil {
		need = *cfg.NumTicks
	}
	if len(aligned) < need {
		return nil, symbol, apperr.DataUnavailable(
			"%s/%s %s: %d aligned bars available, %d required",
			symbol, g.opts.BenchmarkSymbol, cfg.TradingInterval, len(aligned), need)
	}
	return aligned, symbol, nil
}

func wrapLoadErr(err error, symbol string, interval types.Timeframe) error {
	if errors.Is(err, data.ErrNoData) {
		return apperr.DataUnavailable("no %s data ingested for %s", interval, symbol)
	}
	return fmt.Errorf("load %s %s bars: %w", symbol, interval, err)
}

// generateReal takes a contiguous window of num_ticks aligned bars at a
// seed-determined offset. Benchmark returns are simple close-to-close
// returns with the first tick at 0.
func (g *Generator) generateReal(ctx context.Context, seed int64, cfg types.MarketConfig) (*Series, error) {
	aligned, symbol, err := g.loadAligned(ctx, cfg)
	if err != nil {
		return nil, err
	}

	n := len(aligned)
	if cfg.NumTicks != nil {
		n = *cfg.NumTicks
	}
	offset := 0
	if span := len(aligned) - n + 1; span > 1 {
		offset = NewSplitMix64(seed).Intn(span)
	}
	window := aligned[offset : offset+n]

	s := &Series{
		Prices:     make([]float64, n),
		Timestamps: make([]*time.Time, n),
		Benchmark:  make([]float64, n),
	}
	for i, b := range window {
		ts := b.ts
		s.Prices[i] = b.close
		s.Timestamps[i] = &ts
		if i > 0 {
			s.Benchmark[i] = b.bench/window[i-1].bench - 1
		}
	}

	g.logger.Debug("Generated real-data series",
		zap.String("symbol", symbol),
		zap.String("interval", string(cfg.TradingInterval)),
		zap.Int("ticks", n),
		zap.Int("offset", offset),
	)
	return s, nil
}
