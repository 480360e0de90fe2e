package backtester

import (
	"math"

	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/atlas-desktop/arena-backend/pkg/utils"
)

// PeriodsPerYear annualizes per-tick statistics.
const PeriodsPerYear = 252

// Metrics is the summary of one finished equity curve.
type Metrics struct {
	FinalEquity     float64
	TotalReturn     float64 // percent
	SharpeRatio     *float64
	MaxDrawdown     float64 // percent
	CalmarRatio     *float64
	WinRate         *float64 // percent of closed trades
	TotalTrades     int
	Alpha           *float64
	Beta            *float64
	CumulativeAlpha []float64
}

// MetricsCalculator summarizes equity curves. It holds no state.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a new metrics calculator.
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Summarize computes the metrics. benchmark, when non-nil, holds one simple
// return per equity point (the first is ignored) and enables alpha/beta.
// Undefined ratios are nil, never NaN.
func (mc *MetricsCalculator) Summarize(initialEquity float64, equity []float64, trades []types.Trade, benchmark []float64) Metrics {
	m := Metrics{FinalEquity: initialEquity, TotalTrades: len(trades)}
	if len(equity) > 0 {
		m.FinalEquity = equity[len(equity)-1]
	}
	if initialEquity > 0 {
		m.TotalReturn = (m.FinalEquity - initialEquity) / initialEquity * 100
	}

	returns := utils.SimpleReturns(equity)

	if len(returns) >= 2 {
		if sd := utils.SampleStdDev(returns); sd > 0 {
			m.SharpeRatio = finite(utils.Mean(returns) / sd * math.Sqrt(PeriodsPerYear))
		}
	}

	m.MaxDrawdown = mc.maxDrawdown(equity)
	if m.MaxDrawdown > 0 && len(returns) > 0 {
		annualized := utils.Mean(returns) * PeriodsPerYear * 100
		m.CalmarRatio = finite(annualized / m.MaxDrawdown)
	}

	closed, wins := 0, 0
	for _, tr := range trades {
		if tr.Action != types.ActionCloseLong {
			continue
		}
		closed++
		if tr.PnL > 0 {
			wins++
		}
	}
	if closed > 0 {
		m.WinRate = types.Float(float64(wins) / float64(closed) * 100)
	}

	if benchmark != nil && len(benchmark) == len(equity) && len(returns) >= 2 {
		m.Alpha, m.Beta, m.CumulativeAlpha = mc.regress(returns, benchmark[1:])
	}
	return m
}

// regress fits agent = alpha + beta*benchmark by OLS.
func (mc *MetricsCalculator) regress(agent, bench []float64) (*float64, *float64, []float64) {
	v := utils.SampleVariance(bench)
	if v == 0 {
		return nil, nil, nil
	}
	beta := utils.SampleCovariance(agent, bench) / v
	alpha := (utils.Mean(agent) - beta*utils.Mean(bench)) * PeriodsPerYear

	curve := make([]float64, len(agent)+1)
	for i := range agent {
		curve[i+1] = curve[i] + agent[i] - beta*bench[i]
	}
	return finite(alpha), finite(beta), curve
}

// maxDrawdown returns the largest peak-to-trough decline in percent.
func (mc *MetricsCalculator) maxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	var maxDD float64
	peak := equity[0]
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD * 100
}

func finite(v float64) *float64 {
	if !utils.Finite(v) {
		return nil
	}
	return &v
}
