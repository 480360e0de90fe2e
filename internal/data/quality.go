package data

import (
	"fmt"
	"slices"
	"time"

	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// Issue severities. Critical issues make a dataset unusable for simulation.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// maxReportedIssues caps the issue list; counts stay exact.
const maxReportedIssues = 50

// DataIssue is one problem found in a batch of bars.
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"bar_index"`
}

// QualityReport summarizes a batch of bars before it is stored.
type QualityReport struct {
	TotalBars     int         `json:"total_bars"`
	CriticalCount int         `json:"critical_count"`
	WarningCount  int         `json:"warning_count"`
	GapCount      int         `json:"gap_count"`
	Issues        []DataIssue `json:"issues"`
	IsUsable      bool        `json:"is_usable"`
}

// QualityChecker inspects imported bars. Thresholds are fractions.
type QualityChecker struct {
	MaxIntradayMove float64
	MaxGapMove      float64
	// GapFactor flags a spacing larger than GapFactor times the interval.
	GapFactor float64
}

// DefaultQualityChecker returns equity-market thresholds.
func DefaultQualityChecker() *QualityChecker {
	return &QualityChecker{
		MaxIntradayMove: 0.20,
		MaxGapMove:      0.15,
		GapFactor:       3,
	}
}

// IntervalDuration returns the bar spacing of a supported interval.
func IntervalDuration(interval types.Timeframe) time.Duration {
	switch interval {
	case types.Timeframe1m:
		return time.Minute
	case types.Timeframe5m:
		return 5 * time.Minute
	case types.Timeframe15m:
		return 15 * time.Minute
	case types.Timeframe30m:
		return 30 * time.Minute
	case types.Timeframe1h:
		return time.Hour
	default:
		return 0
	}
}

type report struct {
	*QualityReport
}

func (r report) add(issue DataIssue) {
	switch issue.Severity {
	case SeverityCritical:
		r.CriticalCount++
	case SeverityWarning:
		r.WarningCount++
	}
	if len(r.Issues) < maxReportedIssues {
		r.Issues = append(r.Issues, issue)
	}
}

// Check inspects bars in the given order. Duplicates and out-of-order bars
// are warnings since SaveBars sorts and de-duplicates.
func (c *QualityChecker) Check(bars []types.OHLCV, interval types.Timeframe) *QualityReport {
	r := report{&QualityReport{TotalBars: len(bars), Issues: []DataIssue{}}}
	if len(bars) == 0 {
		r.add(DataIssue{Type: "NO_DATA", Severity: SeverityCritical, Message: "no bars provided"})
		return r.QualityReport
	}

	seen := make(map[int64]int, len(bars))
	for i, bar := range bars {
		c.checkBar(r, i, bar)

		ts := bar.Timestamp.UnixNano()
		if first, ok := seen[ts]; ok {
			r.add(DataIssue{
				Type:      "DUPLICATE_TIMESTAMP",
				Severity:  SeverityWarning,
				Timestamp: bar.Timestamp,
				Message:   fmt.Sprintf("duplicates bar %d; the later bar is kept", first),
				BarIndex:  i,
			})
		} else {
			seen[ts] = i
		}

		if i > 0 && bar.Timestamp.Before(bars[i-1].Timestamp) {
			r.add(DataIssue{
				Type:      "OUT_OF_ORDER",
				Severity:  SeverityWarning,
				Timestamp: bar.Timestamp,
				Message:   "bar precedes the previous bar",
				BarIndex:  i,
			})
		}
	}

	c.checkSpacing(r, bars, interval)
	r.IsUsable = r.CriticalCount == 0
	return r.QualityReport
}

func (c *QualityChecker) checkBar(r report, i int, bar types.OHLCV) {
	issue := func(kind, severity, msg string) {
		r.add(DataIssue{Type: kind, Severity: severity, Timestamp: bar.Timestamp, Message: msg, BarIndex: i})
	}

	if bar.Timestamp.IsZero() {
		issue("MISSING_TIMESTAMP", SeverityCritical, "bar has no timestamp")
	}
	for _, px := range []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close} {
		if !px.IsPositive() {
			issue("NON_POSITIVE_PRICE", SeverityCritical, "prices must be positive")
			return
		}
	}
	if bar.Volume.IsNegative() {
		issue("NEGATIVE_VOLUME", SeverityCritical, "volume must not be negative")
	}

	if bar.High.LessThan(decimal.Max(bar.Open, bar.Close, bar.Low)) ||
		bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close, bar.High)) {
		issue("OHLC_INCONSISTENT", SeverityCritical, fmt.Sprintf("high/low do not bound the bar (O:%s H:%s L:%s C:%s)",
			bar.Open, bar.High, bar.Low, bar.Close))
		return
	}

	if move, _ := bar.High.Sub(bar.Low).Div(bar.Low).Float64(); move > c.MaxIntradayMove {
		issue("EXTREME_MOVE", SeverityWarning, fmt.Sprintf("intraday range of %.2f%%", move*100))
	}
}

// checkSpacing flags moves and gaps between consecutive bars in time order.
func (c *QualityChecker) checkSpacing(r report, bars []types.OHLCV, interval types.Timeframe) {
	sorted := slices.Clone(bars)
	slices.SortStableFunc(sorted, func(a, b types.OHLCV) int { return a.Timestamp.Compare(b.Timestamp) })

	step := IntervalDuration(interval)
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]

		if step > 0 && c.GapFactor > 0 {
			if gap := cur.Timestamp.Sub(prev.Timestamp); gap > time.Duration(float64(step)*c.GapFactor) {
				r.GapCount++
				r.add(DataIssue{
					Type:      "GAP_DETECTED",
					Severity:  SeverityInfo,
					Timestamp: prev.Timestamp,
					Message:   fmt.Sprintf("gap of %s between bars", gap),
					BarIndex:  i - 1,
				})
			}
		}

		if prev.Close.IsPositive() && cur.Open.IsPositive() {
			if move, _ := cur.Open.Sub(prev.Close).Div(prev.Close).Abs().Float64(); move > c.MaxGapMove {
				r.add(DataIssue{
					Type:      "GAP_MOVE",
					Severity:  SeverityWarning,
					Timestamp: cur.Timestamp,
					Message:   fmt.Sprintf("open %.2f%% away from the previous close", move*100),
					BarIndex:  i,
				})
			}
		}
	}
}
