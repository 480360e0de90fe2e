package backtester

import (
	"time"

	"github.com/atlas-desktop/arena-backend/internal/strategy"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Ledger tracks one agent's cash, single long position and peak equity.
// It is owned by one simulation and is not safe for concurrent use.
type Ledger struct {
	cash        decimal.Decimal
	initialCash decimal.Decimal
	peakEquity  decimal.Decimal
	mark        decimal.Decimal

	size       decimal.Decimal
	entryPrice decimal.Decimal // executed
	entryFee   decimal.Decimal
	entryTick  int

	feeRate  decimal.Decimal
	slippage SlippageModel
	risk     types.RiskParams
}

// NewLedger creates a ledger holding only cash.
func NewLedger(initialEquity, feeRate float64, slippage SlippageModel, risk types.RiskParams) *Ledger {
	cash := decimal.NewFromFloat(initialEquity)
	return &Ledger{
		cash:        cash,
		initialCash: cash,
		peakEquity:  cash,
		feeRate:     decimal.NewFromFloat(feeRate),
		slippage:    slippage,
		risk:        risk,
		entryTick:   -1,
	}
}

// Mark revalues the open position at price and updates the peak.
func (l *Ledger) Mark(price float64) {
	l.mark = decimal.NewFromFloat(price)
	if eq := l.equity(); eq.GreaterThan(l.peakEquity) {
		l.peakEquity = eq
	}
}

func (l *Ledger) equity() decimal.Decimal {
	return l.cash.Add(l.size.Mul(l.mark))
}

// Equity returns cash plus the marked position value.
func (l *Ledger) Equity() float64 {
	return l.equity().InexactFloat64()
}

// DrawdownPct returns the current decline from peak equity in percent.
func (l *Ledger) DrawdownPct() float64 {
	if l.peakEquity.Sign() <= 0 {
		return 0
	}
	return l.peakEquity.Sub(l.equity()).Div(l.peakEquity).Mul(hundred).InexactFloat64()
}

// PositionReturnPct returns the marked return of the open position against
// its executed entry price, or 0 when flat.
func (l *Ledger) PositionReturnPct() float64 {
	if !l.IsOpen() || l.entryPrice.IsZero() {
		return 0
	}
	return l.mark.Sub(l.entryPrice).Div(l.entryPrice).Mul(hundred).InexactFloat64()
}

// IsOpen reports whether a long position is held.
func (l *Ledger) IsOpen() bool {
	return l.size.Sign() > 0
}

// Position returns the strategy-facing view of the position.
func (l *Ledger) Position() strategy.Position {
	if !l.IsOpen() {
		return strategy.Position{EntryTick: -1}
	}
	return strategy.Position{
		Open:       true,
		EntryTick:  l.entryTick,
		EntryPrice: l.entryPrice.InexactFloat64(),
	}
}

// Open buys at price, sized by position_size_pct of current equity scaled by
// confidence and capped by max_leverage. It returns false if already long or
// the computed size is zero.
func (l *Ledger) Open(tick int, ts *time.Time, price, confidence float64, reason string) (types.Trade, bool) {
	if l.IsOpen() || confidence <= 0 || price <= 0 {
		return types.Trade{}, false
	}

	equity := l.equity()
	if equity.Sign() <= 0 {
		return types.Trade{}, false
	}
	pct := decimal.NewFromFloat(l.risk.PositionSizePct).Div(hundred)
	notional := equity.Mul(pct).Mul(decimal.NewFromFloat(confidence))

	maxLev := l.risk.MaxLeverage
	if maxLev < 1 {
		maxLev = 1
	}
	limit := equity.Mul(decimal.NewFromFloat(maxLev))
	rate := l.slippage.Rate(notional, equity)
	if gross := notional.Mul(one.Add(rate).Add(l.feeRate)); gross.GreaterThan(limit) {
		notional = limit.Div(one.Add(rate).Add(l.feeRate))
		rate = l.slippage.Rate(notional, equity)
	}

	mkt := decimal.NewFromFloat(price)
	exec := mkt.Mul(one.Add(rate))
	size := notional.Div(exec)
	if size.Sign() <= 0 {
		return types.Trade{}, false
	}
	fee := size.Mul(exec).Mul(l.feeRate)

	l.cash = l.cash.Sub(size.Mul(exec)).Sub(fee)
	l.size = size
	l.entryPrice = exec
	l.entryFee = fee
	l.entryTick = tick
	l.mark = mkt

	return types.Trade{
		Tick:          tick,
		Timestamp:     ts,
		Action:        types.ActionOpenLong,
		Price:         price,
		ExecutedPrice: exec.InexactFloat64(),
		Size:          size.InexactFloat64(),
		Cost:          fee.InexactFloat64(),
		EquityAfter:   l.Equity(),
		Reason:        reason,
	}, true
}

// Close sells the whole position at price. PnL is the executed price
// difference times size less both fees.
func (l *Ledger) Close(tick int, ts *time.Time, price float64, reason string) (types.Trade, bool) {
	if !l.IsOpen() {
		return types.Trade{}, false
	}

	mkt := decimal.NewFromFloat(price)
	notional := l.size.Mul(mkt)
	rate := l.slippage.Rate(notional, l.equity())
	exec := mkt.Mul(one.Sub(rate))
	proceeds := l.size.Mul(exec)
	fee := proceeds.Mul(l.feeRate)
	pnl := exec.Sub(l.entryPrice).Mul(l.size).Sub(l.entryFee).Sub(fee)

	size := l.size
	l.cash = l.cash.Add(proceeds).Sub(fee)
	l.size = decimal.Zero
	l.entryPrice = decimal.Zero
	l.entryFee = decimal.Zero
	l.entryTick = -1
	l.mark = mkt

	return types.Trade{
		Tick:          tick,
		Timestamp:     ts,
		Action:        types.ActionCloseLong,
		Price:         price,
		ExecutedPrice: exec.InexactFloat64(),
		Size:          size.InexactFloat64(),
		Cost:          fee.InexactFloat64(),
		PnL:           pnl.InexactFloat64(),
		EquityAfter:   l.Equity(),
		Reason:        reason,
	}, true
}
