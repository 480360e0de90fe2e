package backtester

import (
	"github.com/shopspring/decimal"
)

// SlippageModel returns the fractional price adjustment for an order of the
// given notional placed against the given equity.
type SlippageModel interface {
	Rate(notional, equity decimal.Decimal) decimal.Decimal
}

// FixedSlippage applies the same rate regardless of size.
type FixedSlippage struct {
	Base decimal.Decimal
}

// NewFixedSlippage creates a fixed slippage model.
func NewFixedSlippage(base float64) *FixedSlippage {
	return &FixedSlippage{Base: decimal.NewFromFloat(base)}
}

// Rate returns the fixed rate.
func (f *FixedSlippage) Rate(_, _ decimal.Decimal) decimal.Decimal {
	return f.Base
}

// LinearSlippage scales the base rate linearly with order size relative to
// equity: rate = base * (1 + notional/equity).
type LinearSlippage struct {
	Base decimal.Decimal
}

// NewLinearSlippage creates the default size-scaled slippage model.
func NewLinearSlippage(base float64) *LinearSlippage {
	return &LinearSlippage{Base: decimal.NewFromFloat(base)}
}

// Rate returns the size-scaled rate.
func (l *LinearSlippage) Rate(notional, equity decimal.Decimal) decimal.Decimal {
	if equity.Sign() <= 0 {
		return l.Base
	}
	return l.Base.Mul(decimal.NewFromInt(1).Add(notional.Abs().Div(equity)))
}

// CreateSlippageModel creates a slippage model by name. Unknown names use the
// linear model.
func CreateSlippageModel(name string, base float64) SlippageModel {
	switch name {
	case "fixed":
		return NewFixedSlippage(base)
	default:
		return NewLinearSlippage(base)
	}
}
