package backtester

import (
	"fmt"

	"github.com/atlas-desktop/arena-backend/pkg/types"
	"go.uber.org/zap"
)

// RiskTrigger identifies which kill switch fired.
type RiskTrigger int

const (
	RiskNone RiskTrigger = iota
	RiskMaxDrawdown
	RiskStopLoss
	RiskTakeProfit
)

func (r RiskTrigger) String() string {
	switch r {
	case RiskMaxDrawdown:
		return "max_drawdown_kill"
	case RiskStopLoss:
		return "stop_loss"
	case RiskTakeProfit:
		return "take_profit"
	}
	return "none"
}

// RiskManager evaluates the kill switches once per tick after the ledger
// has been marked. A zero threshold disables that switch.
type RiskManager struct {
	logger *zap.Logger
	limits types.RiskParams
	killed bool
}

// NewRiskManager creates a new risk manager.
func NewRiskManager(logger *zap.Logger, limits types.RiskParams) *RiskManager {
	return &RiskManager{logger: logger, limits: limits}
}

// IsKillSwitchActive reports whether the drawdown kill has fired.
func (rm *RiskManager) IsKillSwitchActive() bool {
	return rm.killed
}

// Check returns the highest-priority trigger for the ledger's current state
// and a reason string. The drawdown kill is terminal.
func (rm *RiskManager) Check(l *Ledger) (RiskTrigger, string) {
	if rm.killed {
		return RiskNone, ""
	}

	if kill := rm.limits.MaxDrawdownKill; kill > 0 {
		if dd := l.DrawdownPct(); dd >= kill {
			rm.killed = true
			rm.logger.Debug("Kill switch triggered",
				zap.Float64("drawdown_pct", dd),
				zap.Float64("limit_pct", kill),
				zap.Float64("equity", l.Equity()),
			)
			return RiskMaxDrawdown, fmt.Sprintf("max drawdown kill switch: drawdown %.2f%% >= %.2f%%", dd, kill)
		}
	}

	if !l.IsOpen() {
		return RiskNone, ""
	}
	ret := l.PositionReturnPct()
	if sl := rm.limits.StopLossPct; sl > 0 && ret <= -sl {
		return RiskStopLoss, fmt.Sprintf("stop loss: position %.2f%% <= -%.2f%%", ret, sl)
	}
	if tp := rm.limits.TakeProfitPct; tp > 0 && ret >= tp {
		return RiskTakeProfit, fmt.Sprintf("take profit: position %+.2f%% >= %.2f%%", ret, tp)
	}
	return RiskNone, ""
}
