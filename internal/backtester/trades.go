package backtester

import (
	"fmt"

	"github.com/atlas-desktop/arena-backend/pkg/types"
)

// ValidateTradeLog checks that OPEN_LONG and CLOSE_LONG alternate starting
// with an open. A trailing unmatched open is allowed.
func ValidateTradeLog(trades []types.Trade) error {
	open := false
	for i, tr := range trades {
		switch tr.Action {
		case types.ActionOpenLong:
			if open {
				return fmt.Errorf("trade %d: OPEN_LONG while already long", i)
			}
			open = true
		case types.ActionCloseLong:
			if !open {
				return fmt.Errorf("trade %d: CLOSE_LONG without an open position", i)
			}
			open = false
		default:
			return fmt.Errorf("trade %d: unknown action %q", i, tr.Action)
		}
	}
	return nil
}

// PairTrades builds the completed-trade view. lastPrice, when set, values
// a trailing open position.
func PairTrades(trades []types.Trade, lastPrice *float64) types.CompletedTradesResponse {
	resp := types.CompletedTradesResponse{CompletedTrades: []types.CompletedTrade{}}

	var entry *types.Trade
	var sumReturn, sumDuration float64
	for i := range trades {
		tr := &trades[i]
		switch tr.Action {
		case types.ActionOpenLong:
			entry = tr
		case types.ActionCloseLong:
			if entry == nil {
				continue
			}
			ct := types.CompletedTrade{
				TradeNumber:        len(resp.CompletedTrades) + 1,
				EntryTick:          entry.Tick,
				EntryTimestamp:     entry.Timestamp,
				EntryPrice:         entry.Price,
				EntryExecutedPrice: entry.ExecutedPrice,
				EntryReason:        entry.Reason,
				ExitTick:           tr.Tick,
				ExitTimestamp:      tr.Timestamp,
				ExitPrice:          tr.Price,
				ExitExecutedPrice:  tr.ExecutedPrice,
				ExitReason:         tr.Reason,
				Size:               entry.Size,
				TotalCost:          entry.Cost + tr.Cost,
				PnL:                tr.PnL,
				DurationTicks:      tr.Tick - entry.Tick,
				IsWinner:           tr.PnL > 0,
			}
			if basis := entry.ExecutedPrice * entry.Size; basis > 0 {
				ct.ReturnPct = tr.PnL / basis * 100
			}
			resp.CompletedTrades = append(resp.CompletedTrades, ct)
			entry = nil

			resp.TotalPnL += ct.PnL
			sumReturn += ct.ReturnPct
			sumDuration += float64(ct.DurationTicks)
			if ct.IsWinner {
				resp.WinningTrades++
			} else {
				resp.LosingTrades++
			}
			if len(resp.CompletedTrades) == 1 || ct.PnL > resp.BestTradePnL {
				resp.BestTradePnL = ct.PnL
			}
			if len(resp.CompletedTrades) == 1 || ct.PnL < resp.WorstTradePnL {
				resp.WorstTradePnL = ct.PnL
			}
		}
	}

	n := len(resp.CompletedTrades)
	resp.TotalCompletedTrades = n
	if n > 0 {
		resp.WinRate = float64(resp.WinningTrades) / float64(n) * 100
		resp.AvgReturnPct = sumReturn / float64(n)
		resp.AvgDurationTicks = sumDuration / float64(n)
	}

	if entry != nil {
		resp.HasOpenPosition = true
		op := &types.OpenPosition{
			EntryTick:          entry.Tick,
			EntryTimestamp:     entry.Timestamp,
			EntryPrice:         entry.Price,
			EntryExecutedPrice: entry.ExecutedPrice,
			EntryReason:        entry.Reason,
			Size:               entry.Size,
		}
		if lastPrice != nil {
			op.CurrentPnL = types.Float((*lastPrice-entry.ExecutedPrice)*entry.Size - entry.Cost)
		}
		resp.OpenPosition = op
	}
	return resp
}
