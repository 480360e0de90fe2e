// Package types provides shared type definitions for the arena backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundStatusPending   RoundStatus = "PENDING"
	RoundStatusRunning   RoundStatus = "RUNNING"
	RoundStatusCompleted RoundStatus = "COMPLETED"
	RoundStatusFailed    RoundStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s RoundStatus) IsTerminal() bool {
	return s == RoundStatusCompleted || s == RoundStatusFailed
}

// Valid reports whether s is a known status.
func (s RoundStatus) Valid() bool {
	switch s {
	case RoundStatusPending, RoundStatusRunning, RoundStatusCompleted, RoundStatusFailed:
		return true
	}
	return false
}

// StrategyType identifies one of the closed set of strategies.
type StrategyType string

const (
	StrategyMeanReversion  StrategyType = "MEAN_REVERSION"
	StrategyTrendFollowing StrategyType = "TREND_FOLLOWING"
	StrategyMomentum       StrategyType = "MOMENTUM"
	StrategyGhost          StrategyType = "GHOST"
)

// TradeAction is a ledger event kind. The model is long-only.
type TradeAction string

const (
	ActionOpenLong  TradeAction = "OPEN_LONG"
	ActionCloseLong TradeAction = "CLOSE_LONG"
)

// Timeframe is a historical bar interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1min"
	Timeframe5m  Timeframe = "5min"
	Timeframe15m Timeframe = "15min"
	Timeframe30m Timeframe = "30min"
	Timeframe1h  Timeframe = "1h"
)

// Timeframes lists the supported bar intervals.
var Timeframes = []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m, Timeframe1h}

// OHLCV represents a single historical candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// ChartDataPoint is one point of a tick-indexed series.
type ChartDataPoint struct {
	Tick      int        `json:"tick"`
	Timestamp *time.Time `json:"timestamp"`
	Value     float64    `json:"value"`
}

// User is the public profile of an agent owner.
type User struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	Color     string    `json:"color"`
	Icon      string    `json:"icon"`
	CreatedAt time.Time `json:"created_at"`
}

// UserUpdate carries optional profile changes.
type UserUpdate struct {
	Nickname *string `json:"nickname,omitempty" validate:"omitempty,min=1,max=32"`
	Color    *string `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Icon     *string `json:"icon,omitempty" validate:"omitempty,max=32"`
}

// Validate checks the provided fields.
func (u *UserUpdate) Validate() error {
	return validateStruct(u)
}

// Round is one market-simulation competition.
type Round struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Status       RoundStatus      `json:"status"`
	MarketSeed   int64            `json:"market_seed"`
	Config       RoundConfig      `json:"config"`
	PriceData    []ChartDataPoint `json:"price_data"`
	SpyReturns   []ChartDataPoint `json:"spy_returns"`
	ErrorMessage *string          `json:"error_message"`
	StartedAt    *time.Time       `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at"`
	CreatedAt    time.Time        `json:"created_at"`
	AgentCount   int              `json:"agent_count"`
}

// RoundListItem is the summary projection used by round listings.
type RoundListItem struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Status     RoundStatus `json:"status"`
	MarketSeed int64       `json:"market_seed"`
	AgentCount int         `json:"agent_count"`
	CreatedAt  time.Time   `json:"created_at"`
}

// RoundCreate is the request body for creating a round.
type RoundCreate struct {
	Name       string       `json:"name"`
	MarketSeed *int64       `json:"market_seed,omitempty"`
	Config     *RoundConfig `json:"config,omitempty"`
}

// RoundStatusResponse is derived on demand from a round and its job.
type RoundStatusResponse struct {
	ID              string      `json:"id"`
	Status          RoundStatus `json:"status"`
	Progress        float64     `json:"progress"`
	AgentsProcessed int         `json:"agents_processed"`
	TotalAgents     int         `json:"total_agents"`
	ErrorMessage    *string     `json:"error_message"`
	StartedAt       *time.Time  `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at"`
}

// Agent is a user's strategy entry in a round.
type Agent struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	RoundID      string       `json:"round_id"`
	StrategyType StrategyType `json:"strategy_type"`
	Config       AgentConfig  `json:"config"`
	CreatedAt    time.Time    `json:"created_at"`
	Result       *AgentResult `json:"result"`
	UserNickname *string      `json:"user_nickname"`
	UserColor    *string      `json:"user_color"`
}

// Display identity of the benchmark agent.
const (
	GhostNickname = "Ghost (buy & hold)"
	GhostColor    = "#9ca3af"
	GhostIcon     = "ghost"
)

// IsGhost reports whether the agent is the implicit benchmark.
func (a *Agent) IsGhost() bool {
	return a.StrategyType == StrategyGhost
}

// AgentCreate is the upsert body for a user's agent.
type AgentCreate struct {
	StrategyType StrategyType `json:"strategy_type"`
	Config       *AgentConfig `json:"config,omitempty"`
}

// Trade is one immutable ledger event.
type Trade struct {
	Tick          int         `json:"tick"`
	Timestamp     *time.Time  `json:"timestamp"`
	Action        TradeAction `json:"action"`
	Price         float64     `json:"price"`
	ExecutedPrice float64     `json:"executed_price"`
	Size          float64     `json:"size"`
	Cost          float64     `json:"cost"`
	PnL           float64     `json:"pnl"`
	EquityAfter   float64     `json:"equity_after"`
	Reason        string      `json:"reason"`
}

// AgentResult is the frozen outcome of one agent's simulation.
type AgentResult struct {
	ID              string           `json:"id"`
	AgentID         string           `json:"agent_id"`
	FinalEquity     float64          `json:"final_equity"`
	TotalReturn     float64          `json:"total_return"`
	SharpeRatio     *float64         `json:"sharpe_ratio"`
	MaxDrawdown     float64          `json:"max_drawdown"`
	CalmarRatio     *float64         `json:"calmar_ratio"`
	TotalTrades     int              `json:"total_trades"`
	WinRate         *float64         `json:"win_rate"`
	SurvivalTime    int              `json:"survival_time"`
	EquityCurve     []ChartDataPoint `json:"equity_curve"`
	CumulativeAlpha []ChartDataPoint `json:"cumulative_alpha"`
	Trades          []Trade          `json:"trades"`
	Alpha           *float64         `json:"alpha"`
	Beta            *float64         `json:"beta"`
	CreatedAt       time.Time        `json:"created_at"`
}

// CompletedTrade pairs an OPEN_LONG with its CLOSE_LONG.
type CompletedTrade struct {
	TradeNumber        int        `json:"trade_number"`
	EntryTick          int        `json:"entry_tick"`
	EntryTimestamp     *time.Time `json:"entry_timestamp"`
	EntryPrice         float64    `json:"entry_price"`
	EntryExecutedPrice float64    `json:"entry_executed_price"`
	EntryReason        string     `json:"entry_reason"`
	ExitTick           int        `json:"exit_tick"`
	ExitTimestamp      *time.Time `json:"exit_timestamp"`
	ExitPrice          float64    `json:"exit_price"`
	ExitExecutedPrice  float64    `json:"exit_executed_price"`
	ExitReason         string     `json:"exit_reason"`
	Size               float64    `json:"size"`
	TotalCost          float64    `json:"total_cost"`
	PnL                float64    `json:"pnl"`
	ReturnPct          float64    `json:"return_pct"`
	DurationTicks      int        `json:"duration_ticks"`
	IsWinner           bool       `json:"is_winner"`
}

// OpenPosition is a trailing unmatched OPEN_LONG.
type OpenPosition struct {
	EntryTick          int        `json:"entry_tick"`
	EntryTimestamp     *time.Time `json:"entry_timestamp"`
	EntryPrice         float64    `json:"entry_price"`
	EntryExecutedPrice float64    `json:"entry_executed_price"`
	EntryReason        string     `json:"entry_reason"`
	Size               float64    `json:"size"`
	CurrentPnL         *float64   `json:"current_pnl"`
}

// CompletedTradesResponse is the paired view of an agent's trade log.
type CompletedTradesResponse struct {
	CompletedTrades      []CompletedTrade `json:"completed_trades"`
	HasOpenPosition      bool             `json:"has_open_position"`
	OpenPosition         *OpenPosition    `json:"open_position"`
	TotalCompletedTrades int              `json:"total_completed_trades"`
	TotalPnL             float64          `json:"total_pnl"`
	WinningTrades        int              `json:"winning_trades"`
	LosingTrades         int              `json:"losing_trades"`
	WinRate              float64          `json:"win_rate"`
	AvgReturnPct         float64          `json:"avg_return_pct"`
	AvgDurationTicks     float64          `json:"avg_duration_ticks"`
	BestTradePnL         float64          `json:"best_trade_pnl"`
	WorstTradePnL        float64          `json:"worst_trade_pnl"`
}

// LeaderboardEntry is one ranked agent in a round.
type LeaderboardEntry struct {
	Rank         int          `json:"rank"`
	AgentID      string       `json:"agent_id"`
	UserID       string       `json:"user_id"`
	Nickname     string       `json:"nickname"`
	Color        string       `json:"color"`
	Icon         string       `json:"icon"`
	StrategyType StrategyType `json:"strategy_type"`
	FinalEquity  float64      `json:"final_equity"`
	TotalReturn  float64      `json:"total_return"`
	SharpeRatio  *float64     `json:"sharpe_ratio"`
	MaxDrawdown  float64      `json:"max_drawdown"`
	CalmarRatio  *float64     `json:"calmar_ratio"`
	WinRate      *float64     `json:"win_rate"`
	TotalTrades  int          `json:"total_trades"`
	SurvivalTime int          `json:"survival_time"`
	IsGhost      bool         `json:"is_ghost"`
	Alpha        *float64     `json:"alpha"`
	Beta         *float64     `json:"beta"`
	CreatedAt    time.Time    `json:"-"`
}

// Leaderboard is the per-round ranking.
type Leaderboard struct {
	RoundID           string             `json:"round_id"`
	RoundName         string             `json:"round_name"`
	Entries           []LeaderboardEntry `json:"entries"`
	TotalParticipants int                `json:"total_participants"`
	BestSharpe        *float64           `json:"best_sharpe"`
	BestReturn        *float64           `json:"best_return"`
	LowestDrawdown    *float64           `json:"lowest_drawdown"`
	AverageSurvival   *float64           `json:"average_survival"`
	BestAlpha         *float64           `json:"best_alpha"`
}

// UserRanking is a single user's placement in a round.
type UserRanking struct {
	Rank              int      `json:"rank"`
	TotalParticipants int      `json:"total_participants"`
	FinalEquity       float64  `json:"final_equity"`
	TotalReturn       float64  `json:"total_return"`
	SharpeRatio       *float64 `json:"sharpe_ratio"`
	MaxDrawdown       float64  `json:"max_drawdown"`
	Percentile        float64  `json:"percentile"`
	Alpha             *float64 `json:"alpha"`
	Beta              *float64 `json:"beta"`
}

// GlobalLeaderboardEntry aggregates a user's results across rounds.
type GlobalLeaderboardEntry struct {
	Rank             int      `json:"rank"`
	UserID           string   `json:"user_id"`
	Nickname         string   `json:"nickname"`
	Color            string   `json:"color"`
	Icon             string   `json:"icon"`
	TotalRounds      int      `json:"total_rounds"`
	AvgSharpeRatio   *float64 `json:"avg_sharpe_ratio"`
	BestSharpeRatio  *float64 `json:"best_sharpe_ratio"`
	AvgTotalReturn   float64  `json:"avg_total_return"`
	BestTotalReturn  float64  `json:"best_total_return"`
	AvgAlpha         *float64 `json:"avg_alpha"`
	BestAlpha        *float64 `json:"best_alpha"`
	FirstPlaceCount  int      `json:"first_place_count"`
	Top3Count        int      `json:"top_3_count"`
	Top10Count       int      `json:"top_10_count"`
	WinRate          float64  `json:"win_rate"`
	PerformanceScore float64  `json:"performance_score"`
}

// GlobalLeaderboard is the cross-round ranking page.
type GlobalLeaderboard struct {
	Entries                []GlobalLeaderboardEntry `json:"entries"`
	TotalUsers             int                      `json:"total_users"`
	TotalRoundsAnalyzed    int                      `json:"total_rounds_analyzed"`
	HighestAvgSharpe       *float64                 `json:"highest_avg_sharpe"`
	HighestAvgReturn       *float64                 `json:"highest_avg_return"`
	HighestAvgAlpha        *float64                 `json:"highest_avg_alpha"`
	MostRoundsParticipated int                      `json:"most_rounds_participated"`
}

// GlobalUserRanking is a single user's cross-round placement.
type GlobalUserRanking struct {
	Rank             int      `json:"rank"`
	TotalUsers       int      `json:"total_users"`
	PerformanceScore float64  `json:"performance_score"`
	Percentile       float64  `json:"percentile"`
	TotalRounds      int      `json:"total_rounds"`
	AvgSharpeRatio   *float64 `json:"avg_sharpe_ratio"`
	AvgTotalReturn   float64  `json:"avg_total_return"`
	AvgAlpha         *float64 `json:"avg_alpha"`
	WinRate          float64  `json:"win_rate"`
	FirstPlaceCount  int      `json:"first_place_count"`
	Top3Count        int      `json:"top_3_count"`
	Top10Count       int      `json:"top_10_count"`
}

// MarketDataset describes one stored symbol/interval series.
type MarketDataset struct {
	Symbol    string    `json:"symbol"`
	Interval  Timeframe `json:"interval"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	TotalBars int       `json:"total_bars"`
	FetchedAt time.Time `json:"fetched_at"`
}

// MarketDataStatus reports readiness of real-data mode.
type MarketDataStatus struct {
	IsReady         bool            `json:"is_ready"`
	Symbol          string          `json:"symbol"`
	BenchmarkSymbol string          `json:"benchmark_symbol"`
	Datasets        []MarketDataset `json:"datasets"`
	Message         string          `json:"message"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
