package types_test

import (
	"encoding/json"
	"testing"

	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundConfigPartialDocument(t *testing.T) {
	var cfg types.RoundConfig
	require.NoError(t, json.Unmarshal([]byte(`{"market":{"data_source":"real","fee_rate":0,"num_ticks":null}}`), &cfg))

	assert.Equal(t, types.DataSourceReal, cfg.Market.DataSource)
	assert.Zero(t, cfg.Market.FeeRate, "explicit zero is kept")
	assert.Nil(t, cfg.Market.NumTicks, "explicit null is kept")
	assert.Equal(t, 100000.0, cfg.Market.InitialEquity)
	assert.Equal(t, types.Timeframe1h, cfg.Market.TradingInterval)
	assert.NoError(t, cfg.Market.Validate())
}

func TestAgentConfigPartialDocument(t *testing.T) {
	var cfg types.AgentConfig
	require.NoError(t, json.Unmarshal([]byte(`{"risk_params":{"position_size_pct":25},"signal_stack":{"use_sma_trend_filter":true}}`), &cfg))

	def := types.DefaultAgentConfig()
	assert.Equal(t, 25.0, cfg.RiskParams.PositionSizePct)
	assert.Equal(t, def.RiskParams.StopLossPct, cfg.RiskParams.StopLossPct)
	assert.True(t, cfg.SignalStack.UseSMATrendFilter)
	assert.Equal(t, def.SignalStack.SMAFilterWindow, cfg.SignalStack.SMAFilterWindow)
	assert.Equal(t, def.StrategyParams, cfg.StrategyParams)
	assert.NoError(t, cfg.Validate())
}

func TestMarketConfigRejectsProbabilityOverflow(t *testing.T) {
	cfg := types.DefaultMarketConfig()
	cfg.TrendProbability = 0.7
	cfg.VolatileProbability = 0.4
	assert.Error(t, cfg.Validate())

	cfg.VolatileProbability = 0.3
	assert.NoError(t, cfg.Validate())
}
