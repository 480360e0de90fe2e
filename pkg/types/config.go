// Package types provides configuration types for the arena backend.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Market data sources.
const (
	DataSourceSynthetic = "synthetic"
	DataSourceReal      = "real"
)

// RoundConfig is frozen once the round leaves PENDING.
type RoundConfig struct {
	Market MarketConfig `json:"market"`
}

// MarketConfig drives the market generator.
type MarketConfig struct {
	DataSource      string    `json:"data_source" validate:"oneof=synthetic real"`
	Symbol          string    `json:"symbol,omitempty" validate:"omitempty,max=16,alphanum"`
	TradingInterval Timeframe `json:"trading_interval" validate:"oneof=1min 5min 15min 30min 1h"`

	// NumTicks nil means "all available data" in real mode.
	NumTicks      *int    `json:"num_ticks" validate:"omitempty,gte=100,lte=5000"`
	InitialEquity float64 `json:"initial_equity" validate:"gte=10000,lte=1000000"`
	BaseSlippage  float64 `json:"base_slippage" validate:"gte=0,lte=0.01"`
	FeeRate       float64 `json:"fee_rate" validate:"gte=0,lte=0.01"`

	// Synthetic generator settings
	InitialPrice        float64 `json:"initial_price" validate:"gt=0,lte=1000000"`
	BaseVolatility      float64 `json:"base_volatility" validate:"gte=0.005,lte=0.1"`
	BaseDrift           float64 `json:"base_drift" validate:"gte=-0.01,lte=0.01"`
	TrendProbability    float64 `json:"trend_probability" validate:"gte=0,lte=1"`
	VolatileProbability float64 `json:"volatile_probability" validate:"gte=0,lte=1"`
	RegimePersistence   float64 `json:"regime_persistence" validate:"gte=0,lte=1"`
}

// DefaultNumTicks is used when a synthetic round leaves num_ticks unset.
const DefaultNumTicks = 1000

// DefaultMarketConfig returns the market defaults.
func DefaultMarketConfig() MarketConfig {
	n := DefaultNumTicks
	return MarketConfig{
		DataSource:          DataSourceSynthetic,
		TradingInterval:     Timeframe1h,
		NumTicks:            &n,
		InitialEquity:       100000,
		BaseSlippage:        0.001,
		FeeRate:             0.001,
		InitialPrice:        100,
		BaseVolatility:      0.02,
		BaseDrift:           0.0001,
		TrendProbability:    0.3,
		VolatileProbability: 0.2,
		RegimePersistence:   0.95,
	}
}

// DefaultRoundConfig returns the round defaults.
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{Market: DefaultMarketConfig()}
}

// UnmarshalJSON fills fields missing from the document with defaults.
func (c *RoundConfig) UnmarshalJSON(b []byte) error {
	type plain RoundConfig
	p := plain(DefaultRoundConfig())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = RoundConfig(p)
	return nil
}

// Validate checks bounds and cross-field rules.
func (c *MarketConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	if c.TrendProbability+c.VolatileProbability > 1 {
		return errors.New("trend_probability + volatile_probability must not exceed 1")
	}
	return nil
}

// StrategyParams is the flat parameter bag shared by all strategy variants.
// Each variant validates only the fields it reads.
type StrategyParams struct {
	// Mean reversion
	LookbackWindow int     `json:"lookback_window" validate:"gte=5,lte=100"`
	EntryThreshold float64 `json:"entry_threshold" validate:"gte=0.5,lte=4"`
	ExitThreshold  float64 `json:"exit_threshold" validate:"gte=0,lte=2"`

	// Trend following
	FastWindow    int     `json:"fast_window" validate:"gte=3,lte=50"`
	SlowWindow    int     `json:"slow_window" validate:"gte=10,lte=200,gtfield=FastWindow"`
	ATRMultiplier float64 `json:"atr_multiplier" validate:"gte=0.5,lte=5"`

	// Momentum
	MomentumWindow int     `json:"momentum_window" validate:"gte=5,lte=50"`
	RSIWindow      int     `json:"rsi_window" validate:"gte=5,lte=30"`
	RSIOverbought  float64 `json:"rsi_overbought" validate:"gte=50,lte=90,gtfield=RSIOversold"`
	RSIOversold    float64 `json:"rsi_oversold" validate:"gte=10,lte=50"`
}

// DefaultStrategyParams returns parameter defaults for every variant.
func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		LookbackWindow: 20,
		EntryThreshold: 2.0,
		ExitThreshold:  0.5,
		FastWindow:     10,
		SlowWindow:     30,
		ATRMultiplier:  2.0,
		MomentumWindow: 14,
		RSIWindow:      14,
		RSIOverbought:  70,
		RSIOversold:    30,
	}
}

// SignalStack toggles the confidence filters.
type SignalStack struct {
	UseSMATrendFilter   bool    `json:"use_sma_trend_filter"`
	SMAFilterWindow     int     `json:"sma_filter_window" validate:"gte=10,lte=200"`
	UseVolatilityFilter bool    `json:"use_volatility_filter"`
	VolatilityWindow    int     `json:"volatility_window" validate:"gte=5,lte=100"`
	VolatilityThreshold float64 `json:"volatility_threshold" validate:"gte=0.5,lte=5"`
}

// DefaultSignalStack returns the filters disabled with default windows.
func DefaultSignalStack() SignalStack {
	return SignalStack{
		SMAFilterWindow:     50,
		VolatilityWindow:    20,
		VolatilityThreshold: 1.5,
	}
}

// RiskParams are percentages except MaxLeverage.
type RiskParams struct {
	PositionSizePct float64 `json:"position_size_pct" validate:"gte=1,lte=50"`
	MaxLeverage     float64 `json:"max_leverage" validate:"gte=1,lte=5"`
	StopLossPct     float64 `json:"stop_loss_pct" validate:"gte=1,lte=20"`
	TakeProfitPct   float64 `json:"take_profit_pct" validate:"gte=1,lte=50"`
	MaxDrawdownKill float64 `json:"max_drawdown_kill" validate:"gte=5,lte=50"`
}

// DefaultRiskParams returns the risk defaults.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		PositionSizePct: 10,
		MaxLeverage:     1,
		StopLossPct:     5,
		TakeProfitPct:   10,
		MaxDrawdownKill: 20,
	}
}

// AgentConfig is the full per-agent configuration.
type AgentConfig struct {
	StrategyParams StrategyParams `json:"strategy_params"`
	SignalStack    SignalStack    `json:"signal_stack"`
	RiskParams     RiskParams     `json:"risk_params"`
}

// DefaultAgentConfig returns an agent config with every default applied.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		StrategyParams: DefaultStrategyParams(),
		SignalStack:    DefaultSignalStack(),
		RiskParams:     DefaultRiskParams(),
	}
}

// UnmarshalJSON fills fields missing from the document with defaults. An
// explicit zero stays zero.
func (c *AgentConfig) UnmarshalJSON(b []byte) error {
	type plain AgentConfig
	p := plain(DefaultAgentConfig())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = AgentConfig(p)
	return nil
}

// Validate checks the signal stack and risk params. Strategy params are
// validated by the strategy constructor for the fields it uses.
func (c *AgentConfig) Validate() error {
	if err := validateStruct(&c.SignalStack); err != nil {
		return fmt.Errorf("signal_stack: %w", err)
	}
	if err := validateStruct(&c.RiskParams); err != nil {
		return fmt.Errorf("risk_params: %w", err)
	}
	return nil
}

// ValidateStrategyFields checks only the named StrategyParams fields.
func ValidateStrategyFields(p *StrategyParams, fields ...string) error {
	if err := validate.StructPartial(p, fields...); err != nil {
		return fmt.Errorf("strategy_params: %w", describe(err))
	}
	return nil
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	WebSocketPath string        `json:"websocketPath"`
	ReadTimeout   time.Duration `json:"readTimeout"`
	WriteTimeout  time.Duration `json:"writeTimeout"`
	EnableMetrics bool          `json:"enableMetrics"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		return describe(err)
	}
	return nil
}

// describe turns the first validator failure into a readable message.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "gte":
		return fmt.Errorf("%s must be >= %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Errorf("%s must be <= %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Errorf("%s must be > %s", fe.Field(), fe.Param())
	case "gtfield":
		return fmt.Errorf("%s must be greater than %s", fe.Field(), jsonName(fe.Param()))
	case "oneof":
		return fmt.Errorf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}

var fieldNames = map[string]string{
	"FastWindow":  "fast_window",
	"RSIOversold": "rsi_oversold",
}

func jsonName(goName string) string {
	if n, ok := fieldNames[goName]; ok {
		return n
	}
	return goName
}
