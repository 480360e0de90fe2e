// Package config loads service configuration from defaults, an optional
// config file, a .env file, ARENA_* environment variables and command line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. ARENA_SERVER_PORT.
const EnvPrefix = "ARENA"

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Data        DataConfig        `mapstructure:"data"`
	Market      MarketConfig      `mapstructure:"market"`
	Simulation  SimulationConfig  `mapstructure:"simulation"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	WebSocketPath string        `mapstructure:"websocket_path" validate:"startswith=/"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=memory postgres"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

type MarketConfig struct {
	BenchmarkSymbol string `mapstructure:"benchmark_symbol" validate:"required,alphanum"`
	DefaultSymbol   string `mapstructure:"default_symbol" validate:"required,alphanum"`
}

type SimulationConfig struct {
	// Workers 0 means one per CPU.
	Workers      int           `mapstructure:"workers" validate:"gte=0"`
	QueueSize    int           `mapstructure:"queue_size" validate:"gte=1"`
	AgentTimeout time.Duration `mapstructure:"agent_timeout" validate:"gte=0"`
	StopWait     time.Duration `mapstructure:"stop_wait" validate:"gt=0"`
	// SlippageModel applies to every agent of every round.
	SlippageModel string `mapstructure:"slippage_model" validate:"oneof=linear fixed"`
}

type LeaderboardConfig struct {
	// CacheTTL 0 disables the cache.
	CacheTTL   time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	CacheMaxMB int           `mapstructure:"cache_max_mb" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerTypes returns the HTTP server settings in wire form.
func (c *Config) ServerTypes() *types.ServerConfig {
	return &types.ServerConfig{
		Host:          c.Server.Host,
		Port:          c.Server.Port,
		WebSocketPath: c.Server.WebSocketPath,
		ReadTimeout:   c.Server.ReadTimeout,
		WriteTimeout:  c.Server.WriteTimeout,
		EnableMetrics: c.Metrics.Enabled,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("data.dir", "./data")

	v.SetDefault("market.benchmark_symbol", "SPY")
	v.SetDefault("market.default_symbol", "AAPL")

	v.SetDefault("simulation.workers", 0)
	v.SetDefault("simulation.queue_size", 1024)
	v.SetDefault("simulation.agent_timeout", 10*time.Minute)
	v.SetDefault("simulation.stop_wait", 5*time.Second)
	v.SetDefault("simulation.slippage_model", "linear")

	v.SetDefault("leaderboard.cache_ttl", 10*time.Minute)
	v.SetDefault("leaderboard.cache_max_mb", 64)

	v.SetDefault("metrics.enabled", true)
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"log-level": "log.level",
	"data":      "data.dir",
}

// Load builds the configuration. args are the command line arguments
// without the program name.
func Load(args []string) (*Config, error) {
	fset := flag.NewFlagSet("arena-server", flag.ContinueOnError)
	configPath := fset.String("config", "", "Path to a config file (yaml, toml or json)")
	envFile := fset.String("env-file", ".env", "Path to a .env file; missing files are ignored")
	fset.String("host", "", "Server host")
	fset.Int("port", 0, "Server port")
	fset.String("log-level", "", "Log level (debug, info, warn, error)")
	fset.String("data", "", "Market data directory")
	if err := fset.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", *envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Only flags given explicitly override lower layers.
	fset.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section's bounds.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
