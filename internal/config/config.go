// Package config defines all configuration for the trading platform.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Store    StoreConfig    `mapstructure:"store"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Optimize OptimizeConfig `mapstructure:"optimize"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig tunes the evaluation loop.
//
//   - PollInterval: cycle cadence. Scheduling precision is bounded by this
//     period — a strategy scheduled for T activates on the first tick at or
//     after T.
//   - MarketHoursOnly: skip cycles while the exchange is closed.
//   - BrokerTimeout: per-call deadline for quote/submit/cancel I/O.
type EngineConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MarketHoursOnly bool          `mapstructure:"market_hours_only"`
	BrokerTimeout   time.Duration `mapstructure:"broker_timeout"`
}

// BrokerConfig holds the live broker (Alpaca) endpoints and credentials.
// Credentials come from TRADER_ALPACA_KEY / TRADER_ALPACA_SECRET env vars
// when not present in the file.
type BrokerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	// Paper selects the paper-trading endpoint. Production trading
	// additionally requires safety.allow_production.
	Paper bool `mapstructure:"paper"`
}

// SafetyConfig sets the hard limits enforced by the pre-trade gate.
//
//   - MaxPositionNotional: max USD value held in any single symbol.
//   - MaxPositionQty: max share count per symbol.
//   - DailyLossLimit: day P&L below -limit refuses all new orders.
//   - AllowProduction: must be true to trade a non-paper endpoint.
//   - DuplicateWindow: identical orders within this window are refused.
//
// Caps and windows left at zero are not enforced; Validate requires the
// caps to be positive before a live run.
type SafetyConfig struct {
	MaxPositionNotional decimal.Decimal `mapstructure:"max_position_notional"`
	MaxPositionQty      int64           `mapstructure:"max_position_qty"`
	DailyLossLimit      decimal.Decimal `mapstructure:"daily_loss_limit"`
	AllowProduction     bool            `mapstructure:"allow_production"`
	DuplicateWindow     time.Duration   `mapstructure:"duplicate_window"`
}

// StoreConfig sets where strategies and order snapshots are persisted.
type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuditConfig controls the append-only action log.
type AuditConfig struct {
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int64  `mapstructure:"max_size_mb"`
}

// BacktestConfig sets defaults for historical simulation.
type BacktestConfig struct {
	InitialCash decimal.Decimal `mapstructure:"initial_cash"`
	DataDir     string          `mapstructure:"data_dir"`
	ResultsDir  string          `mapstructure:"results_dir"`
}

// OptimizeConfig bounds parameter searches.
type OptimizeConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// NotifyConfig lists outbound notification channels. Empty URLs disable
// the channel.
type NotifyConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"`
	DiscordWebhookURL string        `mapstructure:"discord_webhook_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// APIConfig controls the operator HTTP API. Disabled by default and
// bound to localhost; there is no authentication layer.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADER_ALPACA_KEY, TRADER_ALPACA_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// viper.DecodeHook replaces the default hook chain, so the duration
	// and slice hooks must be restated alongside the decimal one.
	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalDecodeHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("TRADER_ALPACA_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("TRADER_ALPACA_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.poll_interval", "60s")
	v.SetDefault("engine.market_hours_only", true)
	v.SetDefault("engine.broker_timeout", "10s")
	v.SetDefault("broker.paper", true)
	v.SetDefault("safety.max_position_notional", "25000")
	v.SetDefault("safety.max_position_qty", 500)
	v.SetDefault("safety.daily_loss_limit", "1000")
	v.SetDefault("safety.duplicate_window", "120s")
	v.SetDefault("store.dir", "data")
	v.SetDefault("audit.dir", "logs")
	v.SetDefault("audit.max_size_mb", 50)
	v.SetDefault("backtest.initial_cash", "100000")
	v.SetDefault("backtest.data_dir", "data/historical")
	v.SetDefault("backtest.results_dir", "data/backtests")
	v.SetDefault("optimize.max_parallel", 4)
	v.SetDefault("optimize.timeout", "600s")
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8787)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks the loaded configuration for fatal problems. Called once
// at startup; any error here is unrecoverable.
func (c *Config) Validate() error {
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.Safety.MaxPositionQty <= 0 {
		return fmt.Errorf("safety.max_position_qty must be positive")
	}
	if c.Safety.MaxPositionNotional.Sign() <= 0 {
		return fmt.Errorf("safety.max_position_notional must be positive")
	}
	if c.Safety.DailyLossLimit.Sign() < 0 {
		return fmt.Errorf("safety.daily_loss_limit must not be negative")
	}
	if !c.Broker.Paper && !c.Safety.AllowProduction {
		return fmt.Errorf("broker.paper is false but safety.allow_production is not set")
	}
	if c.Backtest.InitialCash.Sign() <= 0 {
		return fmt.Errorf("backtest.initial_cash must be positive")
	}
	if c.Optimize.MaxParallel <= 0 {
		return fmt.Errorf("optimize.max_parallel must be positive")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// decimalDecodeHook lets viper turn YAML strings and numbers into
// decimal.Decimal config fields without losing precision.
func decimalDecodeHook() func(from, to reflect.Type, data any) (any, error) {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		}
		return data, nil
	}
}
