// Package config loads the platform configuration from JSON files.
//
// Two kinds of files exist:
//
//   - config/pm_config.json          — the account list plus process-wide
//     settings (exchange endpoints, store path, logging).
//   - config/strategies/{user}/{name}.json — one strategy file per account,
//     loaded on demand by the strategy engine.
//
// Account-entry validation (required fields, testnet default) is the account
// registry's job; this package only reads and shapes the files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"perpgrid/pkg/types"
)

// Config is the top-level process configuration. Maps to pm_config.json.
type Config struct {
	Users    map[string]UserConfig `mapstructure:"users"`
	Exchange ExchangeConfig        `mapstructure:"exchange"`
	Store    StoreConfig           `mapstructure:"store"`
	Logging  LoggingConfig         `mapstructure:"logging"`

	// StrategyDir is where per-user strategy files live. Defaults to
	// config/strategies next to pm_config.json.
	StrategyDir string `mapstructure:"strategy_dir"`
}

// UserConfig is one raw account entry. Validated by the account registry.
type UserConfig struct {
	Name      string `mapstructure:"name"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Strategy  string `mapstructure:"strategy"`
	Testnet   *bool  `mapstructure:"testnet"` // nil = absent, defaults to false downstream
}

// ExchangeConfig holds the exchange endpoints. Mainnet and testnet pairs;
// the per-account testnet flag picks between them.
type ExchangeConfig struct {
	RESTBaseURL        string        `mapstructure:"rest_base_url"`
	WSBaseURL          string        `mapstructure:"ws_base_url"`
	TestnetRESTBaseURL string        `mapstructure:"testnet_rest_base_url"`
	TestnetWSBaseURL   string        `mapstructure:"testnet_ws_base_url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads pm_config.json with PERP_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg, path)

	if dbPath := os.Getenv("PERP_DB_PATH"); dbPath != "" {
		cfg.Store.Path = dbPath
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config, path string) {
	if cfg.Exchange.RESTBaseURL == "" {
		cfg.Exchange.RESTBaseURL = "https://fapi.binance.com"
	}
	if cfg.Exchange.WSBaseURL == "" {
		cfg.Exchange.WSBaseURL = "wss://fstream.binance.com"
	}
	if cfg.Exchange.TestnetRESTBaseURL == "" {
		cfg.Exchange.TestnetRESTBaseURL = "https://testnet.binancefuture.com"
	}
	if cfg.Exchange.TestnetWSBaseURL == "" {
		cfg.Exchange.TestnetWSBaseURL = "wss://stream.binancefuture.com"
	}
	if cfg.Exchange.RequestTimeout == 0 {
		cfg.Exchange.RequestTimeout = 10 * time.Second
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/perpgrid.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.StrategyDir == "" {
		cfg.StrategyDir = filepath.Join(filepath.Dir(path), "strategies")
	}
}

// Validate checks process-wide fields. Account entries are validated later,
// one by one, so that a single bad user doesn't abort startup.
func (c *Config) Validate() error {
	if len(c.Users) == 0 {
		return fmt.Errorf("users is required and must not be empty")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy files
// ————————————————————————————————————————————————————————————————————————

// TradingPair names one symbol and the indicators the strategy runs on it.
// IndicatorParams maps indicator name → its parameter record.
type TradingPair struct {
	Symbol          string                    `mapstructure:"symbol"`
	IndicatorParams map[string]map[string]any `mapstructure:"indicator_params"`
}

// StrategyConfig maps to config/strategies/{user}/{name}.json.
type StrategyConfig struct {
	Name         string           `mapstructure:"-"`
	Timeframe    string           `mapstructure:"timeframe"`
	Leverage     int              `mapstructure:"leverage"`
	PositionSide string           `mapstructure:"position_side"`
	MarginMode   string           `mapstructure:"margin_mode"`
	MarginType   string           `mapstructure:"margin_type"`
	TradingPairs []TradingPair    `mapstructure:"trading_pairs"`
	GridTrading  types.GridConfig `mapstructure:"grid_trading"`
	Reverse      bool             `mapstructure:"reverse"`

	// Fee rates applied in profit accounting. Default to the exchange's
	// standard futures tier when absent.
	MakerFeeRate float64 `mapstructure:"maker_fee_rate"`
	TakerFeeRate float64 `mapstructure:"taker_fee_rate"`
}

const (
	defaultMakerFeeRate = 0.0002
	defaultTakerFeeRate = 0.0005
)

// LoadStrategy reads one strategy file for a user and validates it.
func LoadStrategy(strategyDir, userID, name string) (*StrategyConfig, error) {
	path := filepath.Join(strategyDir, userID, name+".json")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategy %s: %w", name, err)
	}

	var sc StrategyConfig
	if err := v.Unmarshal(&sc); err != nil {
		return nil, fmt.Errorf("unmarshal strategy %s: %w", name, err)
	}
	sc.Name = name
	if sc.MakerFeeRate == 0 {
		sc.MakerFeeRate = defaultMakerFeeRate
	}
	if sc.TakerFeeRate == 0 {
		sc.TakerFeeRate = defaultTakerFeeRate
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return &sc, nil
}

// Validate checks required strategy fields and grid parameter ranges.
func (sc *StrategyConfig) Validate() error {
	if sc.Timeframe == "" {
		return fmt.Errorf("timeframe is required")
	}
	if sc.Leverage <= 0 {
		return fmt.Errorf("leverage must be > 0")
	}
	if sc.PositionSide == "" {
		return fmt.Errorf("position_side is required")
	}
	if sc.MarginMode == "" {
		return fmt.Errorf("margin_mode is required")
	}
	if sc.MarginType == "" {
		return fmt.Errorf("margin_type is required")
	}
	if len(sc.TradingPairs) == 0 {
		return fmt.Errorf("trading_pairs must not be empty")
	}
	for i, p := range sc.TradingPairs {
		if p.Symbol == "" {
			return fmt.Errorf("trading_pairs[%d].symbol is required", i)
		}
	}

	g := sc.GridTrading
	if g.Enabled {
		switch g.GridType {
		case "normal", "abnormal":
		default:
			return fmt.Errorf("grid_trading.grid_type must be normal or abnormal")
		}
		if g.Ratio <= 0 || g.Ratio > 1 {
			return fmt.Errorf("grid_trading.ratio must be in (0,1]")
		}
		if g.GridLevels <= 0 {
			return fmt.Errorf("grid_trading.grid_levels must be > 0")
		}
		// The source leaves missing band bounds undefined; treat them as a
		// config error rather than guessing a band.
		if g.UpperPrice <= 0 || g.LowerPrice <= 0 {
			return fmt.Errorf("grid_trading.upper_price and lower_price are required")
		}
		if g.UpperPrice <= g.LowerPrice {
			return fmt.Errorf("grid_trading.upper_price must exceed lower_price")
		}
	}
	return nil
}
