// Package config loads the venue configuration from a YAML file via viper,
// with environment-variable overrides under the PERP_ prefix.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Oracle  OracleConfig   `mapstructure:"oracle"`
	Pool    PoolConfig     `mapstructure:"pool"`
	Engine  EngineConfig   `mapstructure:"engine"`
	Storage StorageConfig  `mapstructure:"storage"`
	Markets []MarketConfig `mapstructure:"markets"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// OracleConfig holds the price feed risk controls.
type OracleConfig struct {
	Signers             []string      `mapstructure:"signers"`
	MinAuthorizations   int           `mapstructure:"min_authorizations"`
	MaxDeviationBps     int64         `mapstructure:"max_deviation_bps"`
	MaxTimeDeviation    time.Duration `mapstructure:"max_time_deviation"`
	MaxPriceUpdateDelay time.Duration `mapstructure:"max_price_update_delay"`
	PriceDuration       time.Duration `mapstructure:"price_duration"`
	SpreadBpsInactive   int64         `mapstructure:"spread_bps_inactive"`
	SpreadBpsChainError int64         `mapstructure:"spread_bps_chain_error"`
	PrimaryURL          string        `mapstructure:"primary_url"`
	PrimaryTimeout      time.Duration `mapstructure:"primary_timeout"`
}

// PoolConfig holds the liquidity pool parameters.
type PoolConfig struct {
	RatePerHour          string `mapstructure:"rate_per_hour"`
	OpenRate             string `mapstructure:"open_rate"`
	OpenLimit            string `mapstructure:"open_limit"`
	UtilizationThreshold string `mapstructure:"utilization_threshold"`
	RemoveFeeRate        string `mapstructure:"remove_fee_rate"`
}

// EngineConfig holds execution parameters.
type EngineConfig struct {
	ExecuteFee      string `mapstructure:"execute_fee"`
	FeeAccount      string `mapstructure:"fee_account"`
	FundingRate8h   string `mapstructure:"funding_rate_8h"`
	InviterFeeRate  string `mapstructure:"inviter_fee_rate"`
	DiscountFeeRate string `mapstructure:"discount_fee_rate"`
}

// StorageConfig holds the optional archive and cache backends.
type StorageConfig struct {
	PostgresURL string        `mapstructure:"postgres_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// MarketConfig is one market's parameter block; decimal-valued fields are
// strings so viper never routes money through float64.
type MarketConfig struct {
	Symbol               string        `mapstructure:"symbol"`
	MM                   string        `mapstructure:"mm"`
	LiquidateRate        string        `mapstructure:"liquidate_rate"`
	TradeFeeRate         string        `mapstructure:"trade_fee_rate"`
	MakerFeeRate         string        `mapstructure:"maker_fee_rate"`
	TakerLeverageMin     string        `mapstructure:"taker_leverage_min"`
	TakerLeverageMax     string        `mapstructure:"taker_leverage_max"`
	TakerMarginMin       string        `mapstructure:"taker_margin_min"`
	TakerMarginMax       string        `mapstructure:"taker_margin_max"`
	TakerValueMin        string        `mapstructure:"taker_value_min"`
	TakerValueMax        string        `mapstructure:"taker_value_max"`
	TakerValueLimit      string        `mapstructure:"taker_value_limit"`
	Dust                 string        `mapstructure:"dust"`
	DMMultiplier         string        `mapstructure:"dm_multiplier"`
	CancelElapse         time.Duration `mapstructure:"cancel_elapse"`
	TriggerOrderDuration time.Duration `mapstructure:"trigger_order_duration"`
}

// Load reads the configuration file and applies environment overrides.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PERP")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("oracle.min_authorizations", 1)
	v.SetDefault("oracle.max_deviation_bps", 1000)
	v.SetDefault("oracle.max_time_deviation", time.Hour)
	v.SetDefault("oracle.max_price_update_delay", time.Hour)
	v.SetDefault("oracle.price_duration", 5*time.Minute)
	v.SetDefault("oracle.spread_bps_inactive", 20)
	v.SetDefault("oracle.spread_bps_chain_error", 500)
	v.SetDefault("oracle.primary_timeout", 3*time.Second)

	v.SetDefault("pool.rate_per_hour", "0.0001")
	v.SetDefault("pool.open_rate", "100")
	v.SetDefault("pool.open_limit", "10000000")
	v.SetDefault("pool.utilization_threshold", "0.8")
	v.SetDefault("pool.remove_fee_rate", "0.01")

	v.SetDefault("engine.execute_fee", "0")
	v.SetDefault("engine.fee_account", "exchange")
	v.SetDefault("engine.funding_rate_8h", "0.0001")
	v.SetDefault("engine.inviter_fee_rate", "0.1")
	v.SetDefault("engine.discount_fee_rate", "0.1")

	v.SetDefault("storage.cache_ttl", 30*time.Second)
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Oracle.MinAuthorizations < 1 {
		return fmt.Errorf("oracle.min_authorizations must be at least 1")
	}
	if len(cfg.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	seen := make(map[string]bool)
	for _, m := range cfg.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("market with empty symbol")
		}
		if seen[m.Symbol] {
			return fmt.Errorf("duplicate market %s", m.Symbol)
		}
		seen[m.Symbol] = true
	}
	return nil
}
