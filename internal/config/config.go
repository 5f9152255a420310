// Package config provides configuration management for the straddle bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultMaxRiskPct is used when trade.max_risk_pct is unset (2% of equity).
	defaultMaxRiskPct = 0.02
	// defaultMaxSpreadPct is used when trade.max_spread_pct is unset (20% of ask).
	defaultMaxSpreadPct = 0.20
	// defaultOrderTimeout bounds fill polling per placement attempt.
	defaultOrderTimeout = "30s"
	// defaultPollInterval is the fill polling cadence.
	defaultPollInterval = "1s"
	// defaultMaxRetries bounds repricing attempts per leg.
	defaultMaxRetries = 3
	// defaultCrossCeiling caps the limit price at ask*ceiling on wide spreads.
	defaultCrossCeiling = 1.01
	// defaultEntryCutoff is the latest ET clock time a 0DTE entry is allowed.
	defaultEntryCutoff = "15:30"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Trade       TradeConfig       `yaml:"trade"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
}

// OracleConfig defines underlying price resolution settings.
type OracleConfig struct {
	Symbol     string  `yaml:"symbol"`      // underlying index symbol, e.g. SPX
	OptionRoot string  `yaml:"option_root"` // option root, e.g. SPXW
	MinPrice   float64 `yaml:"min_price"`   // sane band lower bound
	MaxPrice   float64 `yaml:"max_price"`   // sane band upper bound
	Retries    int     `yaml:"retries"`     // attempts per source
	Backoff    string  `yaml:"backoff"`     // initial backoff between attempts
}

// TradeConfig defines straddle selection and sizing parameters.
type TradeConfig struct {
	MaxRiskPct   float64 `yaml:"max_risk_pct"`   // fraction of equity risked per trade
	MaxSpreadPct float64 `yaml:"max_spread_pct"` // per-leg spread filter, fraction of ask
	CostBuffer   float64 `yaml:"cost_buffer"`    // estimated-cost buffer, e.g. 0.02
	// RefuseOnExisting aborts the cycle when same-root option positions
	// already exist at the broker.
	RefuseOnExisting bool `yaml:"refuse_on_existing"`
}

// ExecutionConfig defines the two-leg order execution parameters.
type ExecutionConfig struct {
	OrderTimeout string  `yaml:"order_timeout"` // per-placement fill budget
	PollInterval string  `yaml:"poll_interval"` // fill polling cadence
	MaxRetries   int     `yaml:"max_retries"`   // repricing attempts per leg
	CrossCeiling float64 `yaml:"cross_ceiling"` // limit cap as multiple of ask
	TickSize     float64 `yaml:"tick_size"`     // limit price increment
}

// ScheduleConfig defines the market session settings.
type ScheduleConfig struct {
	Timezone    string `yaml:"timezone"`     // e.g. "America/New_York"
	EntryCutoff string `yaml:"entry_cutoff"` // "HH:MM", latest 0DTE entry
}

// StorageConfig defines trade record persistence settings.
type StorageConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// DashboardConfig defines the read-only status server settings.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Oracle.Symbol == "" {
		c.Oracle.Symbol = "SPX"
	}
	if c.Oracle.OptionRoot == "" {
		c.Oracle.OptionRoot = "SPXW"
	}
	if c.Oracle.MinPrice == 0 {
		c.Oracle.MinPrice = 3000
	}
	if c.Oracle.MaxPrice == 0 {
		c.Oracle.MaxPrice = 7000
	}
	if c.Oracle.Retries == 0 {
		c.Oracle.Retries = 3
	}
	if c.Oracle.Backoff == "" {
		c.Oracle.Backoff = "2s"
	}
	if c.Trade.MaxRiskPct == 0 {
		c.Trade.MaxRiskPct = defaultMaxRiskPct
	}
	if c.Trade.MaxSpreadPct == 0 {
		c.Trade.MaxSpreadPct = defaultMaxSpreadPct
	}
	if c.Trade.CostBuffer == 0 {
		c.Trade.CostBuffer = 0.02
	}
	if c.Execution.OrderTimeout == "" {
		c.Execution.OrderTimeout = defaultOrderTimeout
	}
	if c.Execution.PollInterval == "" {
		c.Execution.PollInterval = defaultPollInterval
	}
	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = defaultMaxRetries
	}
	if c.Execution.CrossCeiling == 0 {
		c.Execution.CrossCeiling = defaultCrossCeiling
	}
	if c.Execution.TickSize == 0 {
		c.Execution.TickSize = 0.01
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.EntryCutoff == "" {
		c.Schedule.EntryCutoff = defaultEntryCutoff
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "trades.db"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}

	if c.Oracle.MinPrice <= 0 || c.Oracle.MaxPrice <= c.Oracle.MinPrice {
		return fmt.Errorf("oracle price band [%.0f, %.0f] invalid", c.Oracle.MinPrice, c.Oracle.MaxPrice)
	}
	if c.Oracle.Retries <= 0 {
		return fmt.Errorf("oracle.retries must be > 0")
	}
	if _, err := time.ParseDuration(c.Oracle.Backoff); err != nil {
		return fmt.Errorf("oracle.backoff invalid: %w", err)
	}

	if c.Trade.MaxRiskPct <= 0 || c.Trade.MaxRiskPct > 0.5 {
		return fmt.Errorf("trade.max_risk_pct must be in (0, 0.5]")
	}
	if c.Trade.MaxSpreadPct <= 0 || c.Trade.MaxSpreadPct >= 1 {
		return fmt.Errorf("trade.max_spread_pct must be in (0, 1)")
	}
	if c.Trade.CostBuffer < 0 || c.Trade.CostBuffer > 0.2 {
		return fmt.Errorf("trade.cost_buffer must be in [0, 0.2]")
	}

	if _, err := time.ParseDuration(c.Execution.OrderTimeout); err != nil {
		return fmt.Errorf("execution.order_timeout invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Execution.PollInterval); err != nil {
		return fmt.Errorf("execution.poll_interval invalid: %w", err)
	}
	if c.Execution.MaxRetries <= 0 {
		return fmt.Errorf("execution.max_retries must be > 0")
	}
	if c.Execution.CrossCeiling < 1.0 || c.Execution.CrossCeiling > 1.1 {
		return fmt.Errorf("execution.cross_ceiling must be in [1.0, 1.1]")
	}
	if c.Execution.TickSize <= 0 {
		return fmt.Errorf("execution.tick_size must be > 0")
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	if _, err := time.ParseInLocation("15:04", c.Schedule.EntryCutoff, loc); err != nil {
		return fmt.Errorf("schedule.entry_cutoff invalid: %w", err)
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// OrderTimeout returns the parsed per-placement fill budget.
func (c *Config) OrderTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.OrderTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// PollInterval returns the parsed fill polling cadence.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Execution.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// OracleBackoff returns the parsed initial backoff for price source retries.
func (c *Config) OracleBackoff() time.Duration {
	d, err := time.ParseDuration(c.Oracle.Backoff)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// Location returns the configured market timezone, falling back to a fixed
// ET offset in minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}
