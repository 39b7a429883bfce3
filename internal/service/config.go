// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full engine configuration loaded from config/config.yaml.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Breakout   BreakoutConfig   `mapstructure:"breakout"`
	Entry      EscalationConfig `mapstructure:"entry"`
	Exit       EscalationConfig `mapstructure:"exit"`
	StopLoss   StopLossConfig   `mapstructure:"stop_loss"`
	Trailing   TrailingConfig   `mapstructure:"trailing"`
	Session    SessionConfig    `mapstructure:"session"`
	Store      StoreConfig      `mapstructure:"store"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

// BrokerConfig describes the REST order gateway.
type BrokerConfig struct {
	Mode        string        `mapstructure:"mode"` // live | paper
	RESTURL     string        `mapstructure:"rest_url"`
	APIKey      string        `mapstructure:"api_key"`
	AccessToken string        `mapstructure:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// FeedConfig describes the push tick feed.
type FeedConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	AccessToken      string        `mapstructure:"access_token"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxRestarts      int           `mapstructure:"max_restarts"`
	RestartBackoff   time.Duration `mapstructure:"restart_backoff"`
}

// InstrumentConfig is the single traded contract.
type InstrumentConfig struct {
	Symbol      string  `mapstructure:"symbol"`
	Lots        int     `mapstructure:"lots"`
	LotSize     int     `mapstructure:"lot_size"`
	TickSize    float64 `mapstructure:"tick_size"`
	ProductType string  `mapstructure:"product_type"`
	Validity    string  `mapstructure:"validity"`
}

// Qty is the order quantity in units.
func (c InstrumentConfig) Qty() int {
	return c.Lots * c.LotSize
}

// BreakoutConfig optionally seeds the thresholds; 0 means "not set".
type BreakoutConfig struct {
	High float64 `mapstructure:"high"`
	Low  float64 `mapstructure:"low"`
}

// EscalationConfig parameterizes one OrderEscalator.
type EscalationConfig struct {
	OffsetPct       float64       `mapstructure:"offset_pct"`
	StepMultiplier  float64       `mapstructure:"step_multiplier"`
	SettleInterval  time.Duration `mapstructure:"settle_interval"`
	RepriceInterval time.Duration `mapstructure:"reprice_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// StopLossConfig sets the fixed stop offset from entry.
type StopLossConfig struct {
	OffsetPct float64 `mapstructure:"offset_pct"`
}

// TierConfig is one row of a trailing window table.
type TierConfig struct {
	MinR  float64 `mapstructure:"min_r"`
	LockR float64 `mapstructure:"lock_r"`
}

// TrailingWindowConfig is a time-of-day window with its own tier table.
type TrailingWindowConfig struct {
	Start string       `mapstructure:"start"` // HH:MM
	End   string       `mapstructure:"end"`   // HH:MM, exclusive
	Tiers []TierConfig `mapstructure:"tiers"`
}

// TrailingConfig drives the trailing-stop controller.
type TrailingConfig struct {
	Interval   time.Duration          `mapstructure:"interval"`
	Resolution string                 `mapstructure:"resolution"`
	StartDelay time.Duration          `mapstructure:"start_delay"`
	Windows    []TrailingWindowConfig `mapstructure:"windows"`
}

// SessionConfig holds the session deadlines, in the exchange time zone.
type SessionConfig struct {
	Timezone         string `mapstructure:"timezone"`
	BreakoutDeadline string `mapstructure:"breakout_deadline"` // HH:MM
	EndOfDay         string `mapstructure:"end_of_day"`        // HH:MM
	DryRun           bool   `mapstructure:"dry_run"`
}

// Location resolves the configured time zone.
func (c SessionConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// StoreConfig selects the persisted-state backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | badger | memory
	Path   string `mapstructure:"path"`
}

// NotifyConfig configures operator alerts.
type NotifyConfig struct {
	SlackWebhook string        `mapstructure:"slack_webhook"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures zap and the optional rotating file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// setDefaults mirrors the values the strategy has traded with.
func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.timeout", "10s")

	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.max_restarts", 3)
	v.SetDefault("feed.restart_backoff", "5s")

	v.SetDefault("instrument.lots", 1)
	v.SetDefault("instrument.lot_size", 1)
	v.SetDefault("instrument.tick_size", 1.0)
	v.SetDefault("instrument.product_type", "INTRADAY")
	v.SetDefault("instrument.validity", "DAY")

	for _, side := range []string{"entry", "exit"} {
		v.SetDefault(side+".offset_pct", 0.05)
		v.SetDefault(side+".step_multiplier", 1.0)
		v.SetDefault(side+".settle_interval", "2s")
		v.SetDefault(side+".reprice_interval", "3s")
		v.SetDefault(side+".max_attempts", 5)
	}

	v.SetDefault("stop_loss.offset_pct", 0.3)

	v.SetDefault("trailing.interval", "1m")
	v.SetDefault("trailing.resolution", "1m")
	v.SetDefault("trailing.start_delay", "5s")

	v.SetDefault("session.timezone", "Asia/Kolkata")
	v.SetDefault("session.breakout_deadline", "10:30")
	v.SetDefault("session.end_of_day", "15:13")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/libertyflow.db")

	v.SetDefault("notify.timeout", "5s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":9108")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
}

// LoadConfig reads config.yaml from configPath, overlays LIBERTYFLOW_* env
// vars and any flags bound in fs, then validates the result.
func LoadConfig(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 设置配置文件的名称、类型和路径
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("LIBERTYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// secrets usually live in .env under their conventional names
	_ = v.BindEnv("broker.access_token", "LIBERTYFLOW_BROKER_ACCESS_TOKEN", "BROKER_ACCESS_TOKEN")
	_ = v.BindEnv("broker.api_key", "LIBERTYFLOW_BROKER_API_KEY", "BROKER_API_KEY")
	_ = v.BindEnv("feed.access_token", "LIBERTYFLOW_FEED_ACCESS_TOKEN", "BROKER_ACCESS_TOKEN")
	_ = v.BindEnv("notify.slack_webhook", "LIBERTYFLOW_NOTIFY_SLACK_WEBHOOK", "SLACK_WEBHOOK_URL")

	if fs != nil {
		bindFlag(v, fs, "session.dry_run", "dry-run")
		bindFlag(v, fs, "instrument.symbol", "symbol")
		bindFlag(v, fs, "breakout.high", "high")
		bindFlag(v, fs, "breakout.low", "low")
		bindFlag(v, fs, "log.level", "log-level")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Trailing.Windows) == 0 {
		cfg.Trailing.Windows = DefaultTrailingWindows()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindFlag(v *viper.Viper, fs *pflag.FlagSet, key, name string) {
	if f := fs.Lookup(name); f != nil {
		_ = v.BindPFlag(key, f)
	}
}

// DefaultTiers is the profit-lock table used when none is configured.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{MinR: 1, LockR: -0.5},
		{MinR: 2, LockR: 0.5},
		{MinR: 2.5, LockR: 1},
		{MinR: 3, LockR: 1.25},
		{MinR: 3.25, LockR: 1.5},
		{MinR: 3.5, LockR: 1.75},
	}
}

// DefaultTrailingWindows splits the trading day into three windows that
// share the default tier table.
func DefaultTrailingWindows() []TrailingWindowConfig {
	return []TrailingWindowConfig{
		{Start: "09:15", End: "11:30", Tiers: DefaultTiers()},
		{Start: "11:30", End: "13:30", Tiers: DefaultTiers()},
		{Start: "13:30", End: "15:30", Tiers: DefaultTiers()},
	}
}

// Validate rejects configurations the engine cannot trade with.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Instrument.Symbol) == "" {
		errs = append(errs, errors.New("instrument.symbol is required"))
	}
	if c.Instrument.Qty() <= 0 {
		errs = append(errs, errors.New("instrument.lots * instrument.lot_size must be positive"))
	}
	if c.Instrument.TickSize <= 0 {
		errs = append(errs, errors.New("instrument.tick_size must be positive"))
	}
	for name, e := range map[string]EscalationConfig{"entry": c.Entry, "exit": c.Exit} {
		if e.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("%s.max_attempts must be >= 1", name))
		}
		if e.OffsetPct < 0 || e.StepMultiplier < 0 {
			errs = append(errs, fmt.Errorf("%s offsets must not be negative", name))
		}
		if e.SettleInterval < 0 || e.RepriceInterval < 0 {
			errs = append(errs, fmt.Errorf("%s intervals must not be negative", name))
		}
	}
	if c.StopLoss.OffsetPct <= 0 {
		errs = append(errs, errors.New("stop_loss.offset_pct must be positive"))
	}
	if c.Trailing.Interval <= 0 {
		errs = append(errs, errors.New("trailing.interval must be positive"))
	}
	if _, err := ParseIntervalDuration(c.Trailing.Resolution); err != nil {
		errs = append(errs, fmt.Errorf("trailing.resolution: %w", err))
	}
	for i, w := range c.Trailing.Windows {
		if _, err := ParseClock(w.Start); err != nil {
			errs = append(errs, fmt.Errorf("trailing.windows[%d].start: %w", i, err))
		}
		if _, err := ParseClock(w.End); err != nil {
			errs = append(errs, fmt.Errorf("trailing.windows[%d].end: %w", i, err))
		}
	}
	if _, err := ParseClock(c.Session.BreakoutDeadline); err != nil {
		errs = append(errs, fmt.Errorf("session.breakout_deadline: %w", err))
	}
	if _, err := ParseClock(c.Session.EndOfDay); err != nil {
		errs = append(errs, fmt.Errorf("session.end_of_day: %w", err))
	}
	if _, err := c.Session.Location(); err != nil {
		errs = append(errs, fmt.Errorf("session.timezone: %w", err))
	}
	switch c.Broker.Mode {
	case "paper":
	case "live":
		if c.Broker.RESTURL == "" {
			errs = append(errs, errors.New("broker.rest_url is required in live mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.mode %q is not one of live|paper", c.Broker.Mode))
	}
	if c.Feed.WSURL == "" {
		errs = append(errs, errors.New("feed.ws_url is required"))
	}
	switch c.Store.Driver {
	case "sqlite", "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite|badger|memory", c.Store.Driver))
	}

	return errors.Join(errs...)
}
