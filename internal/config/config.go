// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Venue       VenueConfig       `yaml:"venue"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	Tender      TenderConfig      `yaml:"tender"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Conversion  ConversionConfig  `yaml:"conversion"`
	SpotArb     SpotArbConfig     `yaml:"spot_arb"`
	Session     SessionConfig     `yaml:"session"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Audit       AuditConfig       `yaml:"audit"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name string `yaml:"name"`
}

// VenueConfig configures the RIT REST client
type VenueConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  Secret        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// 5xx and network failures
	MaxServerRetries int           `yaml:"max_server_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`

	// 429 handling; advised waits are multiplied by RateLimitUnit
	MaxRateLimitRetries  int           `yaml:"max_rate_limit_retries"`
	RateLimitUnit        time.Duration `yaml:"rate_limit_unit"`
	DefaultRateLimitWait float64       `yaml:"default_rate_limit_wait"`

	// Client-side throttle
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// InstrumentsConfig describes the composite relationship
type InstrumentsConfig struct {
	Composite         string             `yaml:"composite"`
	Constituents      []string           `yaml:"constituents"`
	Weights           map[string]float64 `yaml:"weights"`
	FXTicker          string             `yaml:"fx_ticker"`
	CompositeCurrency string             `yaml:"composite_currency"`
	CommonCurrency    string             `yaml:"common_currency"`
}

// TenderConfig contains decision thresholds, in common currency per share
type TenderConfig struct {
	MinEdge      float64 `yaml:"min_edge"`
	SafetyBuffer float64 `yaml:"safety_buffer"`
	// SidePerspective says whose side the venue's tender action field names
	SidePerspective string `yaml:"side_perspective"`
	// GrossWeight scales the offer quantity when projecting gross exposure
	GrossWeight float64 `yaml:"gross_weight"`
	// GrossLimitFallback is used when the venue does not report limits
	GrossLimitFallback float64 `yaml:"gross_limit_fallback"`
}

// ExecutionConfig drives the order slicer
type ExecutionConfig struct {
	MaxOrderSize   int64         `yaml:"max_order_size"`
	PassiveEnabled bool          `yaml:"passive_enabled"`
	LimitImprove   float64       `yaml:"limit_improve"`
	PassiveWait    time.Duration `yaml:"passive_wait"`
	ClipPause      time.Duration `yaml:"clip_pause"`
	MarketFee      float64       `yaml:"market_fee"`
	// FallbackSpread is already in common currency
	FallbackSpread float64 `yaml:"fallback_spread"`
}

// ConversionConfig describes the creation/redemption converters
type ConversionConfig struct {
	Enabled             bool    `yaml:"enabled"`
	BlockSize           int64   `yaml:"block_size"`
	CostPerBlock        float64 `yaml:"cost_per_block"`
	CreateConverter     string  `yaml:"create_converter"`
	RedeemConverter     string  `yaml:"redeem_converter"`
	FeeTicker           string  `yaml:"fee_ticker"`
	FlattenConstituents bool    `yaml:"flatten_constituents"`
}

// SpotArbConfig controls opportunistic composite-vs-basket trading
type SpotArbConfig struct {
	Enabled         bool          `yaml:"enabled"`
	CompositeClip   int64         `yaml:"composite_clip"`
	MinRelativeEdge float64       `yaml:"min_relative_edge"`
	Cooldown        time.Duration `yaml:"cooldown"`
}

// SessionConfig bounds the control loop
type SessionConfig struct {
	TickLimit        int           `yaml:"tick_limit"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	StatusEveryTicks int           `yaml:"status_every_ticks"`
	CancelOnExit     bool          `yaml:"cancel_on_exit"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	StdoutTraces  bool `yaml:"stdout_traces"`
	StdoutLogs    bool `yaml:"stdout_logs"`
}

// AuditConfig selects the optional audit sinks; empty values disable a sink
type AuditConfig struct {
	SQLitePath     string   `yaml:"sqlite_path"`
	RedisAddr      string   `yaml:"redis_addr"`
	RedisPassword  Secret   `yaml:"redis_password"`
	RedisStream    string   `yaml:"redis_stream"`
	RedisMaxLen    int64    `yaml:"redis_max_len"`
	WebsocketAddr  string   `yaml:"websocket_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Side perspectives for the tender action field
const (
	PerspectiveTrader       = "trader"
	PerspectiveCounterparty = "counterparty"
)

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Missing keys keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateVenue()...)
	errs = append(errs, c.validateInstruments()...)
	errs = append(errs, c.validateTender()...)
	errs = append(errs, c.validateExecution()...)
	errs = append(errs, c.validateConversion()...)
	errs = append(errs, c.validateSession()...)
	errs = append(errs, c.validateSystem()...)
	return errors.Join(errs...)
}

func (c *Config) validateVenue() []error {
	var errs []error
	if c.Venue.BaseURL == "" {
		errs = append(errs, ValidationError{Field: "venue.base_url", Message: "base URL is required"})
	}
	if c.Venue.APIKey == "" {
		errs = append(errs, ValidationError{Field: "venue.api_key", Message: "API key is required"})
	}
	if c.Venue.MaxServerRetries < 0 {
		errs = append(errs, ValidationError{Field: "venue.max_server_retries", Value: c.Venue.MaxServerRetries, Message: "must not be negative"})
	}
	if c.Venue.MaxRateLimitRetries < 0 {
		errs = append(errs, ValidationError{Field: "venue.max_rate_limit_retries", Value: c.Venue.MaxRateLimitRetries, Message: "must not be negative"})
	}
	if c.Venue.RateLimitUnit <= 0 {
		errs = append(errs, ValidationError{Field: "venue.rate_limit_unit", Value: c.Venue.RateLimitUnit, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateInstruments() []error {
	var errs []error
	in := c.Instruments
	if in.Composite == "" {
		errs = append(errs, ValidationError{Field: "instruments.composite", Message: "composite ticker is required"})
	}
	if len(in.Constituents) == 0 {
		errs = append(errs, ValidationError{Field: "instruments.constituents", Message: "at least one constituent is required"})
	}
	for _, t := range in.Constituents {
		if t == in.Composite {
			errs = append(errs, ValidationError{Field: "instruments.constituents", Value: t, Message: "composite cannot be its own constituent"})
		}
	}
	if in.CompositeCurrency != in.CommonCurrency && in.FXTicker == "" {
		errs = append(errs, ValidationError{
			Field:   "instruments.fx_ticker",
			Message: fmt.Sprintf("required when composite currency %s differs from common currency %s", in.CompositeCurrency, in.CommonCurrency),
		})
	}
	return errs
}

func (c *Config) validateTender() []error {
	var errs []error
	if c.Tender.MinEdge < 0 {
		errs = append(errs, ValidationError{Field: "tender.min_edge", Value: c.Tender.MinEdge, Message: "must not be negative"})
	}
	if c.Tender.SafetyBuffer < 0 {
		errs = append(errs, ValidationError{Field: "tender.safety_buffer", Value: c.Tender.SafetyBuffer, Message: "must not be negative"})
	}
	switch c.Tender.SidePerspective {
	case PerspectiveTrader, PerspectiveCounterparty:
	default:
		errs = append(errs, ValidationError{
			Field:   "tender.side_perspective",
			Value:   c.Tender.SidePerspective,
			Message: fmt.Sprintf("must be one of: %s, %s", PerspectiveTrader, PerspectiveCounterparty),
		})
	}
	return errs
}

func (c *Config) validateExecution() []error {
	var errs []error
	if c.Execution.MaxOrderSize <= 0 {
		errs = append(errs, ValidationError{Field: "execution.max_order_size", Value: c.Execution.MaxOrderSize, Message: "must be positive"})
	}
	if c.Execution.LimitImprove < 0 {
		errs = append(errs, ValidationError{Field: "execution.limit_improve", Value: c.Execution.LimitImprove, Message: "must not be negative"})
	}
	if c.Execution.FallbackSpread <= 0 {
		errs = append(errs, ValidationError{Field: "execution.fallback_spread", Value: c.Execution.FallbackSpread, Message: "must be positive"})
	}
	if c.Execution.PassiveWait < 0 {
		errs = append(errs, ValidationError{Field: "execution.passive_wait", Value: c.Execution.PassiveWait, Message: "must not be negative"})
	}
	if c.Execution.ClipPause < 0 {
		errs = append(errs, ValidationError{Field: "execution.clip_pause", Value: c.Execution.ClipPause, Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateConversion() []error {
	if !c.Conversion.Enabled {
		return nil
	}
	var errs []error
	if c.Conversion.BlockSize <= 0 {
		errs = append(errs, ValidationError{Field: "conversion.block_size", Value: c.Conversion.BlockSize, Message: "must be positive"})
	}
	if c.Conversion.CreateConverter == "" && c.Conversion.RedeemConverter == "" {
		errs = append(errs, ValidationError{Field: "conversion", Message: "at least one converter must be named when enabled"})
	}
	return errs
}

func (c *Config) validateSession() []error {
	var errs []error
	if c.Session.TickLimit <= 0 {
		errs = append(errs, ValidationError{Field: "session.tick_limit", Value: c.Session.TickLimit, Message: "must be positive"})
	}
	if c.Session.PollInterval <= 0 {
		errs = append(errs, ValidationError{Field: "session.poll_interval", Value: c.Session.PollInterval, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateSystem() []error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	for _, l := range validLevels {
		if strings.ToUpper(c.System.LogLevel) == l {
			return nil
		}
	}
	return []error{ValidationError{
		Field:   "system.log_level",
		Value:   c.System.LogLevel,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
	}}
}

// ConversionCostPerShare is the fixed per-share cost of one conversion
func (c *Config) ConversionCostPerShare() float64 {
	if c.Conversion.BlockSize <= 0 {
		return 0
	}
	return c.Conversion.CostPerBlock / float64(c.Conversion.BlockSize)
}

// String returns a YAML rendering with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// DefaultConfig returns the RIT ETF case defaults
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "etf_arb"},
		Venue: VenueConfig{
			BaseURL:              "http://localhost:9999/v1",
			Timeout:              5 * time.Second,
			MaxServerRetries:     4,
			BackoffBase:          500 * time.Millisecond,
			BackoffMax:           8 * time.Second,
			MaxRateLimitRetries:  5,
			RateLimitUnit:        time.Second,
			DefaultRateLimitWait: 1,
			RequestsPerSecond:    20,
			Burst:                5,
		},
		Instruments: InstrumentsConfig{
			Composite:         "RITC",
			Constituents:      []string{"BULL", "BEAR"},
			FXTicker:          "USD",
			CompositeCurrency: "USD",
			CommonCurrency:    "CAD",
		},
		Tender: TenderConfig{
			MinEdge:            0.03,
			SafetyBuffer:       0.01,
			SidePerspective:    PerspectiveCounterparty,
			GrossWeight:        2,
			GrossLimitFallback: 0,
		},
		Execution: ExecutionConfig{
			MaxOrderSize:   10000,
			PassiveEnabled: true,
			LimitImprove:   0.01,
			PassiveWait:    600 * time.Millisecond,
			ClipPause:      50 * time.Millisecond,
			MarketFee:      0.02,
			FallbackSpread: 0.04,
		},
		Conversion: ConversionConfig{
			Enabled:             true,
			BlockSize:           10000,
			CostPerBlock:        1500,
			CreateConverter:     "ETF-Creation",
			RedeemConverter:     "ETF-Redemption",
			FeeTicker:           "CAD",
			FlattenConstituents: true,
		},
		SpotArb: SpotArbConfig{
			Enabled:         false,
			CompositeClip:   1000,
			MinRelativeEdge: 0.0015,
			Cooldown:        time.Second,
		},
		Session: SessionConfig{
			TickLimit:        300,
			PollInterval:     250 * time.Millisecond,
			StatusEveryTicks: 5,
			CancelOnExit:     true,
			ShutdownTimeout:  5 * time.Second,
		},
		System: SystemConfig{LogLevel: "INFO"},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Audit: AuditConfig{
			RedisStream: "etf_arb:events",
			RedisMaxLen: 10000,
		},
	}
}
