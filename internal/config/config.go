// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Venue     VenueConfig     `yaml:"venue"`
	Feed      FeedConfig      `yaml:"feed"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertConfig     `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Mode         string   `yaml:"mode"`     // "live" or "backtest"
	StrategyType string   `yaml:"strategy"` // "sma_cross" or "noop"
	Symbols      []string `yaml:"symbols"`
	DatabasePath string   `yaml:"database_path"`
	InitialCash  float64  `yaml:"initial_cash"`

	// Strategy parameters
	SMAShortWindow int     `yaml:"sma_short_window"`
	SMALongWindow  int     `yaml:"sma_long_window"`
	OrderQty       float64 `yaml:"order_quantity"`
}

// VenueConfig contains venue gateway settings
type VenueConfig struct {
	Name         string `yaml:"name"` // "sim" or an external gateway name
	APIKey       Secret `yaml:"api_key"`
	SecretKey    Secret `yaml:"secret_key"`
	FillSchedule string `yaml:"fill_schedule"` // sim venue only: path to a recorded fill schedule
}

// FeedConfig contains market data feed settings
type FeedConfig struct {
	Type           string `yaml:"type"` // "replay" or "websocket"
	Path           string `yaml:"path"` // replay only
	URL            string `yaml:"url"`  // websocket only
	ReconnectDelay int    `yaml:"reconnect_delay_seconds"`
}

// RiskConfig contains risk limits
type RiskConfig struct {
	PositionLimits  map[string]float64 `yaml:"position_limits"` // per-symbol absolute quantity bound
	DefaultPosLimit float64            `yaml:"default_position_limit"`
	NotionalCap     float64            `yaml:"notional_cap"` // gross exposure cap across positions
	RatePerWindow   int                `yaml:"rate_per_window"`
	RateWindow      time.Duration      `yaml:"rate_window"`

	// Scaled quantities are rounded down to a multiple of this step so the
	// venue never sees a precision it rejects. Zero disables snapping.
	QuantityStep float64 `yaml:"quantity_step"`
}

// ExecutionConfig contains order lifecycle parameters
type ExecutionConfig struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	MaxSubmitRetries int           `yaml:"max_submit_retries"`
	QueryAttempts    int           `yaml:"query_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	WorkerPoolSize   int           `yaml:"worker_pool_size"`
	WorkerPoolBuffer int           `yaml:"worker_pool_buffer"`
}

// ReconcileConfig contains reconciliation settings
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel           string        `yaml:"log_level"`
	CancelOnExit       bool          `yaml:"cancel_on_exit"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"` // zero disables periodic checkpoints
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig contains operator alert channel settings. All channels are
// optional; unconfigured channels are silent no-ops.
type AlertConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	WebhookURL       string `yaml:"webhook_url"`
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

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateFeedConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExecutionConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateReconcileConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validModes := []string{"live", "backtest"}
	if !contains(validModes, c.App.Mode) {
		return ValidationError{
			Field:   "app.mode",
			Value:   c.App.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}

	validStrategies := []string{"sma_cross", "noop"}
	if !contains(validStrategies, c.App.StrategyType) {
		return ValidationError{
			Field:   "app.strategy",
			Value:   c.App.StrategyType,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validStrategies, ", ")),
		}
	}

	if len(c.App.Symbols) == 0 {
		return ValidationError{
			Field:   "app.symbols",
			Message: "at least one symbol is required",
		}
	}

	if c.App.StrategyType == "sma_cross" {
		if c.App.SMAShortWindow <= 0 || c.App.SMALongWindow <= c.App.SMAShortWindow {
			return ValidationError{
				Field:   "app.sma_long_window",
				Value:   c.App.SMALongWindow,
				Message: "long window must exceed a positive short window",
			}
		}
		if c.App.OrderQty <= 0 {
			return ValidationError{
				Field:   "app.order_quantity",
				Value:   c.App.OrderQty,
				Message: "order quantity must be positive",
			}
		}
	}

	return nil
}

func (c *Config) validateFeedConfig() error {
	switch c.Feed.Type {
	case "replay":
		if c.Feed.Path == "" {
			return ValidationError{
				Field:   "feed.path",
				Message: "replay feed requires a file path",
			}
		}
	case "websocket":
		if c.Feed.URL == "" {
			return ValidationError{
				Field:   "feed.url",
				Message: "websocket feed requires a URL",
			}
		}
	default:
		return ValidationError{
			Field:   "feed.type",
			Value:   c.Feed.Type,
			Message: "must be one of: replay, websocket",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.DefaultPosLimit <= 0 {
		return ValidationError{
			Field:   "risk.default_position_limit",
			Value:   c.Risk.DefaultPosLimit,
			Message: "default position limit must be positive",
		}
	}
	for sym, limit := range c.Risk.PositionLimits {
		if limit <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("risk.position_limits.%s", sym),
				Value:   limit,
				Message: "position limit must be positive",
			}
		}
	}
	if c.Risk.NotionalCap <= 0 {
		return ValidationError{
			Field:   "risk.notional_cap",
			Value:   c.Risk.NotionalCap,
			Message: "notional cap must be positive",
		}
	}
	if c.Risk.RatePerWindow <= 0 {
		return ValidationError{
			Field:   "risk.rate_per_window",
			Value:   c.Risk.RatePerWindow,
			Message: "rate limit must be positive",
		}
	}
	if c.Risk.RateWindow <= 0 {
		return ValidationError{
			Field:   "risk.rate_window",
			Value:   c.Risk.RateWindow,
			Message: "rate window must be positive",
		}
	}
	if c.Risk.QuantityStep < 0 {
		return ValidationError{
			Field:   "risk.quantity_step",
			Value:   c.Risk.QuantityStep,
			Message: "quantity step must not be negative",
		}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	if c.Execution.AckTimeout <= 0 {
		return ValidationError{
			Field:   "execution.ack_timeout",
			Value:   c.Execution.AckTimeout,
			Message: "ack timeout must be positive",
		}
	}
	if c.Execution.QueryAttempts <= 0 {
		return ValidationError{
			Field:   "execution.query_attempts",
			Value:   c.Execution.QueryAttempts,
			Message: "query attempts must be positive",
		}
	}
	if c.Execution.BackoffBase <= 0 || c.Execution.BackoffMax < c.Execution.BackoffBase {
		return ValidationError{
			Field:   "execution.backoff_base",
			Value:   c.Execution.BackoffBase,
			Message: "backoff base must be positive and no greater than backoff max",
		}
	}
	return nil
}

func (c *Config) validateReconcileConfig() error {
	if c.Reconcile.Interval <= 0 {
		return ValidationError{
			Field:   "reconcile.interval",
			Value:   c.Reconcile.Interval,
			Message: "reconcile interval must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// PositionLimit returns the configured bound for a symbol, falling back to the default
func (c *RiskConfig) PositionLimit(symbol string) float64 {
	if limit, ok := c.PositionLimits[symbol]; ok {
		return limit
	}
	return c.DefaultPosLimit
}

// String returns a string representation of the configuration.
// Secret fields redact themselves.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Mode:           "backtest",
			StrategyType:   "sma_cross",
			Symbols:        []string{"BTCUSDT"},
			DatabasePath:   "trading_bot.db",
			InitialCash:    100000,
			SMAShortWindow: 5,
			SMALongWindow:  20,
			OrderQty:       1,
		},
		Venue: VenueConfig{
			Name: "sim",
		},
		Feed: FeedConfig{
			Type:           "replay",
			Path:           "testdata/events.jsonl",
			ReconnectDelay: 5,
		},
		Risk: RiskConfig{
			PositionLimits:  map[string]float64{"BTCUSDT": 60},
			DefaultPosLimit: 100,
			NotionalCap:     1000000,
			RatePerWindow:   10,
			RateWindow:      time.Minute,
			QuantityStep:    0.0001,
		},
		Execution: ExecutionConfig{
			AckTimeout:       5 * time.Second,
			MaxSubmitRetries: 3,
			QueryAttempts:    3,
			BackoffBase:      200 * time.Millisecond,
			BackoffMax:       5 * time.Second,
			WorkerPoolSize:   4,
			WorkerPoolBuffer: 256,
		},
		Reconcile: ReconcileConfig{
			Interval: time.Minute,
			Timeout:  30 * time.Second,
		},
		System: SystemConfig{
			LogLevel:           "INFO",
			CancelOnExit:       true,
			CheckpointInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
	}
}
