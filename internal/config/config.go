// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Script      ScriptConfig      `yaml:"script"`
	Trading     TradingConfig     `yaml:"trading"`
	System      SystemConfig      `yaml:"system"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// ExchangeConfig contains exchange endpoints and credentials
type ExchangeConfig struct {
	RestURL     string `yaml:"rest_url"`
	WsAPIURL    string `yaml:"ws_api_url"`
	WsStreamURL string `yaml:"ws_stream_url"`
	APIKey      Secret `yaml:"api_key"`
	SecretKey   Secret `yaml:"secret_key"`
}

// ServerConfig contains the client-facing WebSocket server settings.
// APIKey is the static key every handshake must present.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	APIKey      Secret `yaml:"api_key"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres, sqlite or memory
	URL    string `yaml:"url"`    // postgres connection string
	Path   string `yaml:"path"`   // sqlite file path
}

// ScriptConfig contains the script-host subprocess settings
type ScriptConfig struct {
	ExecutorPath string `yaml:"executor_path"`
	ExecutorHash string `yaml:"executor_hash"` // hex SHA-256 of the executor binary
	PythonBin    string `yaml:"python_bin"`
	AlgoDir      string `yaml:"algo_dir"`
	ShmemDir     string `yaml:"shmem_dir"`
	SocketDir    string `yaml:"socket_dir"`
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	Symbol             string `yaml:"symbol"`
	RestartCooldownSec int    `yaml:"restart_cooldown_sec"`
	MaxRestartAttempts int    `yaml:"max_restart_attempts"`
	AnchorIntervalSec  int    `yaml:"anchor_interval_sec"`
	PriceCacheTTLSec   int    `yaml:"price_cache_ttl_sec"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	BroadcastPoolSize   int `yaml:"broadcast_pool_size"`
	BroadcastPoolBuffer int `yaml:"broadcast_pool_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains optional webhook channels for operational alerts.
// Empty values disable the corresponding channel.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
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

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Script.PythonBin == "" {
		c.Script.PythonBin = "python3"
	}
	if c.Script.AlgoDir == "" {
		c.Script.AlgoDir = "trading_algos"
	}
	if c.Script.ShmemDir == "" {
		c.Script.ShmemDir = "shmem"
	}
	if c.Script.SocketDir == "" {
		c.Script.SocketDir = "sockets"
	}
	if c.Trading.Symbol == "" {
		c.Trading.Symbol = "BTCUSDT"
	}
	if c.Trading.RestartCooldownSec == 0 {
		c.Trading.RestartCooldownSec = 10
	}
	if c.Trading.MaxRestartAttempts == 0 {
		c.Trading.MaxRestartAttempts = 5
	}
	if c.Trading.AnchorIntervalSec == 0 {
		c.Trading.AnchorIntervalSec = 60
	}
	if c.Trading.PriceCacheTTLSec == 0 {
		c.Trading.PriceCacheTTLSec = 10
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Concurrency.BroadcastPoolSize == 0 {
		c.Concurrency.BroadcastPoolSize = 10
	}
	if c.Concurrency.BroadcastPoolBuffer == 0 {
		c.Concurrency.BroadcastPoolBuffer = 1000
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDatabaseConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateScriptConfig(); err != nil {
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

func (c *Config) validateExchangeConfig() error {
	if c.Exchange.RestURL == "" {
		return ValidationError{
			Field:   "exchange.rest_url",
			Message: "REST endpoint is required",
		}
	}
	if c.Exchange.WsStreamURL == "" {
		return ValidationError{
			Field:   "exchange.ws_stream_url",
			Message: "market stream endpoint is required",
		}
	}
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required",
		}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange.secret_key",
			Message: "secret key is required",
		}
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.APIKey == "" {
		return ValidationError{
			Field:   "server.api_key",
			Message: "static client API key is required",
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	validDrivers := []string{"postgres", "sqlite", "memory"}
	if !contains(validDrivers, c.Database.Driver) {
		return ValidationError{
			Field:   "database.driver",
			Value:   c.Database.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return ValidationError{
			Field:   "database.url",
			Message: "connection string is required for the postgres driver",
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return ValidationError{
			Field:   "database.path",
			Message: "file path is required for the sqlite driver",
		}
	}
	return nil
}

func (c *Config) validateScriptConfig() error {
	if c.Script.ExecutorPath == "" {
		return ValidationError{
			Field:   "script.executor_path",
			Message: "script-host binary path is required",
		}
	}
	if c.Script.ExecutorHash == "" {
		return ValidationError{
			Field:   "script.executor_hash",
			Message: "script-host binary hash pin is required",
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

// String returns a string representation of the configuration. Credentials are
// Secret values and redact themselves during marshaling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
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
	cfg := &Config{
		Exchange: ExchangeConfig{
			RestURL:     "https://testnet.binance.vision",
			WsAPIURL:    "wss://ws-api.testnet.binance.vision/ws-api/v3",
			WsStreamURL: "wss://stream.testnet.binance.vision/ws",
			APIKey:      "test_api_key",
			SecretKey:   "test_secret_key",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			APIKey:     "test_client_key",
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Script: ScriptConfig{
			ExecutorPath: "./pyexec",
			ExecutorHash: strings.Repeat("0", 64),
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
	}
	cfg.applyDefaults()
	return cfg
}
