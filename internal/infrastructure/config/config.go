package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Smarther MQTT bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Database DatabaseConfig `yaml:"database"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	BaseTopic string              `yaml:"base_topic"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// CloudConfig contains Smarther C2C API settings.
//
// ClientID, ClientSecret and SubscriptionKey come from the Legrand
// developer portal. They are credentials and should be supplied via
// environment variables rather than the config file.
type CloudConfig struct {
	BaseURL         string `yaml:"base_url"`
	TokenURL        string `yaml:"token_url"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	SubscriptionKey string `yaml:"subscription_key"`

	// RequestTimeout is the per-request HTTP timeout (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// PollInterval is how often the full topology and device state are
	// re-fetched (seconds). Polling is the authoritative reconcile source;
	// webhook pushes only reduce latency.
	PollInterval int `yaml:"poll_interval"`

	// TokenRefreshMargin is the minimum remaining token lifetime (seconds)
	// before a refresh is forced.
	TokenRefreshMargin int `yaml:"token_refresh_margin"`
}

// WebhookConfig contains the optional push notification settings.
// An empty Endpoint disables the webhook server entirely.
type WebhookConfig struct {
	// Endpoint is the externally reachable base URL registered with the
	// cloud API (e.g. "https://bridge.example.com").
	Endpoint string `yaml:"endpoint"`

	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// BridgeConfig contains reconciler and retry policy settings.
type BridgeConfig struct {
	// CommandDeadline is how long a pending command may wait for cloud
	// confirmation before it is dropped (seconds).
	CommandDeadline int `yaml:"command_deadline"`

	// RetryMaxAttempts bounds retries for transient command failures.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// RetryInitialDelay and RetryMaxDelay shape the exponential backoff
	// between command retries (seconds).
	RetryInitialDelay int `yaml:"retry_initial_delay"`
	RetryMaxDelay     int `yaml:"retry_max_delay"`

	// OfflineQueueSize bounds commands queued while the cloud or broker
	// is unreachable. Oldest entries are dropped with an error status.
	OfflineQueueSize int `yaml:"offline_queue_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SMARTHER_SECTION_KEY
// For example: SMARTHER_MQTT_HOST, SMARTHER_CLOUD_CLIENT_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "smarther-mqtt-bridge",
			},
			QoS:       1,
			BaseTopic: "smarther",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Cloud: CloudConfig{
			BaseURL:            "https://api.developer.legrand.com/smarther/v2.0",
			TokenURL:           "https://partners-login.eliotbylegrand.com/token",
			RequestTimeout:     15,
			PollInterval:       90,
			TokenRefreshMargin: 60,
		},
		Webhook: WebhookConfig{
			ListenHost: "0.0.0.0",
			ListenPort: 8080,
		},
		Database: DatabaseConfig{
			Path:        "./data/smarther-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Bridge: BridgeConfig{
			CommandDeadline:   60,
			RetryMaxAttempts:  4,
			RetryInitialDelay: 2,
			RetryMaxDelay:     30,
			OfflineQueueSize:  64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SMARTHER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("SMARTHER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SMARTHER_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("SMARTHER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SMARTHER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("SMARTHER_MQTT_BASE_TOPIC"); v != "" {
		cfg.MQTT.BaseTopic = v
	}

	// Cloud credentials (always prefer environment for secrets)
	if v := os.Getenv("SMARTHER_CLOUD_CLIENT_ID"); v != "" {
		cfg.Cloud.ClientID = v
	}
	if v := os.Getenv("SMARTHER_CLOUD_CLIENT_SECRET"); v != "" {
		cfg.Cloud.ClientSecret = v
	}
	if v := os.Getenv("SMARTHER_CLOUD_SUBSCRIPTION_KEY"); v != "" {
		cfg.Cloud.SubscriptionKey = v
	}

	// Webhook
	if v := os.Getenv("SMARTHER_WEBHOOK_ENDPOINT"); v != "" {
		cfg.Webhook.Endpoint = v
	}

	// Database
	if v := os.Getenv("SMARTHER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.BaseTopic == "" {
		errs = append(errs, "mqtt.base_topic is required")
	}
	if strings.ContainsAny(c.MQTT.BaseTopic, "+#") {
		errs = append(errs, "mqtt.base_topic must not contain wildcard characters")
	}

	// Cloud validation
	if c.Cloud.BaseURL == "" {
		errs = append(errs, "cloud.base_url is required")
	}
	if c.Cloud.TokenURL == "" {
		errs = append(errs, "cloud.token_url is required")
	}
	if c.Cloud.ClientID == "" {
		errs = append(errs, "cloud.client_id is required (set SMARTHER_CLOUD_CLIENT_ID environment variable)")
	}
	if c.Cloud.ClientSecret == "" {
		errs = append(errs, "cloud.client_secret is required (set SMARTHER_CLOUD_CLIENT_SECRET environment variable)")
	}
	if c.Cloud.SubscriptionKey == "" {
		errs = append(errs, "cloud.subscription_key is required (set SMARTHER_CLOUD_SUBSCRIPTION_KEY environment variable)")
	}
	if c.Cloud.PollInterval < 1 {
		errs = append(errs, "cloud.poll_interval must be at least 1 second")
	}

	// Webhook validation (only when push is enabled)
	if c.Webhook.Endpoint != "" {
		if !strings.HasPrefix(c.Webhook.Endpoint, "http://") && !strings.HasPrefix(c.Webhook.Endpoint, "https://") {
			errs = append(errs, "webhook.endpoint must be an http(s) URL")
		}
		if c.Webhook.ListenPort < 1 || c.Webhook.ListenPort > 65535 {
			errs = append(errs, "webhook.listen_port must be between 1 and 65535")
		}
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Bridge validation
	if c.Bridge.RetryMaxAttempts < 1 {
		errs = append(errs, "bridge.retry_max_attempts must be at least 1")
	}
	if c.Bridge.OfflineQueueSize < 1 {
		errs = append(errs, "bridge.offline_queue_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPollInterval returns the cloud poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Cloud.PollInterval) * time.Second
}

// GetRequestTimeout returns the cloud HTTP request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Cloud.RequestTimeout) * time.Second
}

// GetTokenRefreshMargin returns the token refresh safety margin as a Duration.
func (c *Config) GetTokenRefreshMargin() time.Duration {
	return time.Duration(c.Cloud.TokenRefreshMargin) * time.Second
}

// GetCommandDeadline returns the pending command deadline as a Duration.
func (c *Config) GetCommandDeadline() time.Duration {
	return time.Duration(c.Bridge.CommandDeadline) * time.Second
}

// GetRetryInitialDelay returns the initial command retry delay as a Duration.
func (c *Config) GetRetryInitialDelay() time.Duration {
	return time.Duration(c.Bridge.RetryInitialDelay) * time.Second
}

// GetRetryMaxDelay returns the maximum command retry delay as a Duration.
func (c *Config) GetRetryMaxDelay() time.Duration {
	return time.Duration(c.Bridge.RetryMaxDelay) * time.Second
}
