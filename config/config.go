package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketstream AppConfig       `yaml:"marketstream"`
	Stream       StreamConfig    `yaml:"stream"`
	Recorder     RecorderConfig  `yaml:"recorder"`
	Dashboard    DashboardConfig `yaml:"dashboard"`
	Logging      LoggingConfig   `yaml:"logging"`
	Metrics      MetricsConfig   `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type StreamConfig struct {
	StocksURL    string          `yaml:"stocks_url"`
	CryptoURL    string          `yaml:"crypto_url"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	RefreshDelay time.Duration   `yaml:"refresh_delay"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	DialTimeout  time.Duration   `yaml:"dial_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Symbols      SymbolsConfig   `yaml:"symbols"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// SymbolsConfig lists the symbols the daemon subscribes to on startup,
// per event category.
type SymbolsConfig struct {
	Bars   []string `yaml:"bars"`
	Quotes []string `yaml:"quotes"`
	Trades []string `yaml:"trades"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Symbols       []string      `yaml:"symbols"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch     bool          `yaml:"cloudwatch"`
	Region         string        `yaml:"region"`
	Namespace      string        `yaml:"namespace"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

const (
	apiKeyEnvVar    = "MARKETSTREAM_API_KEY"
	apiSecretEnvVar = "MARKETSTREAM_API_SECRET"
)

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVars replaces ${VAR} references in the raw configuration with
// environment variable values. Unset variables expand to the empty
// string.
func expandEnvVars(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads, expands, and validates the YAML configuration file at
// path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expandEnvVars(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Stream.StocksURL == "" {
		return fmt.Errorf("stream.stocks_url is required")
	}
	if cfg.Stream.CryptoURL == "" {
		return fmt.Errorf("stream.crypto_url is required")
	}
	if cfg.Stream.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("stream.reconnect.max_attempts must not be negative")
	}
	if cfg.Stream.Reconnect.BaseDelay < 0 || cfg.Stream.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("stream.reconnect delays must not be negative")
	}
	if cfg.Stream.Reconnect.MaxDelay > 0 && cfg.Stream.Reconnect.BaseDelay > cfg.Stream.Reconnect.MaxDelay {
		return fmt.Errorf("stream.reconnect.base_delay exceeds max_delay")
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.S3.Bucket == "" {
			return fmt.Errorf("recorder.s3.bucket is required when the recorder is enabled")
		}
		if cfg.Recorder.S3.Region == "" {
			return fmt.Errorf("recorder.s3.region is required when the recorder is enabled")
		}
		if len(cfg.Recorder.Symbols) == 0 {
			return fmt.Errorf("recorder.symbols must not be empty when the recorder is enabled")
		}
	}
	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}
	return nil
}

// Credentials reads the streaming credential pair from the environment.
// Production-like environments fail hard on missing credentials;
// development returns empty strings so local work against a mock
// provider stays possible.
func Credentials() (key, secret string, err error) {
	key = os.Getenv(apiKeyEnvVar)
	secret = os.Getenv(apiSecretEnvVar)
	if (key == "" || secret == "") && IsProductionLike(AppEnvironment()) {
		return "", "", fmt.Errorf("%s and %s must be set in %s", apiKeyEnvVar, apiSecretEnvVar, AppEnvironment())
	}
	return key, secret, nil
}
