package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/perfwatch/internal/detector"
)

// Config represents the complete application configuration
type Config struct {
	Detector DetectorConfig `mapstructure:"detector"`
	Export   ExportConfig   `mapstructure:"export"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DetectorConfig holds classification behavior configuration
type DetectorConfig struct {
	Strategy           string  `mapstructure:"strategy"`
	FixContamination   int     `mapstructure:"fix_contamination"` // > 0 = top-k, otherwise contamination fraction
	Contamination      float64 `mapstructure:"contamination"`
	Sigma              float64 `mapstructure:"sigma"`
	MinSamples         int     `mapstructure:"min_samples"`
	Workers            int     `mapstructure:"workers"`
	CheckpointInterval int     `mapstructure:"checkpoint_interval"`
}

// ExportConfig holds visualization export configuration
type ExportConfig struct {
	Method         string        `mapstructure:"method"` // online, offline, bolt, none
	URL            string        `mapstructure:"url"`
	OutputDir      string        `mapstructure:"output_dir"`
	Prefix         string        `mapstructure:"prefix"`
	BoltPath       string        `mapstructure:"bolt_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	MaxBatches int    `mapstructure:"max_batches"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("PERFWATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Detector defaults
	v.SetDefault("detector.strategy", "ranked-contamination")
	v.SetDefault("detector.fix_contamination", 0) // 0 = use contamination fraction
	v.SetDefault("detector.contamination", 0.1)
	v.SetDefault("detector.sigma", 6.0)
	v.SetDefault("detector.min_samples", 10)
	v.SetDefault("detector.workers", 4)
	v.SetDefault("detector.checkpoint_interval", 10)

	// Export defaults
	v.SetDefault("export.method", "offline")
	v.SetDefault("export.output_dir", "./data/viz")
	v.SetDefault("export.bolt_path", "./data/export.db")
	v.SetDefault("export.timeout", "10s")
	v.SetDefault("export.max_retries", 3)
	v.SetDefault("export.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/perfwatch.db")
	v.SetDefault("storage.max_batches", 10000)

	// Server defaults
	v.SetDefault("server.addr", ":8080")

	// Telegram defaults
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Tracing defaults
	v.SetDefault("tracing.service_name", "perfwatch")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Detector config
	if _, err := detector.ParseStrategy(c.Detector.Strategy); err != nil {
		return fmt.Errorf("detector.strategy must be one of: ranked-contamination, mask-threshold")
	}
	if c.Detector.FixContamination < 0 {
		return fmt.Errorf("detector.fix_contamination must not be negative")
	}
	if c.Detector.FixContamination == 0 && (c.Detector.Contamination <= 0 || c.Detector.Contamination > 1) {
		return fmt.Errorf("detector.contamination must be in (0, 1]")
	}
	if c.Detector.Sigma <= 0 {
		return fmt.Errorf("detector.sigma must be positive")
	}
	if c.Detector.MinSamples < 1 {
		return fmt.Errorf("detector.min_samples must be at least 1")
	}
	if c.Detector.Workers < 1 {
		return fmt.Errorf("detector.workers must be at least 1")
	}
	if c.Detector.CheckpointInterval < 1 {
		return fmt.Errorf("detector.checkpoint_interval must be at least 1")
	}

	// Validate Export config
	switch c.Export.Method {
	case "online":
		if c.Export.URL == "" {
			return fmt.Errorf("export.url is required when export.method is online")
		}
	case "offline":
		if c.Export.OutputDir == "" {
			return fmt.Errorf("export.output_dir is required when export.method is offline")
		}
	case "bolt":
		if c.Export.BoltPath == "" {
			return fmt.Errorf("export.bolt_path is required when export.method is bolt")
		}
	case "none":
	default:
		return fmt.Errorf("export.method must be one of: online, offline, bolt, none")
	}
	if c.Export.MaxRetries < 1 {
		return fmt.Errorf("export.max_retries must be at least 1")
	}

	// Validate Storage config
	if c.Storage.MaxBatches < 1 {
		return fmt.Errorf("storage.max_batches must be at least 1")
	}

	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Tracing config
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be between 0.0 and 1.0")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// RankerConfig converts the detector section into the ranker's settings.
func (c *Config) RankerConfig() (detector.Config, error) {
	strategy, err := detector.ParseStrategy(c.Detector.Strategy)
	if err != nil {
		return detector.Config{}, err
	}
	return detector.Config{
		Strategy:   strategy,
		FixedCount: c.Detector.FixContamination,
		Fraction:   c.Detector.Contamination,
		Sigma:      c.Detector.Sigma,
	}, nil
}
