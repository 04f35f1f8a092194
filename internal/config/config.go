// Package config provides unified configuration loading for the extraction engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the extraction engine.
type Config struct {
	Extraction    ExtractionConfig    `yaml:"extraction"`
	OCR           OCRConfig           `yaml:"ocr"`
	Broker        BrokerConfig        `yaml:"broker"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Health        HealthConfig        `yaml:"health"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ExtractionConfig holds extraction pipeline settings.
type ExtractionConfig struct {
	TempDir         string        `yaml:"temp_dir"`
	MaxFileSize     int64         `yaml:"max_file_size"`
	StrategyTimeout time.Duration `yaml:"strategy_timeout"`
}

// OCRConfig holds OCR enrichment settings.
type OCRConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Languages      []string `yaml:"languages"`
	MinImageWidth  int      `yaml:"min_image_width"`
	MinImageHeight int      `yaml:"min_image_height"`
	MaxImageWidth  int      `yaml:"max_image_width"`
	MaxImageHeight int      `yaml:"max_image_height"`
}

// BrokerConfig holds Redis broker/result-store connection settings.
type BrokerConfig struct {
	Addr                string        `yaml:"addr"`
	Password            string        `yaml:"password"`
	DB                  int           `yaml:"db"`
	PoolSize            int           `yaml:"pool_size"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	InitialRetryDelay   time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// TasksConfig holds async task execution settings.
type TasksConfig struct {
	Workers     int           `yaml:"workers"`
	QueueKey    string        `yaml:"queue_key"`
	ResultTTL   time.Duration `yaml:"result_ttl"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// CleanupConfig holds temp-file lifecycle settings.
type CleanupConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxDirSizeMB  int64         `yaml:"max_dir_size_mb"`
}

// HealthConfig holds health aggregation settings.
type HealthConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	DiskWarnPercent     float64       `yaml:"disk_warn_percent"`
	DiskCriticalPercent float64       `yaml:"disk_critical_percent"`
}

// ShutdownConfig holds graceful shutdown settings.
type ShutdownConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Extraction: ExtractionConfig{
			TempDir:         os.TempDir(),
			MaxFileSize:     50 * 1024 * 1024,
			StrategyTimeout: 60 * time.Second,
		},
		OCR: OCRConfig{
			Enabled:        true,
			Languages:      []string{"eng", "rus"},
			MinImageWidth:  100,
			MinImageHeight: 100,
			MaxImageWidth:  5000,
			MaxImageHeight: 5000,
		},
		Broker: BrokerConfig{
			Addr:                "localhost:6379",
			DB:                  0,
			PoolSize:            10,
			DialTimeout:         5 * time.Second,
			ReadTimeout:         5 * time.Second,
			MaxRetries:          5,
			InitialRetryDelay:   time.Second,
			MaxRetryDelay:       60 * time.Second,
			BackoffMultiplier:   2.0,
			HealthCheckInterval: 30 * time.Second,
		},
		Tasks: TasksConfig{
			Workers:     4,
			QueueKey:    "doctext:tasks",
			ResultTTL:   24 * time.Hour,
			TaskTimeout: 5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  120 * time.Second,
			SuccessThreshold: 2,
		},
		Cleanup: CleanupConfig{
			MaxAge:        24 * time.Hour,
			SweepInterval: time.Hour,
			MaxDirSizeMB:  500,
		},
		Health: HealthConfig{
			PollInterval:        15 * time.Second,
			DiskWarnPercent:     80,
			DiskCriticalPercent: 90,
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "doctext",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("tasks.workers must be at least 1")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}

	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be at least 1")
	}

	if c.Broker.MaxRetries < 1 {
		return fmt.Errorf("broker.max_retries must be at least 1")
	}

	if c.Broker.BackoffMultiplier < 1 {
		return fmt.Errorf("broker.backoff_multiplier must be at least 1")
	}

	if c.Cleanup.MaxAge <= 0 {
		return fmt.Errorf("cleanup.max_age must be positive")
	}

	if c.OCR.MinImageWidth > c.OCR.MaxImageWidth || c.OCR.MinImageHeight > c.OCR.MaxImageHeight {
		return fmt.Errorf("ocr image size bounds are inverted")
	}

	if c.Health.DiskWarnPercent > c.Health.DiskCriticalPercent {
		return fmt.Errorf("health.disk_warn_percent must not exceed disk_critical_percent")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Broker.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}

	if v := os.Getenv("TEMP_DIR"); v != "" {
		cfg.Extraction.TempDir = v
	}

	if v := os.Getenv("TASK_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.Workers = n
		}
	}

	if v := os.Getenv("OCR_LANGUAGES"); v != "" {
		cfg.OCR.Languages = strings.Split(v, "+")
	}

	if v := os.Getenv("OCR_ENABLED"); v != "" {
		cfg.OCR.Enabled = v == "true"
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
