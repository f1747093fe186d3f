// Package config provides configuration loading for docpipe.
// Supports YAML files, .env files and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline.
type Config struct {
	Server          ServerConfig              `yaml:"server"`
	Database        DatabaseConfig            `yaml:"database"`
	Storage         StorageConfig             `yaml:"storage"`
	Events          EventsConfig              `yaml:"events"`
	Pipeline        PipelineConfig            `yaml:"pipeline"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	DefaultProvider string                    `yaml:"default_provider"`
	Observability   ObservabilityConfig       `yaml:"observability"`
}

// ServerConfig holds status API settings.
type ServerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	JournalMode string        `yaml:"journal_mode"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// StorageConfig holds the work directory and the optional object store mirror.
type StorageConfig struct {
	WorkDir string   `yaml:"work_dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds settings for mirroring merged documents to an S3 compatible store.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// EventsConfig selects where progress events are published.
type EventsConfig struct {
	Driver string      `yaml:"driver"` // none, redis or kafka
	Redis  RedisConfig `yaml:"redis"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	Channel  string `yaml:"channel"`
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PipelineConfig holds worker, retry and recovery settings.
type PipelineConfig struct {
	SplitMaxRetries     int           `yaml:"split_max_retries"`
	SplitRetryBaseDelay time.Duration `yaml:"split_retry_base_delay"`
	SplitRetryMaxDelay  time.Duration `yaml:"split_retry_max_delay"`
	RenderDPI           float64       `yaml:"render_dpi"`
	JPEGQuality         int           `yaml:"jpeg_quality"`
	OfficeBinary        string        `yaml:"office_binary"`
	OfficeTimeout       time.Duration `yaml:"office_timeout"`

	SplitterWorkers  int           `yaml:"splitter_workers"`
	ConverterWorkers int           `yaml:"converter_workers"`
	MergerWorkers    int           `yaml:"merger_workers"`
	ConverterTimeout time.Duration `yaml:"converter_timeout"`

	SplitterPollInterval  time.Duration `yaml:"splitter_poll_interval"`
	ConverterPollInterval time.Duration `yaml:"converter_poll_interval"`
	MergerPollInterval    time.Duration `yaml:"merger_poll_interval"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	StuckTimeout        time.Duration `yaml:"stuck_timeout"`
	MaxRecoveries       int           `yaml:"max_recoveries"`

	MaxPageRetries     int           `yaml:"max_page_retries"`
	PageRetryDelay     time.Duration `yaml:"page_retry_delay"`
	MaxFailedPageRatio float64       `yaml:"max_failed_page_ratio"`

	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// ProviderConfig describes one LLM provider account.
type ProviderConfig struct {
	Type         string `yaml:"type"` // openai, anthropic, gemini, ollama, bedrock
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	Region       string `yaml:"region"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	ServiceName    string `yaml:"service_name"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
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

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:          true,
			Host:             "127.0.0.1",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:        "docpipe.db",
				JournalMode: "WAL",
				BusyTimeout: 5 * time.Second,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Storage: StorageConfig{
			WorkDir: "data/tasks",
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "docpipe/",
			},
		},
		Events: EventsConfig{
			Driver: "none",
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Prefix:  "docpipe:",
				Channel: "events",
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "docpipe.events",
			},
		},
		Pipeline: PipelineConfig{
			SplitMaxRetries:     3,
			SplitRetryBaseDelay: time.Second,
			SplitRetryMaxDelay:  30 * time.Second,
			RenderDPI:           144,
			JPEGQuality:         85,
			OfficeBinary:        "soffice",
			OfficeTimeout:       2 * time.Minute,

			SplitterWorkers:  1,
			ConverterWorkers: 3,
			MergerWorkers:    1,
			ConverterTimeout: 2 * time.Minute,

			SplitterPollInterval:  2 * time.Second,
			ConverterPollInterval: time.Second,
			MergerPollInterval:    2 * time.Second,

			HealthCheckInterval: time.Minute,
			StuckTimeout:        5 * time.Minute,
			MaxRecoveries:       3,

			MaxPageRetries:     2,
			PageRetryDelay:     10 * time.Second,
			MaxFailedPageRatio: 1.0,

			Temperature: 0.1,
			MaxTokens:   8192,
		},
		Providers: map[string]ProviderConfig{
			"openrouter": {
				Type:         "openai",
				BaseURL:      "https://openrouter.ai/api/v1",
				DefaultModel: "google/gemini-2.5-flash",
			},
		},
		DefaultProvider: "openrouter",
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "console",
			ServiceName:    "docpipe",
			MetricsEnabled: true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("postgres driver requires database.postgres.dsn")
	}

	switch c.Events.Driver {
	case "none", "redis", "kafka":
	default:
		return fmt.Errorf("invalid events driver: %s", c.Events.Driver)
	}

	if c.Events.Driver == "kafka" && len(c.Events.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka events require at least one broker")
	}

	if c.Storage.WorkDir == "" {
		return fmt.Errorf("storage.work_dir is required")
	}

	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}

	p := c.Pipeline
	if p.SplitMaxRetries < 1 {
		return fmt.Errorf("split_max_retries must be at least 1")
	}
	if p.ConverterWorkers < 1 || p.SplitterWorkers < 1 || p.MergerWorkers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	if p.RenderDPI <= 0 {
		return fmt.Errorf("render_dpi must be positive")
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100")
	}
	if p.MaxFailedPageRatio < 0 || p.MaxFailedPageRatio > 1 {
		return fmt.Errorf("max_failed_page_ratio must be between 0 and 1")
	}
	if p.ConverterTimeout > 0 && p.StuckTimeout > 0 && p.ConverterTimeout >= p.StuckTimeout {
		return fmt.Errorf("converter_timeout (%s) must be shorter than stuck_timeout (%s)", p.ConverterTimeout, p.StuckTimeout)
	}
	if p.MaxPageRetries < 0 || p.MaxRecoveries < 0 {
		return fmt.Errorf("retry limits must not be negative")
	}

	for id, prov := range c.Providers {
		switch prov.Type {
		case "openai", "anthropic", "gemini", "ollama", "bedrock":
		default:
			return fmt.Errorf("provider %s: unsupported type %q", id, prov.Type)
		}
	}

	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("default provider %q is not configured", c.DefaultProvider)
		}
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("WORK_DIR"); v != "" {
		cfg.Storage.WorkDir = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Events.Driver = "redis"
		cfg.Events.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.Driver = "kafka"
		cfg.Events.Kafka.Brokers = strings.Split(v, ",")
	}

	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Enabled = true
		cfg.Storage.S3.Bucket = v
	}

	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}

	if v := os.Getenv("CONVERTER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.ConverterWorkers = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	applyProviderEnv(cfg, "openrouter", "OPENROUTER_API_KEY", ProviderConfig{
		Type:         "openai",
		BaseURL:      "https://openrouter.ai/api/v1",
		DefaultModel: "google/gemini-2.5-flash",
	})
	applyProviderEnv(cfg, "openai", "OPENAI_API_KEY", ProviderConfig{
		Type:         "openai",
		DefaultModel: "gpt-4o-mini",
	})
	applyProviderEnv(cfg, "anthropic", "ANTHROPIC_API_KEY", ProviderConfig{
		Type:         "anthropic",
		DefaultModel: "claude-3-5-sonnet-latest",
	})
	applyProviderEnv(cfg, "gemini", "GEMINI_API_KEY", ProviderConfig{
		Type:         "gemini",
		DefaultModel: "gemini-2.0-flash",
	})

	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		prov, ok := cfg.Providers["ollama"]
		if !ok {
			prov = ProviderConfig{Type: "ollama", DefaultModel: "llama3.2-vision"}
		}
		prov.BaseURL = v
		setProvider(cfg, "ollama", prov)
	}
}

// applyProviderEnv fills in an API key from the environment, creating the provider entry when missing.
func applyProviderEnv(cfg *Config, id, envKey string, defaults ProviderConfig) {
	key := os.Getenv(envKey)
	if key == "" {
		return
	}
	prov, ok := cfg.Providers[id]
	if !ok {
		prov = defaults
	}
	prov.APIKey = key
	setProvider(cfg, id, prov)
}

func setProvider(cfg *Config, id string, prov ProviderConfig) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	cfg.Providers[id] = prov
}
