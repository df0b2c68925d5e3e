// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host      string `envconfig:"RECSERVE_HOST" yaml:"host"`
	Port      int    `envconfig:"RECSERVE_PORT" yaml:"port"`
	GRPCPort  int    `envconfig:"RECSERVE_GRPC_PORT" yaml:"grpc_port"` // 0 = disabled
	APIPrefix string `envconfig:"API_V1_STR" yaml:"api_prefix"`

	// Batching configuration
	Batch BatchConfig `yaml:"batch"`

	// Candidate source configuration
	Candidates CandidatesConfig `yaml:"candidates"`

	// Scoring model configuration
	Model ModelConfig `yaml:"model"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`
}

// BatchConfig holds the micro-batching bounds.
type BatchConfig struct {
	Size             int      `envconfig:"BATCH_SIZE" yaml:"size"`
	Timeout          Duration `envconfig:"BATCH_TIMEOUT" yaml:"timeout"`
	QueueCapacity    int      `envconfig:"RECSERVE_QUEUE_CAPACITY" yaml:"queue_capacity"` // 0 = unbounded
	CandidateWorkers int      `envconfig:"RECSERVE_CANDIDATE_WORKERS" yaml:"candidate_workers"`
	DrainTimeout     Duration `envconfig:"RECSERVE_DRAIN_TIMEOUT" yaml:"drain_timeout"`
}

// CandidatesConfig selects and configures the candidate provider.
type CandidatesConfig struct {
	Source          string `envconfig:"RECSERVE_CANDIDATE_SOURCE" yaml:"source"`
	Count           int    `envconfig:"CANDIDATE_COUNT" yaml:"count"`
	RedisURL        string `envconfig:"REDIS_URL" yaml:"redis_url"`
	KeyPrefix       string `envconfig:"RECSERVE_CANDIDATE_KEY_PREFIX" yaml:"key_prefix"`
	QdrantURL       string `envconfig:"QDRANT_URL" yaml:"qdrant_url"`
	QdrantAPIKey    string `envconfig:"QDRANT_API_KEY" yaml:"qdrant_api_key"`
	ItemsCollection string `envconfig:"RECSERVE_ITEMS_COLLECTION" yaml:"items_collection"`
	UsersCollection string `envconfig:"RECSERVE_USERS_COLLECTION" yaml:"users_collection"`
}

// ModelConfig selects and configures the scoring model.
type ModelConfig struct {
	Type       string   `envconfig:"RECSERVE_MODEL_TYPE" yaml:"type"`
	Path       string   `envconfig:"MODEL_PATH" yaml:"path"`
	URL        string   `envconfig:"RECSERVE_MODEL_URL" yaml:"url"` // For remote scoring
	Name       string   `envconfig:"RECSERVE_MODEL_NAME" yaml:"name"`
	Timeout    Duration `envconfig:"RECSERVE_MODEL_TIMEOUT" yaml:"timeout"`
	FeatureDim int      `envconfig:"RECSERVE_FEATURE_DIM" yaml:"feature_dim"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"RECSERVE_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"RECSERVE_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"RECSERVE_KAFKA_GROUP" yaml:"kafka_group"`
	EventLog     string `envconfig:"RECSERVE_EVENT_LOG" yaml:"event_log"` // JSONL journal, empty = disabled
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"RECSERVE_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"RECSERVE_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit int `envconfig:"RECSERVE_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `envconfig:"RECSERVE_METRICS_ENABLED" yaml:"enabled"`
	Path    string `envconfig:"RECSERVE_METRICS_PATH" yaml:"path"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8000
	cfg.GRPCPort = 0
	cfg.APIPrefix = "/api/v1"

	cfg.Batch = BatchConfig{
		Size:             64,
		Timeout:          Duration(10 * time.Millisecond),
		QueueCapacity:    0,
		CandidateWorkers: 8,
		DrainTimeout:     Duration(5 * time.Second),
	}

	cfg.Candidates = CandidatesConfig{
		Source:          "static",
		Count:           100,
		RedisURL:        "redis://localhost:6379/0",
		KeyPrefix:       "rec:candidates:",
		QdrantURL:       "http://localhost:6333",
		ItemsCollection: "items",
		UsersCollection: "users",
	}

	cfg.Model = ModelConfig{
		Type:       "linear",
		Path:       "",
		Name:       "wide_deep",
		Timeout:    Duration(2 * time.Second),
		FeatureDim: 16,
	}

	cfg.Bus = BusConfig{
		Type:       "memory",
		KafkaGroup: "recserve",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit: 0,
	}

	cfg.Metrics = MetricsConfig{
		Enabled: true,
		Path:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, "grpc_port must be between 0 and 65535")
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, "api_prefix must start with /")
	}

	// Batch validation
	if c.Batch.Size < 1 {
		errs = append(errs, "batch size must be positive")
	}
	if c.Batch.Timeout < 0 {
		errs = append(errs, "batch timeout must not be negative")
	}
	if c.Batch.QueueCapacity < 0 {
		errs = append(errs, "queue_capacity must not be negative (0 = unbounded)")
	}
	if c.Batch.CandidateWorkers < 1 {
		errs = append(errs, "candidate_workers must be positive")
	}

	// Candidate validation
	validSources := map[string]bool{"static": true, "redis": true, "qdrant": true}
	if !validSources[c.Candidates.Source] {
		errs = append(errs, fmt.Sprintf("invalid candidate source: %s (must be static, redis, or qdrant)", c.Candidates.Source))
	}
	if c.Candidates.Count < 1 {
		errs = append(errs, "candidate count must be positive")
	}

	// Model validation
	validModels := map[string]bool{"linear": true, "remote": true}
	if !validModels[c.Model.Type] {
		errs = append(errs, fmt.Sprintf("invalid model type: %s (must be linear or remote)", c.Model.Type))
	}
	if c.Model.Type == "remote" && c.Model.URL == "" {
		errs = append(errs, "model url is required for remote scoring")
	}
	if c.Model.FeatureDim < 1 {
		errs = append(errs, "feature_dim must be positive")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true, "none": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, kafka, or none)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && c.Bus.KafkaBrokers == "" {
		errs = append(errs, "kafka_brokers is required for the kafka bus")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Security.RateLimit < 0 {
		errs = append(errs, "rate_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the HTTP server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC health server address.
func (c *Config) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}
