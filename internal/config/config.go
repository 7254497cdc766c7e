// Package config provides configuration management for SentinelForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all SentinelForge configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	RabbitMQ      RabbitMQConfig      `yaml:"rabbitmq"`
	NATS          NATSConfig          `yaml:"nats"`
	Agents        AgentsConfig        `yaml:"agents"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Events        EventsConfig        `yaml:"events"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	ThreatIntel   ThreatIntelConfig   `yaml:"threat_intel"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// ObservabilityConfig holds tracing and metrics settings.
type ObservabilityConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// Redis; the reputation cache then falls back to process memory and rate
// limiting is skipped.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// PostgresConfig holds database settings. An empty DSNEnv selects the
// in-memory stores.
type PostgresConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RabbitMQConfig holds the inbound telemetry queue settings.
type RabbitMQConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URLEnv     string `yaml:"url_env"`
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
	Prefetch   int    `yaml:"prefetch"`
}

// NATSConfig holds settings for forwarding raised alerts.
type NATSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	AlertSubject string `yaml:"alert_subject"`
}

// AgentsConfig holds agent registry settings.
type AgentsConfig struct {
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	ActivateOnRegister bool          `yaml:"activate_on_register"`
	BcryptCost         int           `yaml:"bcrypt_cost"`
}

// IngestionConfig holds telemetry pipeline settings.
type IngestionConfig struct {
	Workers      int  `yaml:"workers"`
	QueueDepth   int  `yaml:"queue_depth"`
	DedupEnabled bool `yaml:"dedup_enabled"`
	DedupSize    int  `yaml:"dedup_size"`
}

// EventsConfig holds in-process event bus settings.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// AnalysisConfig holds security analysis settings.
type AnalysisConfig struct {
	Workers    int              `yaml:"workers"`
	Timeout    time.Duration    `yaml:"timeout"`
	Query      string           `yaml:"query"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
}

// ClassifierConfig selects and configures the risk classifier. An empty
// Endpoint selects the heuristic classifier.
type ClassifierConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

// KnowledgeConfig holds knowledge-base retrieval settings.
type KnowledgeConfig struct {
	Path                string  `yaml:"path"`
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// ThreatIntelConfig holds reputation provider settings.
type ThreatIntelConfig struct {
	OTX  OTXConfig  `yaml:"otx"`
	MISP MISPConfig `yaml:"misp"`
}

// OTXConfig holds AlienVault OTX settings.
type OTXConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RateLimit  int           `yaml:"rate_limit"`
}

// MISPConfig holds MISP instance settings.
type MISPConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RateLimit     int           `yaml:"rate_limit"`
	VerifySSL     bool          `yaml:"verify_ssl"`
	PublishedOnly bool          `yaml:"published_only"`
	ThreatLevels  []int         `yaml:"threat_levels"` // 1=High, 2=Medium, 3=Low, 4=Undefined
}

// RateLimitConfig holds per-agent ingest limits.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			ServiceName: "sentinelforge",
			Environment: "development",
			SampleRate:  0.1,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			CacheTTL: 1 * time.Hour,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			URLEnv:     "RABBITMQ_URL",
			Exchange:   "sentinel.telemetry",
			Queue:      "agent-data",
			RoutingKey: "agent-data",
			Prefetch:   32,
		},
		NATS: NATSConfig{
			URL:          "nats://localhost:4222",
			AlertSubject: "sentinel.alerts.raised",
		},
		Agents: AgentsConfig{
			StaleThreshold: 5 * time.Minute,
			BcryptCost:     10,
		},
		Ingestion: IngestionConfig{
			Workers:      8,
			QueueDepth:   64,
			DedupEnabled: true,
			DedupSize:    10000,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Analysis: AnalysisConfig{
			Workers: 4,
			Timeout: 30 * time.Second,
			Query:   "High resource usage or suspicious network activity",
			Classifier: ClassifierConfig{
				Model:      "gpt-4o-mini",
				APIKeyEnv:  "CLASSIFIER_API_KEY",
				Timeout:    20 * time.Second,
				RetryCount: 2,
			},
			Knowledge: KnowledgeConfig{
				TopK:                2,
				SimilarityThreshold: 0.70,
			},
		},
		ThreatIntel: ThreatIntelConfig{
			OTX: OTXConfig{
				Enabled:    false,
				BaseURL:    "https://otx.alienvault.com/api/v1",
				APIKeyEnv:  "OTX_API_KEY",
				Timeout:    10 * time.Second,
				RetryCount: 2,
				RateLimit:  60,
			},
			MISP: MISPConfig{
				Enabled:       false,
				APIKeyEnv:     "MISP_API_KEY",
				Timeout:       10 * time.Second,
				RetryCount:    2,
				RateLimit:     60,
				VerifySSL:     true,
				PublishedOnly: true,
				ThreatLevels:  []int{1, 2, 3},
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   120,
			Window:  time.Minute,
		},
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Ingestion.Workers < 1 {
		errs = append(errs, errors.New("ingestion.workers must be at least 1"))
	}
	if c.Ingestion.DedupEnabled && c.Ingestion.DedupSize < 1 {
		errs = append(errs, errors.New("ingestion.dedup_size must be positive when dedup is enabled"))
	}
	if c.Events.BufferSize < 1 {
		errs = append(errs, errors.New("events.buffer_size must be at least 1"))
	}
	if c.Analysis.Workers < 1 {
		errs = append(errs, errors.New("analysis.workers must be at least 1"))
	}
	if c.Analysis.Timeout <= 0 {
		errs = append(errs, errors.New("analysis.timeout must be positive"))
	}
	if c.Analysis.Knowledge.TopK < 1 {
		errs = append(errs, errors.New("analysis.knowledge.top_k must be at least 1"))
	}
	if t := c.Analysis.Knowledge.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("analysis.knowledge.similarity_threshold must be in [0,1]: %v", t))
	}
	if c.Agents.StaleThreshold <= 0 {
		errs = append(errs, errors.New("agents.stale_threshold must be positive"))
	}
	if c.ThreatIntel.MISP.Enabled && c.ThreatIntel.MISP.BaseURL == "" {
		errs = append(errs, errors.New("threat_intel.misp.base_url is required when misp is enabled"))
	}
	return errors.Join(errs...)
}

// Secret returns the value of the environment variable named by envName.
// An empty name yields an empty secret.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

// EnabledIntegrations returns the external systems this configuration
// connects to, for startup logging.
func (c *Config) EnabledIntegrations() []string {
	var out []string
	if c.Redis.Addr != "" {
		out = append(out, "redis")
	}
	if Secret(c.Postgres.DSNEnv) != "" {
		out = append(out, "postgres")
	}
	if c.RabbitMQ.Enabled {
		out = append(out, "rabbitmq")
	}
	if c.NATS.Enabled {
		out = append(out, "nats")
	}
	if c.ThreatIntel.OTX.Enabled {
		out = append(out, "otx")
	}
	if c.ThreatIntel.MISP.Enabled {
		out = append(out, "misp")
	}
	if c.Analysis.Classifier.Endpoint != "" {
		out = append(out, "llm-classifier")
	}
	return out
}
