package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the process-wide configuration for the platform.
// One Config is built at startup and passed by reference; nothing here
// is read through a package-level singleton.
type Config struct {
	Environment string       `toml:"environment"` // "development" or "production"
	Server      ServerConfig `toml:"server"`
	Database    DatabaseConfig `toml:"database"`
	Bus         BusConfig    `toml:"bus"`
	Vector      VectorConfig `toml:"vector"`
	Tenancy     TenancyConfig `toml:"tenancy"`
	Workers     WorkersConfig `toml:"workers"`
	Retry       RetryConfig  `toml:"retry"`
	Embedding   EmbeddingConfig `toml:"embedding"`
	Providers   ProvidersConfig `toml:"providers"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// DatabaseConfig holds the read-write and read-only connection strings for
// the relational store backing schedules, checkpoints and status
// documents. Separate RO/RW DSNs let production point reporting queries at
// a replica without touching the write path.
type DatabaseConfig struct {
	URLReadWrite string `toml:"url_rw"`
	URLReadOnly  string `toml:"url_ro"`
	Driver       string `toml:"driver"` // "sqlite" or "postgres"
}

// BusConfig selects and configures the message bus transport.
type BusConfig struct {
	URL               string `toml:"url"` // "memory://" or a relational DSN
	VisibilityTimeout string `toml:"visibility_timeout"`
	MaxDeliveries     int    `toml:"max_deliveries"`
}

// VectorConfig configures the embedding store the bridge tables are
// written against.
type VectorConfig struct {
	URL string `toml:"url"`
}

// TenancyConfig carries tenant-wide defaults applied when a tenant record
// does not override them.
type TenancyConfig struct {
	DefaultTimeZone string `toml:"default_time_zone"`
}

// WorkersConfig maps a "tier|tenant/stage" key to a worker pool size, e.g.
// "tier:free/extraction" -> 4, "tenant:42/embedding" -> 2.
type WorkersConfig struct {
	Counts map[string]int `toml:"counts"`
}

// RetryConfig holds the retry limit. Both buses dead-letter a message after
// Bus.MaxDeliveries deliveries; the RETRY_LIMIT environment variable sets
// Limit and Bus.MaxDeliveries together, while a limit set only in a config
// file leaves Bus.MaxDeliveries unchanged.
type RetryConfig struct {
	Limit int `toml:"limit"`
}

// EmbeddingConfig names the default embedding model/dimension pair used
// when a job does not specify one, and the canonical field lists used to
// assemble embedding text per source table.
type EmbeddingConfig struct {
	BaseURL           string              `toml:"base_url"` // embedding provider endpoint, e.g. a local Ollama server
	DefaultModel      string              `toml:"default_model"`
	DefaultDimensions int                 `toml:"default_dimensions"`
	TextFields        map[string][]string `toml:"text_fields"` // table name -> ordered field list
}

// ProvidersConfig enables/disables and configures the source-system
// adapters.
type ProvidersConfig struct {
	CredentialsDir string       `toml:"credentials_dir"` // directory containing provider credential files (TOML)
	Jira           JiraConfig   `toml:"jira"`
	GitHub         GitHubConfig `toml:"github"`
}

type JiraConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
}

type GitHubConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`
	Output     []string `toml:"output"` // "console", "file"
	TimeFormat string   `toml:"time_format"`
}

// NewDefaultConfig returns a Config populated with conservative defaults;
// every field is then eligible for override by file and environment.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8088,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			URLReadWrite: "sqlite://./data/platform.db",
			URLReadOnly:  "sqlite://./data/platform.db",
			Driver:       "sqlite",
		},
		Bus: BusConfig{
			URL:               "memory://",
			VisibilityTimeout: "5m",
			MaxDeliveries:     5,
		},
		Vector: VectorConfig{
			URL: "",
		},
		Tenancy: TenancyConfig{
			DefaultTimeZone: "UTC",
		},
		Workers: WorkersConfig{
			Counts: map[string]int{},
		},
		Retry: RetryConfig{
			Limit: 5,
		},
		Embedding: EmbeddingConfig{
			BaseURL:           "http://localhost:11434",
			DefaultModel:      "text-embedding-3-small",
			DefaultDimensions: 1536,
			TextFields:        map[string][]string{},
		},
		Providers: ProvidersConfig{
			CredentialsDir: "./credentials",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"console"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 ->
// file2 -> ... -> environment. Later files override earlier files; env
// vars override every file.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies the enumerated environment variable overrides.
// Env vars always win over file configuration.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PLATFORM_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if v := os.Getenv("DB_URL_RW"); v != "" {
		config.Database.URLReadWrite = v
	}
	if v := os.Getenv("DB_URL_RO"); v != "" {
		config.Database.URLReadOnly = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		config.Bus.URL = v
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		config.Vector.URL = v
	}
	if v := os.Getenv("TENANT_TIME_ZONE"); v != "" {
		config.Tenancy.DefaultTimeZone = v
	}
	if v := os.Getenv("RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Retry.Limit = n
			config.Bus.MaxDeliveries = n
		}
	}
	if v := os.Getenv("EMBEDDING_DEFAULT_MODEL"); v != "" {
		config.Embedding.DefaultModel = v
	}
	if v := os.Getenv("WORKER_COUNTS"); v != "" {
		config.Workers.Counts = parseWorkerCounts(v)
	}
}

// parseWorkerCounts parses a comma-separated "key=count" list, e.g.
// "tier:free/extraction=4,tenant:42/embedding=2", into a map. Malformed
// entries are skipped rather than failing startup.
func parseWorkerCounts(raw string) map[string]int {
	counts := map[string]int{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		counts[strings.TrimSpace(kv[0])] = n
	}
	return counts
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// WorkerCount returns the configured worker count for a tier/tenant+stage
// key, falling back to def when unset.
func (c *Config) WorkerCount(key string, def int) int {
	if n, ok := c.Workers.Counts[key]; ok {
		return n
	}
	return def
}
