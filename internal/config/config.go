package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all settings for the graph service and CLI.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Query    QueryConfig    `mapstructure:"query"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type StorageConfig struct {
	Backend      string `mapstructure:"backend"` // memory, sqlite, postgres
	SQLitePath   string `mapstructure:"sqlite_path"`
	PostgresURL  string `mapstructure:"postgres_url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxEntries int  `mapstructure:"max_entries"`
	TTLSeconds int  `mapstructure:"ttl_seconds"`
}

type SyncConfig struct {
	BatchSize   int     `mapstructure:"batch_size"`
	Concurrency int     `mapstructure:"concurrency"`
	MaxPages    int     `mapstructure:"max_pages"`
	PageRate    float64 `mapstructure:"page_rate"` // pages per second, 0 = unlimited
	RedisAddr   string  `mapstructure:"redis_addr"`
	RedisKey    string  `mapstructure:"redis_key"`
}

type TemporalConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	MaxSnapshots int  `mapstructure:"max_snapshots"`
	MaxAgeHours  int  `mapstructure:"max_age_hours"`
}

type PolicyConfig struct {
	Type       string `mapstructure:"type"` // local, mock, remote
	RulesPath  string `mapstructure:"rules_path"`
	RemoteURL  string `mapstructure:"remote_url"`
	RemotePath string `mapstructure:"remote_path"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	FailMode   string `mapstructure:"fail_mode"` // open, closed
}

type QueryConfig struct {
	DefaultDepth int `mapstructure:"default_depth"`
	MaxResults   int `mapstructure:"max_results"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type TracingConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`
	Protocol     string  `mapstructure:"protocol"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "./kgraph.db")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.max_open_conns", 25)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.ttl_seconds", 300)

	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.max_pages", 50)
	v.SetDefault("sync.page_rate", 0)
	v.SetDefault("sync.redis_addr", "")
	v.SetDefault("sync.redis_key", "kgraph:node-hashes")

	v.SetDefault("temporal.enabled", true)
	v.SetDefault("temporal.max_snapshots", 500)
	v.SetDefault("temporal.max_age_hours", 24*90)

	v.SetDefault("policy.type", "local")
	v.SetDefault("policy.rules_path", "")
	v.SetDefault("policy.remote_url", "")
	v.SetDefault("policy.remote_path", "/v1/data/infragraph/deny")
	v.SetDefault("policy.timeout_ms", 5000)
	v.SetDefault("policy.fail_mode", "closed")

	v.SetDefault("query.default_depth", 3)
	v.SetDefault("query.max_results", 1000)

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.protocol", "http")
	v.SetDefault("tracing.sampling_rate", 1.0)
}

// Load reads configuration from path (or the default search paths when empty),
// KGRAPH_* environment variables and defaults, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kgraph")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/kgraph/")
		v.AddConfigPath("$HOME/.kgraph")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("KGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

// Default returns the defaults without reading files or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
