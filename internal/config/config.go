// Package config loads the application configuration from YAML with
// environment-variable overrides layered on top of built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	KV        KVConfig        `yaml:"kv"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Loader    LoaderConfig    `yaml:"loader"`
	Bus       BusConfig       `yaml:"bus"`
	Admission AdmissionConfig `yaml:"admission"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP gateway settings.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// KVConfig contains shared key/value store settings.
type KVConfig struct {
	// Backend selects "redis" or "memory" (standalone/dev).
	Backend   string `yaml:"backend"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	ScanCount int    `yaml:"scan_count"`
}

// StoreConfig contains embedded backing store settings.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`

	// InMemory keeps the embedded store off disk. Dev and test use.
	InMemory bool `yaml:"in_memory"`
}

// CacheConfig contains cache manager settings.
type CacheConfig struct {
	// TTLSeconds maps entity type to default TTL.
	TTLSeconds map[string]int `yaml:"ttl_seconds"`

	// L1Size is the capacity of the in-process hot tier; zero disables it.
	L1Size int `yaml:"l1_size"`

	// L1ExpirationSeconds bounds how long the hot tier may lag the shared
	// tier after an invalidation elsewhere in the cluster.
	L1ExpirationSeconds int `yaml:"l1_expiration_seconds"`
}

// LoaderConfig contains batch loader settings.
type LoaderConfig struct {
	EntityBatchSize       int `yaml:"entity_batch_size"`
	RelationshipBatchSize int `yaml:"relationship_batch_size"`
	EnrichmentBatchSize   int `yaml:"enrichment_batch_size"`

	// BatchWindowMs is the maximum time keys accumulate before a batch is
	// dispatched without an explicit flush.
	BatchWindowMs int `yaml:"batch_window_ms"`
}

// BusConfig contains event bus settings.
type BusConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// AdmissionConfig contains rate limiting and query cost settings.
type AdmissionConfig struct {
	RateLimitEnabled bool                   `yaml:"rate_limit_enabled"`
	Classes          map[string]ClassConfig `yaml:"classes"`

	CostCeiling int            `yaml:"cost_ceiling"`
	FieldCosts  map[string]int `yaml:"field_costs"`

	// DefaultFieldCost applies to fields absent from the table.
	DefaultFieldCost int `yaml:"default_field_cost"`

	// DefaultListMultiplier applies to list fields with no declared
	// multiplicity.
	DefaultListMultiplier int `yaml:"default_list_multiplier"`
}

// ClassConfig is the token bucket for one operation class.
type ClassConfig struct {
	Points          int `yaml:"points"`
	DurationSeconds int `yaml:"duration_seconds"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
		},
		KV: KVConfig{
			Backend:   "redis",
			Addr:      "localhost:6379",
			PoolSize:  32,
			ScanCount: 500,
		},
		Store: StoreConfig{
			DataDir: "./data",
		},
		Cache: CacheConfig{
			TTLSeconds: map[string]int{
				"indicator":  3600,
				"actor":      3600,
				"campaign":   3600,
				"alert":      3600,
				"feedstatus": 300,
				"enrichment": 86400,
				"analytics":  900,
				"search":     300,
			},
			L1Size:              10000,
			L1ExpirationSeconds: 30,
		},
		Loader: LoaderConfig{
			EntityBatchSize:       100,
			RelationshipBatchSize: 50,
			EnrichmentBatchSize:   20,
			BatchWindowMs:         2,
		},
		Bus: BusConfig{
			QueueCapacity: 100,
		},
		Admission: AdmissionConfig{
			RateLimitEnabled: true,
			Classes: map[string]ClassConfig{
				"standard-query":    {Points: 100, DurationSeconds: 60},
				"enrichment":        {Points: 20, DurationSeconds: 60},
				"bulk-import":       {Points: 5, DurationSeconds: 300},
				"subscription-open": {Points: 10, DurationSeconds: 60},
			},
			CostCeiling: 2000,
			FieldCosts: map[string]int{
				"indicator":        1,
				"indicators":       10,
				"relatedActors":    25,
				"relatedCampaigns": 25,
				"alerts":           15,
				"enrichment":       100,
				"reputationScore":  150,
				"sandboxReport":    500,
				"analytics":        100,
			},
			DefaultFieldCost:      1,
			DefaultListMultiplier: 10,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "threatgraph",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file layered over defaults.
func LoadFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Load loads configuration from file, environment variables, and flags.
func Load(configFile string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags take highest priority
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("THREATGRAPH_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if backend := os.Getenv("THREATGRAPH_KV_BACKEND"); backend != "" {
		config.KV.Backend = backend
	}
	if addr := os.Getenv("THREATGRAPH_KV_ADDR"); addr != "" {
		config.KV.Addr = addr
	}
	if password := os.Getenv("THREATGRAPH_KV_PASSWORD"); password != "" {
		config.KV.Password = password
	}
	if dataDir := os.Getenv("THREATGRAPH_STORE_DATA_DIR"); dataDir != "" {
		config.Store.DataDir = dataDir
	}
	if ceilingStr := os.Getenv("THREATGRAPH_COST_CEILING"); ceilingStr != "" {
		if val, err := strconv.Atoi(ceilingStr); err == nil {
			config.Admission.CostCeiling = val
		}
	}
	if level := os.Getenv("THREATGRAPH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("THREATGRAPH_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}

// TTLFor returns the configured TTL for an entity type, or zero when the
// type has no entry.
func (c *CacheConfig) TTLFor(entityType string) time.Duration {
	if secs, ok := c.TTLSeconds[entityType]; ok {
		return time.Duration(secs) * time.Second
	}
	return 0
}
