package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/syncache/syncache/pkg/errors"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// Eviction strategies.
const (
	EvictionRecency  = "recency"
	EvictionPriority = "priority"
	EvictionAge      = "age"
)

// Initial-load strategies.
const (
	InitialLoadAll     = "all"
	InitialLoadMinimal = "minimal"
	InitialLoadSmart   = "smart"
)

// Remote backends.
const (
	RemoteBackendHTTP = "http"
	RemoteBackendS3   = "s3"
)

// Config is the complete syncache configuration.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Sync    SyncConfig    `yaml:"sync"`
	Store   StoreConfig   `yaml:"store"`
	Remote  RemoteConfig  `yaml:"remote"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
}

// TypeQuota bounds one item type inside the cache.
type TypeQuota struct {
	MaxItems     int   `yaml:"max_items"`
	MaxSizeUnits int64 `yaml:"max_size_units"`
}

// CacheConfig is the immutable-per-instance cache policy.
type CacheConfig struct {
	MaxItems     int           `yaml:"max_items"`
	MaxSizeUnits int64         `yaml:"max_size_units"`
	MaxAge       time.Duration `yaml:"max_age"`

	// PerType quotas are keyed by item type tag. The sum of per-type quotas
	// must not exceed the corresponding global quota.
	PerType map[string]TypeQuota `yaml:"per_type"`

	EvictionStrategy string `yaml:"eviction_strategy"`

	PruneInterval  time.Duration `yaml:"prune_interval"`
	PruneThreshold float64       `yaml:"prune_threshold"`

	InitialLoadStrategy string `yaml:"initial_load_strategy"`
	InitialLoadCap      int    `yaml:"initial_load_cap"`
}

// RetryConfig configures queue replay backoff.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// SyncConfig configures the hybrid sync coordinator.
type SyncConfig struct {
	SyncInterval   time.Duration `yaml:"sync_interval"`
	DrainBatchSize int           `yaml:"drain_batch_size"`
	QueueMaxSize   int           `yaml:"queue_max_size"`
	MaxRetries     int           `yaml:"max_retries"`
	Retry          RetryConfig   `yaml:"retry"`

	// ForceOffline pins the coordinator offline. For testing.
	ForceOffline bool `yaml:"force_offline"`
}

// StoreConfig configures the local SQLite store.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// BreakerConfig configures the remote circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// S3Config configures the S3-compatible remote backend. Static credentials
// are optional; when absent the default AWS credential chain applies.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	AccessKeyID    string `yaml:"access_key_id"`
	SecretKey      string `yaml:"secret_key"`
}

// RemoteConfig configures the remote authority client.
type RemoteConfig struct {
	Backend   string        `yaml:"backend"`
	BaseURL   string        `yaml:"base_url"`
	AuthToken string        `yaml:"auth_token"`
	Timeout   time.Duration `yaml:"timeout"`

	HealthInterval   time.Duration `yaml:"health_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`

	Breaker BreakerConfig `yaml:"breaker"`
	S3      S3Config      `yaml:"s3"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int64  `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// APIConfig configures the admin/status HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxItems:     10000,
			MaxSizeUnits: 32 * 1024 * 1024,
			MaxAge:       30 * 24 * time.Hour,
			PerType: map[string]TypeQuota{
				string(types.ItemTypeEmail): {MaxItems: 6000, MaxSizeUnits: 16 * 1024 * 1024},
				string(types.ItemTypeTask):  {MaxItems: 2000, MaxSizeUnits: 8 * 1024 * 1024},
				string(types.ItemTypeNote):  {MaxItems: 1000, MaxSizeUnits: 4 * 1024 * 1024},
				string(types.ItemTypeEvent): {MaxItems: 1000, MaxSizeUnits: 4 * 1024 * 1024},
			},
			EvictionStrategy:    EvictionPriority,
			PruneInterval:       15 * time.Minute,
			PruneThreshold:      0.85,
			InitialLoadStrategy: InitialLoadSmart,
			InitialLoadCap:      500,
		},
		Sync: SyncConfig{
			SyncInterval:   30 * time.Second,
			DrainBatchSize: 25,
			QueueMaxSize:   5000,
			MaxRetries:     5,
			Retry: RetryConfig{
				InitialDelay: 2 * time.Second,
				MaxDelay:     5 * time.Minute,
				Multiplier:   2.0,
				Jitter:       true,
			},
		},
		Store: StoreConfig{
			DataDir: "/var/lib/syncache",
		},
		Remote: RemoteConfig{
			Backend:          RemoteBackendHTTP,
			BaseURL:          "http://localhost:9090",
			Timeout:          10 * time.Second,
			HealthInterval:   15 * time.Second,
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				HalfOpenRequests: 1,
			},
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "syncache/",
			},
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			Format:     "text",
			MaxSizeMB:  64,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9180,
			Path:      "/metrics",
			Namespace: "syncache",
		},
		API: APIConfig{
			Enabled: true,
			Address: "localhost:8085",
		},
	}
}

// Preset returns a named configuration bundle. Presets differ only in the
// cache policy numbers.
func Preset(name string) (*Config, error) {
	cfg := Default()
	switch name {
	case "", "default":
	case "minimal":
		cfg.Cache.MaxItems = 1000
		cfg.Cache.MaxSizeUnits = 4 * 1024 * 1024
		cfg.Cache.MaxAge = 7 * 24 * time.Hour
		cfg.Cache.PerType = map[string]TypeQuota{
			string(types.ItemTypeEmail): {MaxItems: 600, MaxSizeUnits: 2 * 1024 * 1024},
			string(types.ItemTypeTask):  {MaxItems: 200, MaxSizeUnits: 1024 * 1024},
			string(types.ItemTypeNote):  {MaxItems: 100, MaxSizeUnits: 512 * 1024},
			string(types.ItemTypeEvent): {MaxItems: 100, MaxSizeUnits: 512 * 1024},
		}
		cfg.Cache.InitialLoadStrategy = InitialLoadMinimal
		cfg.Cache.InitialLoadCap = 100
	case "generous":
		cfg.Cache.MaxItems = 100000
		cfg.Cache.MaxSizeUnits = 256 * 1024 * 1024
		cfg.Cache.MaxAge = 90 * 24 * time.Hour
		cfg.Cache.PerType = map[string]TypeQuota{
			string(types.ItemTypeEmail): {MaxItems: 60000, MaxSizeUnits: 128 * 1024 * 1024},
			string(types.ItemTypeTask):  {MaxItems: 20000, MaxSizeUnits: 64 * 1024 * 1024},
			string(types.ItemTypeNote):  {MaxItems: 10000, MaxSizeUnits: 32 * 1024 * 1024},
			string(types.ItemTypeEvent): {MaxItems: 10000, MaxSizeUnits: 32 * 1024 * 1024},
		}
		cfg.Cache.InitialLoadStrategy = InitialLoadAll
		cfg.Cache.InitialLoadCap = 5000
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown preset: %s", name)
	}
	return cfg, nil
}

// LoadFromFile overlays configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err)
	}
	return nil
}

// ApplyEnv overlays SYNCACHE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SYNCACHE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SYNCACHE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SYNCACHE_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("SYNCACHE_DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv("SYNCACHE_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("SYNCACHE_REMOTE_BACKEND"); v != "" {
		c.Remote.Backend = v
	}
	if v := os.Getenv("SYNCACHE_REMOTE_TOKEN"); v != "" {
		c.Remote.AuthToken = v
	}
	if v := os.Getenv("SYNCACHE_S3_BUCKET"); v != "" {
		c.Remote.S3.Bucket = v
	}
	if v := os.Getenv("SYNCACHE_S3_REGION"); v != "" {
		c.Remote.S3.Region = v
	}
	if v := os.Getenv("SYNCACHE_S3_ENDPOINT"); v != "" {
		c.Remote.S3.Endpoint = v
	}
	if v := os.Getenv("SYNCACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MaxItems = n
		}
	}
	if v := os.Getenv("SYNCACHE_MAX_SIZE_UNITS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.MaxSizeUnits = n
		}
	}
	if v := os.Getenv("SYNCACHE_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.SyncInterval = d
		}
	}
	if v := os.Getenv("SYNCACHE_QUEUE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.DrainBatchSize = n
		}
	}
	if v := os.Getenv("SYNCACHE_FORCE_OFFLINE"); v != "" {
		c.Sync.ForceOffline = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SYNCACHE_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = n
		}
	}
	if v := os.Getenv("SYNCACHE_API_ADDRESS"); v != "" {
		c.API.Address = v
	}
}

// Validate checks the configuration. Any failure is fatal at startup.
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}

	if c.Sync.SyncInterval <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "sync_interval must be positive")
	}
	if c.Sync.DrainBatchSize <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "drain_batch_size must be positive")
	}
	if c.Sync.QueueMaxSize <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "queue_max_size must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "max_retries must be positive")
	}

	switch c.Remote.Backend {
	case RemoteBackendHTTP:
		if c.Remote.BaseURL == "" {
			return errors.New(errors.ErrCodeConfigValidation, "remote.base_url is required for the http backend")
		}
	case RemoteBackendS3:
		if c.Remote.S3.Bucket == "" {
			return errors.New(errors.ErrCodeConfigValidation, "remote.s3.bucket is required for the s3 backend")
		}
	default:
		return errors.Newf(errors.ErrCodeConfigValidation, "unknown remote backend: %s", c.Remote.Backend)
	}
	if c.Remote.Timeout <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "remote.timeout must be positive")
	}

	if _, err := utils.ParseLogLevel(c.Logging.Level); err != nil {
		return errors.Wrap(errors.ErrCodeConfigValidation, "invalid logging.level", err)
	}
	if _, err := utils.ParseLogFormat(c.Logging.Format); err != nil {
		return errors.Wrap(errors.ErrCodeConfigValidation, "invalid logging.format", err)
	}

	return nil
}

// Validate checks the cache policy in isolation.
func (cc *CacheConfig) Validate() error {
	if cc.MaxItems <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "cache.max_items must be positive")
	}
	if cc.MaxSizeUnits <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "cache.max_size_units must be positive")
	}
	if cc.MaxAge <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "cache.max_age must be positive")
	}
	if cc.PruneThreshold < 0 || cc.PruneThreshold > 1 {
		return errors.Newf(errors.ErrCodeConfigValidation,
			"cache.prune_threshold must be in [0,1], got %v", cc.PruneThreshold)
	}
	if cc.PruneInterval <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "cache.prune_interval must be positive")
	}

	switch cc.EvictionStrategy {
	case EvictionRecency, EvictionPriority, EvictionAge:
	default:
		return errors.Newf(errors.ErrCodeConfigValidation,
			"unknown eviction_strategy: %s", cc.EvictionStrategy)
	}

	switch cc.InitialLoadStrategy {
	case InitialLoadAll, InitialLoadMinimal, InitialLoadSmart:
	default:
		return errors.Newf(errors.ErrCodeConfigValidation,
			"unknown initial_load_strategy: %s", cc.InitialLoadStrategy)
	}
	if cc.InitialLoadStrategy != InitialLoadAll && cc.InitialLoadCap <= 0 {
		return errors.New(errors.ErrCodeConfigValidation,
			"initial_load_cap must be positive for capped load strategies")
	}

	var sumItems int
	var sumSize int64
	for tag, quota := range cc.PerType {
		if types.ParseItemType(tag) == types.ItemTypeOther && tag != string(types.ItemTypeOther) {
			return errors.Newf(errors.ErrCodeConfigValidation, "per_type quota for unknown type: %s", tag)
		}
		if quota.MaxItems < 0 || quota.MaxSizeUnits < 0 {
			return errors.Newf(errors.ErrCodeConfigValidation, "per_type quota for %s must be non-negative", tag)
		}
		sumItems += quota.MaxItems
		sumSize += quota.MaxSizeUnits
	}
	if sumItems > cc.MaxItems {
		return errors.Newf(errors.ErrCodeConfigValidation,
			"per_type max_items sum (%d) exceeds cache.max_items (%d)", sumItems, cc.MaxItems)
	}
	if sumSize > cc.MaxSizeUnits {
		return errors.Newf(errors.ErrCodeConfigValidation,
			"per_type max_size_units sum (%d) exceeds cache.max_size_units (%d)", sumSize, cc.MaxSizeUnits)
	}

	return nil
}
