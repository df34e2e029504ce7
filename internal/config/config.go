// Package config loads and validates the subsystem configuration from a
// YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete subsystem configuration.
type Configuration struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Memory     MemoryConfig     `yaml:"memory"`
	Disk       DiskConfig       `yaml:"disk"`
	Persistent PersistentConfig `yaml:"persistent"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Batch      BatchConfig      `yaml:"batch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MemoryConfig represents memory tier settings.
type MemoryConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// DiskConfig represents disk tier settings. MaxSize accepts human size
// strings such as "512MB".
type DiskConfig struct {
	Directory   string        `yaml:"directory"`
	MaxSize     string        `yaml:"max_size"`
	TTL         time.Duration `yaml:"ttl"`
	Compression bool          `yaml:"compression"`
}

// PersistentConfig represents persistent analysis tier settings.
type PersistentConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Backend    string        `yaml:"backend"` // "sqlite" or "s3"
	DefaultTTL time.Duration `yaml:"default_ttl"`
	SQLitePath string        `yaml:"sqlite_path"`
	S3         S3Config      `yaml:"s3"`
}

// S3Config represents the S3 analysis store settings.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// APILimits is the per-API call budget.
type APILimits struct {
	CallsPerMinute int `yaml:"calls_per_minute"`
	CallsPerHour   int `yaml:"calls_per_hour"`
	CallsPerDay    int `yaml:"calls_per_day"`
}

// RateLimitConfig represents rate limiter settings.
type RateLimitConfig struct {
	BackoffBase       time.Duration        `yaml:"backoff_base"`
	BackoffMultiplier float64              `yaml:"backoff_multiplier"`
	BackoffCap        time.Duration        `yaml:"backoff_cap"`
	MaxRetries        int                  `yaml:"max_retries"`
	APIs              map[string]APILimits `yaml:"apis"`
}

// BatchConfig represents batch scheduler settings.
type BatchConfig struct {
	MaxConcurrency    int           `yaml:"max_concurrency"`
	InterRequestDelay time.Duration `yaml:"inter_request_delay"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	TargetDuration    time.Duration `yaml:"target_duration"`
	PriorityOrdering  bool          `yaml:"priority_ordering"`
	CallRetries       int           `yaml:"call_retries"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// SweeperConfig represents the periodic cleanup schedule.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Memory: MemoryConfig{
			MaxEntries: 10000,
			TTL:        5 * time.Minute,
		},
		Disk: DiskConfig{
			Directory:   filepath.Join(os.TempDir(), "chartsense-cache"),
			MaxSize:     "512MB",
			TTL:         time.Hour,
			Compression: true,
		},
		Persistent: PersistentConfig{
			Enabled:    true,
			Backend:    "sqlite",
			DefaultTTL: 24 * time.Hour,
			SQLitePath: "data/analysis.db",
			S3: S3Config{
				Prefix: "analysis/",
				Region: "us-east-1",
			},
		},
		RateLimit: RateLimitConfig{
			BackoffBase:       time.Second,
			BackoffMultiplier: 2.0,
			BackoffCap:        5 * time.Minute,
			MaxRetries:        3,
			APIs:              map[string]APILimits{},
		},
		Batch: BatchConfig{
			MaxConcurrency:    4,
			InterRequestDelay: 200 * time.Millisecond,
			MaxBatchSize:      50,
			TargetDuration:    30 * time.Second,
			PriorityOrdering:  true,
			CallRetries:       2,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: 10 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, then validates it.
func Load(filename string) (*Configuration, error) {
	c := NewDefault()
	if filename != "" {
		if err := c.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies CHARTSENSE_* environment variable overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("CHARTSENSE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("CHARTSENSE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}

	if val := os.Getenv("CHARTSENSE_MEMORY_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Memory.MaxEntries = n
		}
	}
	if val := os.Getenv("CHARTSENSE_MEMORY_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Memory.TTL = d
		}
	}

	if val := os.Getenv("CHARTSENSE_DISK_DIRECTORY"); val != "" {
		c.Disk.Directory = val
	}
	if val := os.Getenv("CHARTSENSE_DISK_MAX_SIZE"); val != "" {
		c.Disk.MaxSize = val
	}
	if val := os.Getenv("CHARTSENSE_DISK_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Disk.TTL = d
		}
	}
	if val := os.Getenv("CHARTSENSE_DISK_COMPRESSION"); val != "" {
		c.Disk.Compression = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("CHARTSENSE_PERSISTENT_BACKEND"); val != "" {
		c.Persistent.Backend = val
	}
	if val := os.Getenv("CHARTSENSE_SQLITE_PATH"); val != "" {
		c.Persistent.SQLitePath = val
	}
	if val := os.Getenv("CHARTSENSE_S3_BUCKET"); val != "" {
		c.Persistent.S3.Bucket = val
	}
	if val := os.Getenv("CHARTSENSE_S3_REGION"); val != "" {
		c.Persistent.S3.Region = val
	}
	if val := os.Getenv("CHARTSENSE_S3_ENDPOINT"); val != "" {
		c.Persistent.S3.Endpoint = val
	}

	if val := os.Getenv("CHARTSENSE_BATCH_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Batch.MaxConcurrency = n
		}
	}
	if val := os.Getenv("CHARTSENSE_BATCH_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Batch.InterRequestDelay = d
		}
	}

	if val := os.Getenv("CHARTSENSE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CHARTSENSE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Logging.Level) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	if c.Memory.MaxEntries <= 0 {
		return fmt.Errorf("memory.max_entries must be greater than 0")
	}

	if c.Disk.Directory == "" {
		return fmt.Errorf("disk.directory is required")
	}
	if _, err := ParseBytes(c.Disk.MaxSize); err != nil {
		return fmt.Errorf("invalid disk.max_size %q: %w", c.Disk.MaxSize, err)
	}

	if c.Persistent.Enabled {
		switch c.Persistent.Backend {
		case "sqlite":
			if c.Persistent.SQLitePath == "" {
				return fmt.Errorf("persistent.sqlite_path is required for the sqlite backend")
			}
		case "s3":
			if c.Persistent.S3.Bucket == "" {
				return fmt.Errorf("persistent.s3.bucket is required for the s3 backend")
			}
		default:
			return fmt.Errorf("invalid persistent.backend: %s (must be sqlite or s3)", c.Persistent.Backend)
		}
	}

	if c.RateLimit.BackoffMultiplier < 1.0 {
		return fmt.Errorf("ratelimit.backoff_multiplier must be at least 1.0")
	}
	if c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("ratelimit.max_retries must not be negative")
	}
	for api, limits := range c.RateLimit.APIs {
		if limits.CallsPerMinute < 0 || limits.CallsPerHour < 0 || limits.CallsPerDay < 0 {
			return fmt.Errorf("ratelimit.apis.%s: limits must not be negative", api)
		}
	}

	if c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("batch.max_concurrency must be greater than 0")
	}
	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("batch.max_batch_size must be greater than 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics.port: %d", c.Metrics.Port)
	}

	return nil
}

// DiskMaxSizeBytes returns the disk tier capacity in bytes.
func (c *Configuration) DiskMaxSizeBytes() int64 {
	size, err := ParseBytes(c.Disk.MaxSize)
	if err != nil {
		return 0
	}
	return size
}

// ParseBytes parses a human-readable byte string such as "512MB".
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}

	s = strings.ToUpper(strings.TrimSpace(s))

	if strings.HasSuffix(s, "B") {
		s = s[:len(s)-1]
	}

	var multiplier int64 = 1
	var numStr string

	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1024
			numStr = s[:len(s)-1]
		case 'M':
			multiplier = 1024 * 1024
			numStr = s[:len(s)-1]
		case 'G':
			multiplier = 1024 * 1024 * 1024
			numStr = s[:len(s)-1]
		case 'T':
			multiplier = 1024 * 1024 * 1024 * 1024
			numStr = s[:len(s)-1]
		default:
			numStr = s
		}
	}

	var num float64
	if _, err := fmt.Sscanf(numStr, "%f", &num); err != nil {
		return 0, fmt.Errorf("invalid number format: %s", s)
	}

	return int64(num * float64(multiplier)), nil
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}
