package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/logging"
	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

// Default values applied when fields are absent from both file and env.
const (
	DefaultBaseURL             = "https://afs.cn-sh-01.sensecoreapi.cn"
	DefaultHost                = "0.0.0.0"
	DefaultPort                = 8080
	DefaultServerTimeout       = 30 * time.Second
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultRequestTimeout      = 10 * time.Second
	DefaultMaxResponseBytes    = 64 << 20
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = 2 * time.Second
	DefaultRetryStrategy       = "linear"
	DefaultCollectionTimeout   = 25 * time.Second
	DefaultCacheDuration       = 30 * time.Second
	DefaultMaxConcurrency      = 5
	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 60 * time.Second
	DefaultHalfOpenMaxRequests = 1
)

// Config is the full exporter configuration. Fields map 1:1 to
// config.example.yaml.
type Config struct {
	AFS        AFSConfig        `yaml:"afs"`
	Server     ServerConfig     `yaml:"server"`
	Collection CollectionConfig `yaml:"collection"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AFSConfig describes the upstream API and the volumes to collect.
type AFSConfig struct {
	BaseURL string `yaml:"base_url"`

	// Literal credentials. Prefer the *_env indirection in files.
	AccessKeyValue string `yaml:"access_key"`
	SecretKeyValue string `yaml:"secret_key"`

	// AccessKeyEnv / SecretKeyEnv name env vars holding the credentials.
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`

	Volumes []types.VolumeRef `yaml:"volumes"`

	// SignedHeaders lists the headers covered by the request signature.
	// x-date is always included.
	SignedHeaders []string `yaml:"signed_headers"`

	// RequestTimeout bounds one upstream attempt.
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// AccessKey returns the literal access key, or the value of AccessKeyEnv.
func (a AFSConfig) AccessKey() string {
	if a.AccessKeyValue != "" || a.AccessKeyEnv == "" {
		return a.AccessKeyValue
	}
	return os.Getenv(a.AccessKeyEnv)
}

// SecretKey returns the literal secret key, or the value of SecretKeyEnv.
func (a AFSConfig) SecretKey() string {
	if a.SecretKeyValue != "" || a.SecretKeyEnv == "" {
		return a.SecretKeyValue
	}
	return os.Getenv(a.SecretKeyEnv)
}

// BreakerConfig configures the per-volume circuit breaker.
// A failure_threshold of 0 disables it.
type BreakerConfig struct {
	FailureThreshold    uint32        `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests uint32        `yaml:"half_open_max_requests"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RequestTimeout is the HTTP read/write timeout. collection.timeout
	// must stay below it so a scrape can be answered in time.
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TotalFailureStatus is the /metrics status when no volume has data:
	// 503 (default) or 200.
	TotalFailureStatus int `yaml:"total_failure_status"`

	// RuntimeMetrics adds Go runtime and process metrics to /metrics.
	RuntimeMetrics bool `yaml:"runtime_metrics"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// CollectionConfig controls retries, deadlines and caching.
type CollectionConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryStrategy string        `yaml:"retry_strategy"`

	// Timeout is the collection-level deadline for one round.
	Timeout        time.Duration `yaml:"timeout"`
	CacheDuration  time.Duration `yaml:"cache_duration"`
	MaxConcurrency int           `yaml:"max_concurrency"`

	// StaleTTL keeps a volume's last good records for this long after it
	// starts failing. 0 disables.
	StaleTTL time.Duration `yaml:"stale_ttl"`

	// WarmSchedule is an optional cron spec that refreshes the cache
	// between scrapes.
	WarmSchedule string `yaml:"warm_schedule"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		AFS: AFSConfig{
			BaseURL:          DefaultBaseURL,
			RequestTimeout:   DefaultRequestTimeout,
			MaxResponseBytes: DefaultMaxResponseBytes,
			CircuitBreaker: BreakerConfig{
				FailureThreshold:    DefaultFailureThreshold,
				RecoveryTimeout:     DefaultRecoveryTimeout,
				HalfOpenMaxRequests: DefaultHalfOpenMaxRequests,
			},
		},
		Server: ServerConfig{
			Host:               DefaultHost,
			Port:               DefaultPort,
			RequestTimeout:     DefaultServerTimeout,
			ShutdownTimeout:    DefaultShutdownTimeout,
			TotalFailureStatus: 503,
		},
		Collection: CollectionConfig{
			MaxRetries:     DefaultMaxRetries,
			RetryDelay:     DefaultRetryDelay,
			RetryStrategy:  DefaultRetryStrategy,
			Timeout:        DefaultCollectionTimeout,
			CacheDuration:  DefaultCacheDuration,
			MaxConcurrency: DefaultMaxConcurrency,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
	}
}

// applyEnv overrides cfg with the environment variables that are set.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("AFS_ACCESS_KEY", &cfg.AFS.AccessKeyValue)
	str("AFS_SECRET_KEY", &cfg.AFS.SecretKeyValue)
	str("AFS_BASE_URL", &cfg.AFS.BaseURL)
	str("SERVER_HOST", &cfg.Server.Host)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	id, hasID := lookup("AFS_VOLUME_ID")
	zone, hasZone := lookup("AFS_ZONE")
	if hasID && id != "" {
		if !hasZone || zone == "" {
			return errors.New("AFS_VOLUME_ID is set but AFS_ZONE is not")
		}
		cfg.AFS.Volumes = []types.VolumeRef{{VolumeID: id, Zone: zone}}
	}

	if v, ok := lookup("SERVER_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		cfg.Server.Port = n
	}
	if v, ok := lookup("MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RETRIES: %w", err)
		}
		cfg.Collection.MaxRetries = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"REQUEST_TIMEOUT", &cfg.Server.RequestTimeout},
		{"RETRY_DELAY", &cfg.Collection.RetryDelay},
		{"COLLECTION_TIMEOUT", &cfg.Collection.Timeout},
		{"CACHE_DURATION", &cfg.Collection.CacheDuration},
	}
	for _, d := range durations {
		v, ok := lookup(d.name)
		if !ok || v == "" {
			continue
		}
		dur, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = dur
	}
	return nil
}

// parseDuration accepts whole or fractional seconds ("30", "1.5") or a Go
// duration string ("30s").
func parseDuration(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.AFS
	if a.AccessKey() == "" || a.SecretKey() == "" {
		return errors.New("afs: access key and secret key are required")
	}
	u, err := url.Parse(a.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("afs.base_url %q must be an absolute http(s) url", a.BaseURL)
	}
	if len(a.Volumes) == 0 {
		return errors.New("afs.volumes: at least one volume is required")
	}
	seen := make(map[types.VolumeRef]struct{}, len(a.Volumes))
	for i, v := range a.Volumes {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("afs.volumes[%d]: %w", i, err)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("afs.volumes[%d]: duplicate volume %s", i, v)
		}
		seen[v] = struct{}{}
	}
	if a.RequestTimeout <= 0 {
		return errors.New("afs.request_timeout must be positive")
	}
	if a.MaxResponseBytes <= 0 {
		return errors.New("afs.max_response_bytes must be positive")
	}
	if a.CircuitBreaker.FailureThreshold > 0 && a.CircuitBreaker.RecoveryTimeout <= 0 {
		return errors.New("afs.circuit_breaker.recovery_timeout must be positive")
	}

	s := cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", s.Port)
	}
	if s.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}
	if s.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if s.TotalFailureStatus != 200 && s.TotalFailureStatus != 503 {
		return fmt.Errorf("server.total_failure_status must be 200 or 503, got %d", s.TotalFailureStatus)
	}

	c := cfg.Collection
	if c.MaxRetries < 0 {
		return errors.New("collection.max_retries must not be negative")
	}
	if c.RetryDelay <= 0 {
		return errors.New("collection.retry_delay must be positive")
	}
	switch c.RetryStrategy {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("collection.retry_strategy: unknown strategy %q", c.RetryStrategy)
	}
	if c.Timeout <= 0 {
		return errors.New("collection.timeout must be positive")
	}
	if c.Timeout >= s.RequestTimeout {
		return fmt.Errorf("collection.timeout (%s) must be less than server.request_timeout (%s)", c.Timeout, s.RequestTimeout)
	}
	if c.CacheDuration < 0 {
		return errors.New("collection.cache_duration must not be negative")
	}
	if c.MaxConcurrency < 0 {
		return errors.New("collection.max_concurrency must not be negative")
	}
	if c.StaleTTL < 0 {
		return errors.New("collection.stale_ttl must not be negative")
	}
	if c.WarmSchedule != "" {
		if _, err := cron.ParseStandard(c.WarmSchedule); err != nil {
			return fmt.Errorf("collection.warm_schedule %q: %w", c.WarmSchedule, err)
		}
	}

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if !logging.ValidFormat(cfg.Logging.Format) {
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	return nil
}
