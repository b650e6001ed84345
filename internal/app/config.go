package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration of the carecache server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Store       StoreConfig       `mapstructure:"store"`
	Interceptor InterceptorConfig `mapstructure:"interceptor"`
	Offline     OfflineConfig     `mapstructure:"offline"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int    `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel  string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"omitempty,oneof=json console"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver" validate:"omitempty,oneof=sqlite postgres postgresql mysql"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// StoreConfig tunes the persistent entity cache.
type StoreConfig struct {
	DefaultTTL       time.Duration            `mapstructure:"default_ttl" validate:"gt=0"`
	TTLs             map[string]time.Duration `mapstructure:"ttls"`
	CleanupThreshold int64                    `mapstructure:"cleanup_threshold" validate:"gte=0"`
	AppVersion       string                   `mapstructure:"app_version"`
}

// InterceptorConfig controls the request interception cache.
type InterceptorConfig struct {
	Origin        string                   `mapstructure:"origin"`
	RemoteBaseURL string                   `mapstructure:"remote_base_url" validate:"omitempty,url"`
	Version       string                   `mapstructure:"version"`
	FetchTimeout  time.Duration            `mapstructure:"fetch_timeout"`
	APIPatterns   []string                 `mapstructure:"api_patterns"`
	Precache      []string                 `mapstructure:"precache"`
	BucketTTLs    map[string]time.Duration `mapstructure:"bucket_ttls"`
	APIRetention  time.Duration            `mapstructure:"api_retention"`
}

// OfflineConfig controls the offline action queue and its replay.
type OfflineConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=1"`
	MaxAge         time.Duration `mapstructure:"max_age" validate:"gt=0"`
	ReplaySchedule string        `mapstructure:"replay_schedule"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	RemoteTimeout  time.Duration `mapstructure:"remote_timeout"`
	HealthPath     string        `mapstructure:"health_path"`
}

// CacheConfig describes auxiliary cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options. Redis only backs the
// replay lease when several processes share one database.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MaintenanceConfig schedules background jobs.
type MaintenanceConfig struct {
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
	GCSchedule      string `mapstructure:"gc_schedule"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CARECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/carecache.sqlite")

	v.SetDefault("store.default_ttl", "5m")
	v.SetDefault("store.cleanup_threshold", 10000)
	v.SetDefault("store.app_version", "dev")

	v.SetDefault("interceptor.version", "v1")
	v.SetDefault("interceptor.fetch_timeout", "10s")
	v.SetDefault("interceptor.api_retention", "24h")

	v.SetDefault("offline.max_retries", 3)
	v.SetDefault("offline.max_age", "168h") // 7 days
	v.SetDefault("offline.replay_schedule", "@every 1m")
	v.SetDefault("offline.probe_interval", "30s")
	v.SetDefault("offline.lease_ttl", "2m")
	v.SetDefault("offline.remote_timeout", "15s")
	v.SetDefault("offline.health_path", "/health")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("maintenance.cleanup_schedule", "@hourly")
	v.SetDefault("maintenance.gc_schedule", "@daily")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
