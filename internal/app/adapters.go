package app

import (
	"fmt"
	"strings"

	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/database"
	"github.com/charlesng35/carecache/internal/interceptor"
	"github.com/charlesng35/carecache/internal/offline"
	"github.com/charlesng35/carecache/pkg/validator"
)

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validator.ValidateStruct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for store := range c.Store.TTLs {
		if !validator.IsEntityName(store) {
			return fmt.Errorf("config: store.ttls: invalid store name %q", store)
		}
	}
	for bucket := range c.Interceptor.BucketTTLs {
		if !isBucket(bucket) {
			return fmt.Errorf("config: interceptor.bucket_ttls: unknown bucket %q", bucket)
		}
	}
	return nil
}

func isBucket(name string) bool {
	for _, bucket := range interceptor.Buckets {
		if string(bucket) == name {
			return true
		}
	}
	return false
}

// DatabaseConnConfig converts the database section into database.Config.
func (c DatabaseConfig) DatabaseConnConfig() database.Config {
	out := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   c.Path,
		DSN:    c.DSN,
	}
	var auth DBAuthConfig
	switch out.Driver {
	case "postgres", "postgresql":
		auth = c.Postgres
	case "mysql":
		auth = c.MySQL
	default:
		return out
	}
	out.Host = auth.Host
	out.Port = auth.Port
	out.Name = auth.Database
	out.User = auth.Username
	out.Password = auth.Password
	return out
}

// StoreSettings converts the store and offline sections into cache.Config.
func (c Config) StoreSettings() cache.Config {
	cfg := cache.DefaultConfig()
	if c.Store.DefaultTTL > 0 {
		cfg.TTL.Default = c.Store.DefaultTTL
	}
	for store, ttl := range c.Store.TTLs {
		if ttl > 0 {
			cfg.TTL.Overrides[store] = ttl
		}
	}
	if c.Store.CleanupThreshold > 0 {
		cfg.CleanupThreshold = c.Store.CleanupThreshold
	}
	if c.Offline.MaxRetries > 0 {
		cfg.DefaultMaxRetries = c.Offline.MaxRetries
	}
	cfg.Version = strings.TrimSpace(c.Store.AppVersion)
	return cfg
}

// InterceptorSettings converts the interceptor section into interceptor.Config.
func (c InterceptorConfig) InterceptorSettings() interceptor.Config {
	cfg := interceptor.DefaultConfig()
	cfg.Origin = strings.TrimSpace(c.Origin)
	cfg.RemoteBaseURL = strings.TrimSpace(c.RemoteBaseURL)
	if v := strings.TrimSpace(c.Version); v != "" {
		cfg.Version = v
	}
	if c.FetchTimeout > 0 {
		cfg.FetchTimeout = c.FetchTimeout
	}
	if len(c.APIPatterns) > 0 {
		cfg.APIPatterns = append([]string(nil), c.APIPatterns...)
	}
	if c.Precache != nil {
		cfg.Precache = append([]string(nil), c.Precache...)
	}
	for bucket, ttl := range c.BucketTTLs {
		if ttl > 0 {
			cfg.TTLs[interceptor.Bucket(bucket)] = ttl
		}
	}
	return cfg
}

// RemoteSettings builds the data service client configuration.
func (c Config) RemoteSettings() offline.HTTPRemoteConfig {
	return offline.HTTPRemoteConfig{
		BaseURL:    strings.TrimSpace(c.Interceptor.RemoteBaseURL),
		HealthPath: c.Offline.HealthPath,
		Timeout:    c.Offline.RemoteTimeout,
	}
}

// ReplaySettings converts the offline section into offline.ReplayConfig.
func (c OfflineConfig) ReplaySettings() offline.ReplayConfig {
	return offline.ReplayConfig{
		MaxAge:   c.MaxAge,
		LeaseTTL: c.LeaseTTL,
	}
}

// RedisClientConfig converts the application cache configuration into the cache package representation.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:  strings.TrimSpace(c.Redis.Address),
		Username: strings.TrimSpace(c.Redis.Username),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TLS:      c.Redis.TLS,
		Timeout:  c.Redis.Timeout,
	}
}
