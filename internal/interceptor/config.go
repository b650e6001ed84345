package interceptor

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charlesng35/carecache/internal/cache"
)

// Bucket names a family of cached responses sharing one strategy and TTL.
type Bucket string

const (
	BucketStatic Bucket = "static"
	BucketImages Bucket = "images"
	BucketFonts  Bucket = "fonts"
	BucketAPI    Bucket = "api"
)

// Buckets lists every bucket the interceptor writes to.
var Buckets = []Bucket{BucketStatic, BucketImages, BucketFonts, BucketAPI}

const (
	defaultFetchTimeout = 10 * time.Second
	defaultVersion      = "v1"
	defaultEntityPrefix = "/rest/v1/"
	maxBodyBytes        = 16 << 20
)

// DefaultTTLs is the freshness window of each bucket.
func DefaultTTLs() map[Bucket]time.Duration {
	return map[Bucket]time.Duration{
		BucketStatic: 30 * 24 * time.Hour,
		BucketImages: 7 * 24 * time.Hour,
		BucketFonts:  365 * 24 * time.Hour,
		BucketAPI:    5 * time.Minute,
	}
}

// Config controls classification and storage of intercepted responses.
type Config struct {
	// RemoteBaseURL is the data service. Only its GET endpoints matching
	// APIPatterns land in the api bucket.
	RemoteBaseURL string
	// Origin resolves relative Precache entries.
	Origin string
	// Version suffixes every bucket name; ClearOldCaches drops other versions.
	Version      string
	FetchTimeout time.Duration
	// APIPatterns are path prefixes, or path.Match globs when they contain '*'.
	APIPatterns []string
	// EntityPathPrefix joined with an entity name gives its remote path.
	EntityPathPrefix string
	Precache         []string
	TTLs             map[Bucket]time.Duration
}

// DefaultAPIPatterns allows the remote path of every known entity store.
func DefaultAPIPatterns() []string {
	patterns := make([]string, 0, len(cache.KnownStores))
	for _, store := range cache.KnownStores {
		patterns = append(patterns, defaultEntityPrefix+store)
	}
	return patterns
}

// DefaultConfig returns a configuration with the standard TTLs and patterns.
func DefaultConfig() Config {
	return Config{
		Version:          defaultVersion,
		FetchTimeout:     defaultFetchTimeout,
		APIPatterns:      DefaultAPIPatterns(),
		EntityPathPrefix: defaultEntityPrefix,
		Precache:         []string{"/", "/index.html", "/manifest.json"},
		TTLs:             DefaultTTLs(),
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Version) == "" {
		c.Version = defaultVersion
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.APIPatterns == nil {
		c.APIPatterns = DefaultAPIPatterns()
	}
	if c.EntityPathPrefix == "" {
		c.EntityPathPrefix = defaultEntityPrefix
	}
	ttls := DefaultTTLs()
	for bucket, ttl := range c.TTLs {
		if ttl > 0 {
			ttls[bucket] = ttl
		}
	}
	c.TTLs = ttls
	return c
}

// BucketName is the versioned storage name of bucket.
func (c Config) BucketName(bucket Bucket) string {
	return BucketNameFor(bucket, c.Version)
}

// BucketNameFor returns the storage name of bucket at version.
func BucketNameFor(bucket Bucket, version string) string {
	return fmt.Sprintf("%s-%s", bucket, version)
}

// EntityPath is the remote path serving entity.
func (c Config) EntityPath(entity string) string {
	return strings.TrimSuffix(c.EntityPathPrefix, "/") + "/" + strings.Trim(entity, "/")
}

// remoteEntityPath is EntityPath below the path of RemoteBaseURL, as it
// appears on stored api responses.
func (c Config) remoteEntityPath(entity string) string {
	p := c.EntityPath(entity)
	if u, err := url.Parse(strings.TrimSpace(c.RemoteBaseURL)); err == nil {
		p = strings.TrimSuffix(u.Path, "/") + p
	}
	return p
}
