package interceptor

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Strategy is how a classified request is served.
type Strategy int

const (
	Passthrough Strategy = iota
	CacheFirst
	NetworkFirst
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "passthrough"
	}
}

// Classification is the caching decision for one request.
type Classification struct {
	Cache    bool
	Bucket   Bucket
	TTL      time.Duration
	Strategy Strategy
}

var strategies = map[Bucket]Strategy{
	BucketStatic: CacheFirst,
	BucketFonts:  CacheFirst,
	BucketAPI:    NetworkFirst,
	BucketImages: StaleWhileRevalidate,
}

var extensionBuckets = map[string]Bucket{
	".html":  BucketStatic,
	".htm":   BucketStatic,
	".css":   BucketStatic,
	".js":    BucketStatic,
	".mjs":   BucketStatic,
	".png":   BucketImages,
	".jpg":   BucketImages,
	".jpeg":  BucketImages,
	".gif":   BucketImages,
	".svg":   BucketImages,
	".webp":  BucketImages,
	".avif":  BucketImages,
	".ico":   BucketImages,
	".woff":  BucketFonts,
	".woff2": BucketFonts,
	".ttf":   BucketFonts,
	".otf":   BucketFonts,
	".eot":   BucketFonts,
}

// classifier applies the configured allow-list to requests.
type classifier struct {
	remote *url.URL
	// basePath is the path of the remote base URL; patterns match below it.
	basePath string
	patterns []string
	ttls     map[Bucket]time.Duration
}

func newClassifier(cfg Config) classifier {
	c := classifier{patterns: cfg.APIPatterns, ttls: cfg.TTLs}
	if base := strings.TrimSpace(cfg.RemoteBaseURL); base != "" {
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			c.remote = u
			c.basePath = strings.TrimSuffix(u.Path, "/")
		}
	}
	return c
}

func (c classifier) classify(req *http.Request) Classification {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return Classification{}
	}

	if c.isRemote(req.URL) && c.allowed(req.URL.Path) {
		return c.decision(BucketAPI)
	}

	bucket := resourceClass(req)
	if bucket == "" {
		return Classification{}
	}
	return c.decision(bucket)
}

func (c classifier) decision(bucket Bucket) Classification {
	return Classification{
		Cache:    true,
		Bucket:   bucket,
		TTL:      c.ttls[bucket],
		Strategy: strategies[bucket],
	}
}

func (c classifier) isRemote(u *url.URL) bool {
	return c.remote != nil && strings.EqualFold(u.Host, c.remote.Host)
}

func (c classifier) allowed(p string) bool {
	if c.basePath != "" {
		if !strings.HasPrefix(p, c.basePath+"/") {
			return false
		}
		p = strings.TrimPrefix(p, c.basePath)
	}
	for _, pattern := range c.patterns {
		if strings.Contains(pattern, "*") {
			if ok, _ := path.Match(pattern, p); ok {
				return true
			}
			continue
		}
		pattern = strings.TrimSuffix(pattern, "/")
		if p == pattern || strings.HasPrefix(p, pattern+"/") {
			return true
		}
	}
	return false
}

// resourceClass derives the bucket from Sec-Fetch-Dest, then Accept, then the
// path extension.
func resourceClass(req *http.Request) Bucket {
	switch strings.ToLower(req.Header.Get("Sec-Fetch-Dest")) {
	case "document", "iframe", "style", "script", "manifest", "worker", "sharedworker":
		return BucketStatic
	case "image":
		return BucketImages
	case "font":
		return BucketFonts
	}

	accept := strings.ToLower(req.Header.Get("Accept"))
	switch {
	case strings.HasPrefix(accept, "text/html"), strings.HasPrefix(accept, "text/css"),
		strings.Contains(accept, "javascript"):
		return BucketStatic
	case strings.HasPrefix(accept, "image/"):
		return BucketImages
	case strings.HasPrefix(accept, "font/"):
		return BucketFonts
	}

	return extensionBuckets[strings.ToLower(path.Ext(req.URL.Path))]
}
