package interceptor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CacheStats lists the number of stored responses per bucket name.
type CacheStats struct {
	Buckets map[string]int64 `json:"buckets"`
	Total   int64            `json:"total"`
	Version string           `json:"version"`
}

// PrecacheStaticAssets fetches the configured asset list into the static
// bucket. Every asset is attempted; failures are combined.
func (i *Interceptor) PrecacheStaticAssets(ctx context.Context) error {
	bucket := i.cfg.BucketName(BucketStatic)

	var errs error
	for _, asset := range i.cfg.Precache {
		target, err := i.resolve(asset)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		snap, err := i.fetch(req)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("precache %s: %w", asset, err))
			continue
		}
		if snap.status < 200 || snap.status > 299 {
			errs = multierr.Append(errs, fmt.Errorf("precache %s: status %d", asset, snap.status))
			continue
		}
		i.keep(ctx, bucket, req, snap)
	}

	if errs != nil {
		i.log.Warn("precache incomplete", zap.Error(errs))
	}
	return errs
}

func (i *Interceptor) resolve(asset string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(asset))
	if err != nil {
		return nil, fmt.Errorf("precache %s: %w", asset, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	if i.cfg.Origin == "" {
		return nil, fmt.Errorf("precache %s: relative asset without origin", asset)
	}
	origin, err := url.Parse(i.cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("precache origin: %w", err)
	}
	return origin.ResolveReference(ref), nil
}

// ClearOldCaches removes every bucket not belonging to version and returns
// the removed bucket names.
func (i *Interceptor) ClearOldCaches(ctx context.Context, version string) ([]string, error) {
	if strings.TrimSpace(version) == "" {
		version = i.cfg.Version
	}
	current := make(map[string]struct{}, len(Buckets))
	for _, bucket := range Buckets {
		current[BucketNameFor(bucket, version)] = struct{}{}
	}

	counts, err := i.store.counts(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs error
	for name := range counts {
		if _, ok := current[name]; ok {
			continue
		}
		if _, err := i.store.deleteBucket(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("clear bucket %s: %w", name, err))
			continue
		}
		removed = append(removed, name)
	}

	if len(removed) > 0 {
		i.log.Info("cleared outdated response buckets", zap.Strings("buckets", removed), zap.String("version", version))
	}
	return removed, errs
}

// GetCacheStats counts stored responses per bucket.
func (i *Interceptor) GetCacheStats(ctx context.Context) (CacheStats, error) {
	counts, err := i.store.counts(ctx)
	if err != nil {
		return CacheStats{}, err
	}

	stats := CacheStats{Buckets: counts, Version: i.cfg.Version}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// ClearCache drops one bucket by its stored name.
func (i *Interceptor) ClearCache(ctx context.Context, name string) (int64, error) {
	return i.store.deleteBucket(ctx, name)
}

// ClearAllCaches drops every stored response.
func (i *Interceptor) ClearAllCaches(ctx context.Context) (int64, error) {
	return i.store.deleteAll(ctx)
}

// Purge removes api responses served from the remote path of entity.
func (i *Interceptor) Purge(ctx context.Context, entity string) (int64, error) {
	removed, err := i.store.deletePath(ctx, i.cfg.BucketName(BucketAPI), i.cfg.remoteEntityPath(entity))
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", entity, err)
	}
	return removed, nil
}

// Prune drops static, image and font responses past their TTL, and api
// responses older than apiRetention when it is positive.
func (i *Interceptor) Prune(ctx context.Context, apiRetention time.Duration) (int64, error) {
	now := i.now().UTC()

	var (
		total int64
		errs  error
	)
	for _, bucket := range Buckets {
		ttl := i.cfg.TTLs[bucket]
		if bucket == BucketAPI {
			ttl = apiRetention
		}
		if ttl <= 0 {
			continue
		}
		n, err := i.store.deleteOlderThan(ctx, i.cfg.BucketName(bucket), now.Add(-ttl))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		total += n
	}
	return total, errs
}
