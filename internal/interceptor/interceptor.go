package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/logger"
	"github.com/charlesng35/carecache/pkg/metrics"
)

// Headers written on responses served by the interceptor.
const (
	HeaderCacheTime   = "X-Cache-Time"
	HeaderCacheStatus = "X-Cache-Status"
	HeaderOffline     = "X-Offline"
	// HeaderHospitalID scopes stored responses to the requesting tenant.
	HeaderHospitalID = "X-Hospital-ID"
)

const offlineBody = `{"error":"offline","offline":true,"stale":true}`

// Interceptor is an http.RoundTripper that serves GET requests from versioned
// response buckets using cache-first, network-first or
// stale-while-revalidate depending on the resource class.
type Interceptor struct {
	cfg      Config
	base     http.RoundTripper
	store    *responseStore
	classify classifier
	now      func() time.Time
	log      *zap.Logger
	wg       sync.WaitGroup
}

// Option customises an Interceptor.
type Option func(*Interceptor)

// WithNow overrides the clock used for stamping and freshness checks.
func WithNow(now func() time.Time) Option {
	return func(i *Interceptor) {
		if now != nil {
			i.now = now
		}
	}
}

// New builds an Interceptor persisting responses through db. A nil base uses
// http.DefaultTransport.
func New(db *gorm.DB, base http.RoundTripper, cfg Config, opts ...Option) (*Interceptor, error) {
	if db == nil {
		return nil, errors.New("interceptor: database is required")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	cfg = cfg.withDefaults()

	i := &Interceptor{
		cfg:      cfg,
		base:     base,
		store:    &responseStore{db: db},
		classify: newClassifier(cfg),
		now:      time.Now,
		log:      logger.WithModule("interceptor"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Config returns the effective configuration.
func (i *Interceptor) Config() Config {
	return i.cfg
}

// Classify reports how req would be served.
func (i *Interceptor) Classify(req *http.Request) Classification {
	return i.classify.classify(req)
}

// HandleFetch serves req through the interceptor.
func (i *Interceptor) HandleFetch(req *http.Request) (*http.Response, error) {
	return i.RoundTrip(req)
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	c := i.Classify(req)
	if !c.Cache {
		metrics.InterceptedRequests.WithLabelValues("none", "passthrough").Inc()
		return i.base.RoundTrip(req)
	}

	switch c.Strategy {
	case CacheFirst:
		return i.cacheFirst(req, c)
	case NetworkFirst:
		return i.networkFirst(req, c)
	case StaleWhileRevalidate:
		return i.staleWhileRevalidate(req, c)
	default:
		return i.base.RoundTrip(req)
	}
}

// Wait blocks until background revalidations finish.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

func (i *Interceptor) cacheFirst(req *http.Request, c Classification) (*http.Response, error) {
	bucket := i.cfg.BucketName(c.Bucket)
	cached := i.lookup(req.Context(), bucket, req)
	if cached != nil && i.fresh(cached, c.TTL) {
		i.count(c, "hit")
		return cached.response(req, "hit"), nil
	}

	snap, err := i.fetch(req)
	if err != nil {
		if cached != nil {
			i.count(c, "stale")
			return cached.response(req, "stale"), nil
		}
		i.count(c, "offline")
		return nil, err
	}

	i.keep(req.Context(), bucket, req, snap)
	i.count(c, "miss")
	return snap.response(req, "miss"), nil
}

func (i *Interceptor) networkFirst(req *http.Request, c Classification) (*http.Response, error) {
	bucket := i.cfg.BucketName(c.Bucket)

	snap, err := i.fetch(req)
	if err == nil {
		i.keep(req.Context(), bucket, req, snap)
		i.count(c, "miss")
		return snap.response(req, "miss"), nil
	}

	if cached := i.lookup(req.Context(), bucket, req); cached != nil {
		i.count(c, "stale")
		return cached.response(req, "stale"), nil
	}

	i.log.Debug("serving offline response", zap.String("url", req.URL.String()), zap.Error(err))
	i.count(c, "offline")
	return offlineResponse(req), nil
}

func (i *Interceptor) staleWhileRevalidate(req *http.Request, c Classification) (*http.Response, error) {
	bucket := i.cfg.BucketName(c.Bucket)
	cached := i.lookup(req.Context(), bucket, req)
	if cached != nil && i.fresh(cached, c.TTL) {
		i.revalidate(req, bucket)
		i.count(c, "hit")
		return cached.response(req, "hit"), nil
	}

	snap, err := i.fetch(req)
	if err != nil {
		if cached != nil {
			i.count(c, "stale")
			return cached.response(req, "stale"), nil
		}
		i.count(c, "offline")
		return nil, err
	}

	i.keep(req.Context(), bucket, req, snap)
	i.count(c, "miss")
	return snap.response(req, "miss"), nil
}

// revalidate refetches req in the background; failures are dropped.
func (i *Interceptor) revalidate(req *http.Request, bucket string) {
	bg := req.Clone(context.WithoutCancel(req.Context()))

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()

		snap, err := i.fetch(bg)
		if err != nil {
			i.log.Debug("background revalidation failed", zap.String("url", bg.URL.String()), zap.Error(err))
			return
		}
		i.keep(bg.Context(), bucket, bg, snap)
	}()
}

// fetch performs req on the base transport under the fetch deadline and
// buffers the body so the connection is released before returning.
func (i *Interceptor) fetch(req *http.Request) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(req.Context(), i.cfg.FetchTimeout)
	defer cancel()

	resp, err := i.base.RoundTrip(req.Clone(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", apperrors.ErrNetworkUnreachable, err)
	}
	return &snapshot{status: resp.StatusCode, header: resp.Header.Clone(), body: body}, nil
}

// keep stores successful responses stamped with the write time.
func (i *Interceptor) keep(ctx context.Context, bucket string, req *http.Request, snap *snapshot) {
	if snap.status < 200 || snap.status > 299 {
		return
	}
	snap.cachedAt = i.now().UTC()
	snap.header.Set(HeaderCacheTime, snap.cachedAt.Format(time.RFC3339Nano))

	if err := i.store.put(ctx, bucket, tenantOf(req), req.URL, snap); err != nil {
		i.log.Warn("store response failed", zap.String("bucket", bucket), zap.String("url", req.URL.String()), zap.Error(err))
	}
}

func (i *Interceptor) lookup(ctx context.Context, bucket string, req *http.Request) *snapshot {
	snap, err := i.store.get(ctx, bucket, tenantOf(req), req.URL.String())
	if err != nil {
		i.log.Warn("read cached response failed", zap.String("bucket", bucket), zap.Error(err))
		return nil
	}
	return snap
}

func tenantOf(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get(HeaderHospitalID))
}

// fresh recomputes the age from the stamped header.
func (i *Interceptor) fresh(snap *snapshot, ttl time.Duration) bool {
	stamped := snap.cachedAt
	if raw := snap.header.Get(HeaderCacheTime); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			stamped = parsed
		}
	}
	if stamped.IsZero() {
		return false
	}
	return i.now().Sub(stamped) <= ttl
}

func (i *Interceptor) count(c Classification, outcome string) {
	metrics.InterceptedRequests.WithLabelValues(string(c.Bucket), outcome).Inc()
}

// snapshot is a fully buffered response.
type snapshot struct {
	status   int
	header   http.Header
	body     []byte
	cachedAt time.Time
}

func (s *snapshot) response(req *http.Request, status string) *http.Response {
	header := s.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCacheStatus, status)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.status, http.StatusText(s.status)),
		StatusCode:    s.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.body)),
		ContentLength: int64(len(s.body)),
		Request:       req,
	}
}

func offlineResponse(req *http.Request) *http.Response {
	snap := &snapshot{
		status: http.StatusServiceUnavailable,
		header: http.Header{
			"Content-Type": []string{"application/json"},
			HeaderOffline:  []string{"true"},
		},
		body: []byte(offlineBody),
	}
	return snap.response(req, "offline")
}
