package invalidation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/interceptor"
	"github.com/charlesng35/carecache/internal/models"
	"github.com/charlesng35/carecache/internal/querycache"
	"github.com/charlesng35/carecache/pkg/logger"
	"github.com/charlesng35/carecache/pkg/metrics"
)

// Strategy selects how much of the in-memory cache an invalidation drops.
type Strategy string

const (
	StrategyExact   Strategy = "exact"
	StrategyPrefix  Strategy = "prefix"
	StrategyRelated Strategy = "related"
	StrategyAll     Strategy = "all"
)

// Valid reports whether s is a known strategy. The empty strategy means related.
func (s Strategy) Valid() bool {
	switch s {
	case "", StrategyExact, StrategyPrefix, StrategyRelated, StrategyAll:
		return true
	default:
		return false
	}
}

// Layer names a cache tier touched by an invalidation.
const (
	LayerMemory     = "memory"
	LayerPersistent = "persistent"
	LayerRequest    = "request"
)

// Options scope a single invalidation.
type Options struct {
	ID               string   `json:"id,omitempty"`
	HospitalID       string   `json:"hospital_id,omitempty"`
	Strategy         Strategy `json:"strategy,omitempty"`
	SkipMemory       bool     `json:"skip_memory,omitempty"`
	SkipPersistent   bool     `json:"skip_persistent,omitempty"`
	SkipRequestCache bool     `json:"skip_request_cache,omitempty"`
}

// MutationData identifies the record touched by a mutation.
type MutationData struct {
	ID         string `json:"id,omitempty"`
	HospitalID string `json:"hospital_id,omitempty"`
}

// PersistentStore is the part of the persistent cache the coordinator drives.
type PersistentStore interface {
	Delete(ctx context.Context, store, key string) cache.Result[int64]
	ClearHospital(ctx context.Context, hospitalID string) cache.Result[int64]
	ClearAll(ctx context.Context, includeMetadata bool) cache.Result[int64]
	GetStats(ctx context.Context) cache.Result[cache.Stats]
	GetMetadata(ctx context.Context) cache.Result[models.CacheMetadata]
}

// RequestCache is the part of the request interception cache the coordinator drives.
type RequestCache interface {
	Purge(ctx context.Context, entity string) (int64, error)
	ClearAllCaches(ctx context.Context) (int64, error)
	GetCacheStats(ctx context.Context) (interceptor.CacheStats, error)
}

// Report summarises what one invalidation touched. Failed layers are listed
// but never returned as errors.
type Report struct {
	Entity            string     `json:"entity"`
	Strategy          Strategy   `json:"strategy"`
	Prefixes          [][]string `json:"prefixes,omitempty"`
	ClearedMemory     bool       `json:"cleared_memory,omitempty"`
	PersistentRemoved int64      `json:"persistent_removed"`
	RequestRemoved    int64      `json:"request_removed"`
	Failed            []string   `json:"failed_layers,omitempty"`
}

// Coordinator keeps the in-memory query cache, the persistent store and the
// request cache consistent after mutations.
type Coordinator struct {
	store    PersistentStore
	requests RequestCache
	graph    map[string][]string
	log      *zap.Logger
	now      func() time.Time

	mu          sync.RWMutex
	memory      querycache.Handle
	initialized bool
	warnMissing sync.Once

	invalidations atomic.Int64
	failures      atomic.Int64
	lastRun       atomic.Int64
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithGraph replaces the relationship table.
func WithGraph(graph map[string][]string) Option {
	return func(c *Coordinator) {
		if graph != nil {
			c.graph = graph
		}
	}
}

// WithLogger replaces the module logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCoordinator wires the persistent and request layers. Either may be nil,
// in which case that layer is skipped. The memory layer is attached later
// through Initialize.
func NewCoordinator(store PersistentStore, requests RequestCache, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		requests: requests,
		graph:    Relationships,
		log:      logger.WithModule("invalidation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize attaches the in-memory query cache. Only the first call counts.
func (c *Coordinator) Initialize(handle querycache.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		c.log.Warn("cache invalidation already initialised; ignoring handle")
		return
	}
	c.memory = handle
	c.initialized = true
	c.log.Info("cache invalidation initialised")
}

func (c *Coordinator) memoryHandle() querycache.Handle {
	c.mu.RLock()
	handle := c.memory
	c.mu.RUnlock()

	if handle == nil {
		c.warnMissing.Do(func() {
			c.log.Warn("cache invalidation not initialised; skipping in-memory layer")
		})
	}
	return handle
}

// Invalidate drops entity from every layer. The layers are purged
// concurrently and a failing layer never affects the others or the caller.
func (c *Coordinator) Invalidate(ctx context.Context, entity string, opts Options) Report {
	if opts.Strategy == "" || !opts.Strategy.Valid() {
		opts.Strategy = StrategyRelated
	}
	report := Report{Entity: entity, Strategy: opts.Strategy}
	log := logger.WithTenant(c.log, opts.HospitalID).With(
		zap.String("entity", entity),
		zap.String("strategy", string(opts.Strategy)),
	)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   error
		failed []string
	)
	run := func(layer string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guard(fn); err != nil {
				metrics.InvalidationFailures.WithLabelValues(layer).Inc()
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", layer, err))
				failed = append(failed, layer)
				mu.Unlock()
			}
		}()
	}

	if !opts.SkipMemory {
		if handle := c.memoryHandle(); handle != nil {
			prefixes := c.prefixes(entity, opts)
			report.Prefixes = prefixes
			report.ClearedMemory = opts.Strategy == StrategyAll
			run(LayerMemory, func() error {
				if opts.Strategy == StrategyAll {
					return handle.Clear(ctx)
				}
				var merr error
				for _, prefix := range prefixes {
					merr = multierr.Append(merr, handle.InvalidateQueries(ctx, prefix))
				}
				return merr
			})
		}
	}

	if !opts.SkipPersistent && c.store != nil && (opts.ID != "" || opts.HospitalID != "") {
		run(LayerPersistent, func() error {
			var result cache.Result[int64]
			if opts.ID != "" {
				result = c.store.Delete(ctx, entity, opts.ID)
			} else {
				result = c.store.ClearHospital(ctx, opts.HospitalID)
			}
			removed, err := result.Unwrap()
			report.PersistentRemoved = removed
			return err
		})
	}

	if !opts.SkipRequestCache && c.requests != nil {
		entities := []string{entity}
		if opts.Strategy == StrategyRelated {
			entities = append(entities, c.graph[entity]...)
		}
		run(LayerRequest, func() error {
			var rerr error
			for _, e := range entities {
				removed, err := c.requests.Purge(ctx, e)
				rerr = multierr.Append(rerr, err)
				report.RequestRemoved += removed
			}
			return rerr
		})
	}

	wg.Wait()

	c.invalidations.Add(1)
	c.lastRun.Store(c.now().UnixNano())
	metrics.Invalidations.WithLabelValues(entity, string(opts.Strategy)).Inc()

	if errs != nil {
		c.failures.Add(int64(len(failed)))
		report.Failed = failed
		log.Warn("cache invalidation partially failed", zap.Error(errs))
	} else {
		log.Debug("cache invalidated",
			zap.Int64("persistent_removed", report.PersistentRemoved),
			zap.Int64("request_removed", report.RequestRemoved),
		)
	}
	return report
}

// prefixes returns the in-memory query key prefixes for a strategy.
func (c *Coordinator) prefixes(entity string, opts Options) [][]string {
	switch opts.Strategy {
	case StrategyAll:
		return nil
	case StrategyExact:
		if opts.ID != "" {
			return [][]string{{entity, opts.ID}}
		}
		return [][]string{{entity}}
	case StrategyPrefix:
		return [][]string{{entity}}
	default:
		out := [][]string{{entity}}
		for _, related := range c.graph[entity] {
			out = append(out, []string{related})
		}
		return out
	}
}

// InvalidateAfterMutation picks the strategy for a mutation: deletes fan out
// to related entities, creates and updates refresh the entity prefix.
func (c *Coordinator) InvalidateAfterMutation(ctx context.Context, entity string, mutation models.ActionType, data MutationData) Report {
	strategy := StrategyPrefix
	if mutation == models.ActionDelete {
		strategy = StrategyRelated
	}
	return c.Invalidate(ctx, entity, Options{
		ID:         data.ID,
		HospitalID: data.HospitalID,
		Strategy:   strategy,
	})
}

// InvalidateMultiple invalidates each entity by prefix for hospitalID, concurrently.
func (c *Coordinator) InvalidateMultiple(ctx context.Context, entities []string, hospitalID string) []Report {
	reports := make([]Report, len(entities))

	var wg sync.WaitGroup
	for i, entity := range entities {
		wg.Add(1)
		go func(i int, entity string) {
			defer wg.Done()
			reports[i] = c.Invalidate(ctx, entity, Options{HospitalID: hospitalID, Strategy: StrategyPrefix})
		}(i, entity)
	}
	wg.Wait()
	return reports
}

// ClearAllCaches empties every layer. The persistent metadata record survives.
func (c *Coordinator) ClearAllCaches(ctx context.Context) Report {
	report := Report{Entity: "*", Strategy: StrategyAll, ClearedMemory: true}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	record := func(layer string, err error) {
		if err == nil {
			return
		}
		metrics.InvalidationFailures.WithLabelValues(layer).Inc()
		c.failures.Add(1)
		mu.Lock()
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", layer, err))
		report.Failed = append(report.Failed, layer)
		mu.Unlock()
	}

	if handle := c.memoryHandle(); handle != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(LayerMemory, guard(func() error { return handle.Clear(ctx) }))
		}()
	}
	if c.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(LayerPersistent, guard(func() error {
				removed, err := c.store.ClearAll(ctx, false).Unwrap()
				report.PersistentRemoved = removed
				return err
			}))
		}()
	}
	if c.requests != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(LayerRequest, guard(func() error {
				removed, err := c.requests.ClearAllCaches(ctx)
				report.RequestRemoved = removed
				return err
			}))
		}()
	}
	wg.Wait()

	if errs != nil {
		c.log.Warn("clearing caches partially failed", zap.Error(errs))
	} else {
		c.log.Info("all caches cleared")
	}
	return report
}

// Stats is the diagnostics view across layers.
type Stats struct {
	MemoryInitialized bool                   `json:"memory_initialized"`
	Persistent        cache.Stats            `json:"persistent"`
	Metadata          models.CacheMetadata   `json:"metadata"`
	RequestCache      interceptor.CacheStats `json:"request_cache"`
	Invalidations     int64                  `json:"invalidations"`
	Failures          int64                  `json:"failures"`
	LastInvalidation  *time.Time             `json:"last_invalidation,omitempty"`
}

// GetInvalidationStats collects diagnostics. Layers that fail to report are
// left at their zero value.
func (c *Coordinator) GetInvalidationStats(ctx context.Context) Stats {
	c.mu.RLock()
	stats := Stats{MemoryInitialized: c.initialized && c.memory != nil}
	c.mu.RUnlock()

	stats.Invalidations = c.invalidations.Load()
	stats.Failures = c.failures.Load()
	if last := c.lastRun.Load(); last > 0 {
		ts := time.Unix(0, last).UTC()
		stats.LastInvalidation = &ts
	}

	if c.store != nil {
		stats.Persistent = c.store.GetStats(ctx).Value()
		stats.Metadata = c.store.GetMetadata(ctx).Value()
	}
	if c.requests != nil {
		if reqStats, err := c.requests.GetCacheStats(ctx); err == nil {
			stats.RequestCache = reqStats
		} else {
			c.log.Debug("request cache stats unavailable", zap.Error(err))
		}
	}
	return stats
}

// ConfigOptions tune the handlers built by CreateInvalidationConfig.
type ConfigOptions struct {
	RelatedEntities []string
	HospitalID      string
}

// MutationHandlers are attached to a mutation call site.
type MutationHandlers struct {
	OnSuccess func(ctx context.Context, data MutationData)
	OnError   func(ctx context.Context, err error)
}

// CreateInvalidationConfig builds handlers that invalidate entity and every
// listed related entity after a successful mutation. The listed entities are
// in addition to the relationship table.
func (c *Coordinator) CreateInvalidationConfig(entity string, opts ConfigOptions) MutationHandlers {
	related := append([]string(nil), opts.RelatedEntities...)

	return MutationHandlers{
		OnSuccess: func(ctx context.Context, data MutationData) {
			hospitalID := data.HospitalID
			if hospitalID == "" {
				hospitalID = opts.HospitalID
			}
			c.Invalidate(ctx, entity, Options{ID: data.ID, HospitalID: hospitalID})
			for _, other := range related {
				c.Invalidate(ctx, other, Options{HospitalID: hospitalID})
			}
		},
		OnError: func(ctx context.Context, err error) {
			logger.WithTenant(c.log, opts.HospitalID).Warn("mutation failed; caches left untouched",
				zap.String("entity", entity),
				zap.Error(err),
			)
		},
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
