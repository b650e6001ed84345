package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/carecache/internal/api"
	"github.com/charlesng35/carecache/internal/app"
	"github.com/charlesng35/carecache/internal/app/maintenance"
	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/database"
	"github.com/charlesng35/carecache/internal/interceptor"
	"github.com/charlesng35/carecache/internal/invalidation"
	"github.com/charlesng35/carecache/internal/monitoring"
	"github.com/charlesng35/carecache/internal/notifications"
	"github.com/charlesng35/carecache/internal/offline"
	"github.com/charlesng35/carecache/internal/querycache"
	"github.com/charlesng35/carecache/web"
)

const queueBacklogLimit = 500

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB          *gorm.DB
	Redis       *cache.RedisClient
	Store       *cache.DatabaseStore
	Interceptor *interceptor.Interceptor
	Memory      *querycache.Memory
	Coordinator *invalidation.Coordinator
	Replayer    *offline.Replayer
	Monitor     *offline.Monitor
	Hub         *notifications.Hub
	Cleaner     *maintenance.Cleaner
	Router      *gin.Engine

	stopMonitor context.CancelFunc
	background  sync.WaitGroup
}

// bootstrapRuntime opens storage, wires the cache tiers and the offline
// pipeline, and builds the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Store = cache.NewDatabaseStore(stack.DB, cfg.StoreSettings())
	if err := stack.Store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialise persistent store: %w", err)
	}

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database lease", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	ricCfg := cfg.Interceptor.InterceptorSettings()
	if cfg.Interceptor.Precache == nil {
		// Without an explicit list the embedded app shell is precached.
		if ricCfg.Precache, err = web.PrecachePaths(); err != nil {
			return nil, fmt.Errorf("list app shell: %w", err)
		}
	}
	stack.Interceptor, err = interceptor.New(stack.DB, http.DefaultTransport, ricCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise request cache: %w", err)
	}
	if dropped, err := stack.Interceptor.ClearOldCaches(ctx, ricCfg.Version); err != nil {
		log.Warn("clear old response buckets failed", zap.Error(err))
	} else if len(dropped) > 0 {
		log.Info("dropped old response buckets", zap.Strings("buckets", dropped))
	}

	stack.Memory = querycache.NewMemory()
	stack.Coordinator = invalidation.NewCoordinator(stack.Store, stack.Interceptor)
	stack.Coordinator.Initialize(stack.Memory)

	stack.Hub = notifications.NewHub()
	failures := offline.NewDatabaseFailureLog(stack.DB)

	var queue *offline.Queue
	if strings.TrimSpace(cfg.Interceptor.RemoteBaseURL) != "" {
		remote, err := offline.NewHTTPRemote(cfg.RemoteSettings())
		if err != nil {
			return nil, fmt.Errorf("initialise remote client: %w", err)
		}

		var lease cache.Lease = cache.NewDatabaseLease(stack.DB)
		if stack.Redis != nil {
			lease = stack.Redis
		}
		stack.Replayer = offline.NewReplayer(stack.Store, remote, stack.Coordinator, failures, cfg.Offline.ReplaySettings(),
			offline.WithNotifier(stack.Hub),
			offline.WithLease(lease),
		)
		stack.Monitor = offline.NewMonitor(remote, stack.Replayer, cfg.Offline.ProbeInterval)
		queue = offline.NewQueue(stack.Store, remote, stack.Coordinator, stack.Monitor)

		monitorCtx, cancel := context.WithCancel(context.Background())
		stack.stopMonitor = cancel
		stack.background.Add(1)
		go func() {
			defer stack.background.Done()
			stack.Monitor.Run(monitorCtx)
		}()

	} else {
		log.Warn("no remote data service configured; mutations stay queued")
	}

	var replayer maintenance.Replayer
	if stack.Replayer != nil {
		replayer = stack.Replayer
	}
	stack.Cleaner = maintenance.NewCleaner(stack.Store, replayer, stack.Interceptor,
		maintenance.WithCleanupSchedule(cfg.Maintenance.CleanupSchedule),
		maintenance.WithReplaySchedule(cfg.Offline.ReplaySchedule),
		maintenance.WithGCSchedule(cfg.Maintenance.GCSchedule),
		maintenance.WithAPIRetention(cfg.Interceptor.APIRetention),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	health := monitoring.NewHealthManager()
	health.RegisterLiveness(monitoring.Database(stack.DB))
	health.RegisterReadiness(monitoring.Queue(stack.Store, queueBacklogLimit))
	if stack.Monitor != nil {
		health.RegisterReadiness(monitoring.Remote(stack.Monitor))
	} else {
		health.RegisterReadiness(monitoring.Remote(nil))
	}
	if stack.Redis != nil {
		health.RegisterReadiness(monitoring.Redis(stack.Redis))
	}

	assets, err := web.FS()
	if err != nil {
		return nil, fmt.Errorf("load app shell: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Services{
		Config:      cfg,
		Store:       stack.Store,
		Coordinator: stack.Coordinator,
		Interceptor: stack.Interceptor,
		Queue:       queue,
		Replayer:    stack.Replayer,
		Failures:    failures,
		Hub:         stack.Hub,
		Health:      health,
		Assets:      assets,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Warm stores the app shell in the static bucket once the server listens.
// Without an interceptor origin there is nothing to resolve the assets against.
func (s *runtimeStack) Warm(ctx context.Context, log *zap.Logger) {
	if s == nil || s.Interceptor == nil || strings.TrimSpace(s.Interceptor.Config().Origin) == "" {
		return
	}
	if err := s.Interceptor.PrecacheStaticAssets(ctx); err != nil {
		log.Warn("precache incomplete", zap.Error(err))
		return
	}
	log.Info("app shell precached", zap.Int("assets", len(s.Interceptor.Config().Precache)))
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.stopMonitor != nil {
		s.stopMonitor()
	}
	s.background.Wait()

	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.Cleaner.RunOnce(runCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
		cancel()
	}

	if s.Interceptor != nil {
		s.Interceptor.Wait()
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseConnConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db, cfg.Store.AppVersion); err != nil {
		closeDatabase(db, zap.NewNop())
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
