package api

import (
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/carecache/internal/app"
	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/handlers"
	"github.com/charlesng35/carecache/internal/interceptor"
	"github.com/charlesng35/carecache/internal/invalidation"
	"github.com/charlesng35/carecache/internal/middleware"
	"github.com/charlesng35/carecache/internal/monitoring"
	"github.com/charlesng35/carecache/internal/notifications"
	"github.com/charlesng35/carecache/internal/offline"
)

// Services carries the components the HTTP surface exposes. Queue, Replayer,
// Interceptor and Hub are optional; their routes answer 404 or 503 when nil.
type Services struct {
	Config      *app.Config
	Store       *cache.DatabaseStore
	Coordinator *invalidation.Coordinator
	Interceptor *interceptor.Interceptor
	Queue       *offline.Queue
	Replayer    *offline.Replayer
	Failures    offline.FailureLog
	Hub         *notifications.Hub
	Health      *monitoring.HealthManager
	// Assets is the app shell served for unmatched GET requests.
	Assets fs.FS
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(svc Services) (*gin.Engine, error) {
	if svc.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if svc.Store == nil {
		return nil, fmt.Errorf("cache store must be provided")
	}
	if svc.Coordinator == nil {
		return nil, fmt.Errorf("invalidation coordinator must be provided")
	}
	if svc.Failures == nil {
		return nil, fmt.Errorf("failure log must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.Tenant())

	registerHealthRoutes(r, svc)

	if svc.Config.Monitoring.Prometheus.Enabled {
		endpoint := svc.Config.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")

	var fetcher handlers.EntityFetcher
	if svc.Interceptor != nil && svc.Interceptor.Config().RemoteBaseURL != "" {
		fetcher = svc.Interceptor
	}
	cacheHandler, err := handlers.NewCacheHandler(svc.Store, fetcher)
	if err != nil {
		return nil, err
	}
	registerCacheRoutes(api, cacheHandler)

	registerInvalidationRoutes(api, handlers.NewInvalidationHandler(svc.Coordinator))

	var dismissals handlers.DismissNotifier
	if svc.Hub != nil {
		dismissals = svc.Hub
	}
	offlineHandler := handlers.NewOfflineHandler(svc.Store, svc.Queue, svc.Replayer, svc.Failures, dismissals)
	registerOfflineRoutes(api, offlineHandler)

	if svc.Interceptor != nil {
		edgeHandler, err := handlers.NewEdgeHandler(svc.Interceptor)
		if err != nil {
			return nil, err
		}
		registerEdgeRoutes(r, api, edgeHandler)
	}

	api.GET("/notifications/ws", handlers.NewNotificationHandler(svc.Hub).Stream)

	r.NoRoute(appShell(svc.Assets))

	return r, nil
}

// appShell serves files of assets outside /api and falls back to the JSON
// not found envelope.
func appShell(assets fs.FS) gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		p := c.Request.URL.Path
		if assets == nil || (method != http.MethodGet && method != http.MethodHead) || strings.HasPrefix(p, "/api/") {
			middleware.NotFoundHandler(c)
			return
		}

		name := strings.TrimPrefix(path.Clean("/"+p), "/")
		if name == "" {
			name = "index.html"
		}
		body, err := fs.ReadFile(assets, name)
		if err != nil {
			middleware.NotFoundHandler(c)
			return
		}
		contentType := mime.TypeByExtension(path.Ext(name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Data(http.StatusOK, contentType, body)
	}
}

func registerHealthRoutes(r *gin.Engine, svc Services) {
	if !svc.Config.Monitoring.Health.Enabled {
		return
	}
	health := handlers.NewHealthHandler(svc.Health)
	r.GET("/health", health.Ready)
	r.GET("/health/live", health.Live)
	r.GET("/health/ready", health.Ready)
}

func registerCacheRoutes(api *gin.RouterGroup, h *handlers.CacheHandler) {
	group := api.Group("/cache")
	{
		group.GET("/stats", h.Stats)
		group.POST("/clear", h.Clear)
		group.GET("/:store", middleware.RequireTenant(), h.List)
		group.GET("/:store/:key", middleware.RequireTenant(), h.Get)
		group.PUT("/:store/:key", middleware.RequireTenant(), h.Put)
		group.DELETE("/:store/:key", h.Delete)
	}
	api.DELETE("/hospitals/:hospitalID/cache", h.ClearHospital)
}

func registerInvalidationRoutes(api *gin.RouterGroup, h *handlers.InvalidationHandler) {
	group := api.Group("/invalidate")
	{
		group.POST("", h.Invalidate)
		group.POST("/mutation", h.AfterMutation)
		group.POST("/all", h.ClearAll)
		group.GET("/stats", h.Stats)
	}
}

func registerOfflineRoutes(api *gin.RouterGroup, h *handlers.OfflineHandler) {
	group := api.Group("/offline")
	{
		group.GET("/actions", h.ListActions)
		group.POST("/actions", h.SubmitAction)
		group.POST("/replay", h.Replay)
		group.GET("/failures", h.ListFailures)
		group.POST("/failures/:id/dismiss", h.DismissFailure)
	}
}

func registerEdgeRoutes(r *gin.Engine, api *gin.RouterGroup, h *handlers.EdgeHandler) {
	group := api.Group("/edge")
	{
		group.GET("/stats", h.Stats)
		group.POST("/precache", h.Precache)
		group.DELETE("/caches", h.ClearAll)
		group.DELETE("/caches/:name", h.ClearCache)
	}
	r.Any("/edge/*path", h.Proxy)
}
