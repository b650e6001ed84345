package handlers

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/carecache/internal/interceptor"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/logger"
	"github.com/charlesng35/carecache/pkg/response"
)

// EdgeHandler serves the remote data service through the request
// interception cache and administers its buckets.
type EdgeHandler struct {
	ric   *interceptor.Interceptor
	proxy *httputil.ReverseProxy
}

// NewEdgeHandler builds the edge handler. The proxy is disabled when the
// interceptor has no remote base URL.
func NewEdgeHandler(ric *interceptor.Interceptor) (*EdgeHandler, error) {
	if ric == nil {
		return nil, errors.New("edge: interceptor is required")
	}
	h := &EdgeHandler{ric: ric}

	base := strings.TrimSpace(ric.Config().RemoteBaseURL)
	if base == "" {
		return h, nil
	}
	target, err := url.Parse(base)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, errors.New("edge: invalid remote base url " + base)
	}

	log := logger.WithModule("interceptor")
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.Host = target.Host
		},
		Transport: ric,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("edge request failed", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"success":false,"error":{"code":"BAD_GATEWAY","message":"remote data service unavailable"}}`))
		},
	}
	return h, nil
}

// Proxy forwards /edge/*path to the remote data service.
func (h *EdgeHandler) Proxy(c *gin.Context) {
	if h.proxy == nil {
		response.Error(c, apperrors.New("edge.not_configured", "No remote data service configured", http.StatusNotFound))
		return
	}
	req := c.Request.Clone(c.Request.Context())
	req.URL.Path = "/" + strings.TrimPrefix(c.Param("path"), "/")
	req.URL.RawPath = ""
	h.proxy.ServeHTTP(c.Writer, req)
}

// Stats counts stored responses per bucket.
func (h *EdgeHandler) Stats(c *gin.Context) {
	stats, err := h.ric.GetCacheStats(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, stats)
}

// ClearCache drops one bucket by its stored name.
func (h *EdgeHandler) ClearCache(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		response.Error(c, apperrors.NewBadRequest("cache name is required"))
		return
	}
	removed, err := h.ric.ClearCache(requestContext(c), name)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"name": name, "removed": removed})
}

// ClearAll drops every stored response.
func (h *EdgeHandler) ClearAll(c *gin.Context) {
	removed, err := h.ric.ClearAllCaches(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}

// Precache fetches the configured static assets.
func (h *EdgeHandler) Precache(c *gin.Context) {
	if err := h.ric.PrecacheStaticAssets(requestContext(c)); err != nil {
		response.Error(c, apperrors.New("edge.precache_incomplete", err.Error(), http.StatusBadGateway))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"precached": len(h.ric.Config().Precache)})
}
