package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/api/cache/:store/:key", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cache/patients/p1", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	require.True(t, hasLatencySample(t, "/api/cache/:store/:key", "204"))
}

func TestMetricsMiddlewareFoldsUnmatchedPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.NoRoute(NotFoundHandler)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/unknown/p-123", nil))

	require.True(t, hasLatencySample(t, "unmatched", "404"))
	require.False(t, hasLatencySample(t, "/api/unknown/p-123", "404"))
}

func hasLatencySample(t *testing.T, path, status string) bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != "carecache_api_latency_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["path"] == path && labels["status"] == status {
				return true
			}
		}
	}
	return false
}
