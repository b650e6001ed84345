package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/carecache/pkg/logger"
)

func TestLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	t.Cleanup(logger.Replace(zap.New(core)))

	r := gin.New()
	r.Use(Tenant(), Logger())
	r.GET("/ping", func(c *gin.Context) {
		c.Header("X-Cache-Status", "HIT")
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HospitalHeader, "h1")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pong", w.Body.String())

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "/ping", fields["path"])
	require.Equal(t, "h1", fields["hospital_id"])
	require.Equal(t, "HIT", fields["cache"])
	require.EqualValues(t, http.StatusOK, fields["status"])
}

func TestLoggerLevelFollowsStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(logger.Replace(zap.New(core)))

	r := gin.New()
	r.Use(Logger())
	r.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/cache/:store/:key", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.POST("/api/offline/replay", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health/live", nil),
		httptest.NewRequest(http.MethodGet, "/api/cache/patients/p-9", nil),
		httptest.NewRequest(http.MethodPost, "/api/offline/replay", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "/api/cache/:store/:key", entries[1].ContextMap()["route"])
	require.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}
