package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/charlesng35/carecache/pkg/logger"
)

// Logger writes one access entry per request. Server errors log at error,
// client errors at warn and health probes at debug.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", routeOf(c)),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if hospitalID := HospitalID(c); hospitalID != "" {
			fields = append(fields, logger.HospitalID(hospitalID))
		}
		if cacheStatus := c.Writer.Header().Get("X-Cache-Status"); cacheStatus != "" {
			fields = append(fields, zap.String("cache", cacheStatus))
		}

		if ce := logger.WithModule("http").Check(accessLevel(c.Request.URL.Path, status), "request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func accessLevel(path string, status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	case strings.HasPrefix(path, "/health"):
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
