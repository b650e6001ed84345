package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/logger"
	"github.com/charlesng35/carecache/pkg/response"
)

// Recovery turns a handler panic into a 500 envelope. The stack is logged
// with the tenant so a failing ward can be traced.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if r == http.ErrAbortHandler {
				panic(r)
			}

			logger.WithTenant(logger.WithModule("http"), HospitalID(c)).Error("handler panicked",
				zap.String("method", c.Request.Method),
				zap.String("route", routeOf(c)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if !c.Writer.Written() {
				response.Error(c, apperrors.ErrInternalServer)
			}
			c.Abort()
		}()
		c.Next()
	}
}

// NotFoundHandler answers unknown routes with the JSON envelope.
func NotFoundHandler(c *gin.Context) {
	response.Error(c, apperrors.New("NOT_FOUND", "no route for "+c.Request.Method+" "+c.Request.URL.Path, http.StatusNotFound))
}

// routeOf is the matched route template, or "unmatched" for requests that
// fell through to NoRoute. Raw paths carry record ids and are not used as
// labels.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
