package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/response"
)

const (
	// HospitalHeader names the tenant of a request.
	HospitalHeader = "X-Hospital-ID"

	hospitalKey = "hospital_id"
)

// Tenant copies the hospital id header into the request context.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HospitalHeader)); id != "" {
			c.Set(hospitalKey, id)
		}
		c.Next()
	}
}

// RequireTenant rejects requests without a hospital id.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if HospitalID(c) == "" {
			response.Error(c, apperrors.ErrTenantRequired)
			c.Abort()
			return
		}
		c.Next()
	}
}

// HospitalID returns the tenant recorded by Tenant, falling back to the header.
func HospitalID(c *gin.Context) string {
	if v, ok := c.Get(hospitalKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return strings.TrimSpace(c.GetHeader(HospitalHeader))
}
