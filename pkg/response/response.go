package response

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	appErrors "github.com/charlesng35/carecache/pkg/errors"
)

// HeaderCacheStatus mirrors Meta.Cache for clients that only read headers.
const HeaderCacheStatus = "X-Cache-Status"

// RetryAfterSeconds is advertised on 503 replies while storage or the remote
// data service is unavailable.
const RetryAfterSeconds = 30

// Response is the envelope of every API reply.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// ErrorInfo is the client-facing part of an AppError. Retryable marks
// failures the client should resend later, typically offline conditions.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Meta describes where cached data came from and how much of it there is.
type Meta struct {
	HospitalID string `json:"hospital_id,omitempty"`
	Store      string `json:"store,omitempty"`
	Count      int    `json:"count,omitempty"`
	Cache      string `json:"cache,omitempty"` // hit | miss
}

// Success writes data with statusCode.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{Success: true, Data: data})
}

// WithMeta writes a 200 reply for tenant scoped cache reads.
func WithMeta(c *gin.Context, data any, meta Meta) {
	if meta.Cache != "" {
		c.Header(HeaderCacheStatus, meta.Cache)
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Meta: &meta})
}

// Error maps err onto the envelope. Unavailable storage or remote replies
// carry Retry-After.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	info := &ErrorInfo{Code: appErr.Code, Message: appErr.Message}
	if status == http.StatusServiceUnavailable {
		info.Retryable = true
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	c.JSON(status, Response{Error: info})
}
