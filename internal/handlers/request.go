package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/response"
	"github.com/charlesng35/carecache/pkg/validator"
)

// requestContext falls back to a background context for handlers driven by
// gin.CreateTestContext without a request.
func requestContext(c *gin.Context) context.Context {
	if c != nil && c.Request != nil {
		return c.Request.Context()
	}
	return context.Background()
}

// bindAndValidate decodes the JSON body into dest and applies its validate
// tags. On failure the 400 reply is already written.
func bindAndValidate[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, apperrors.NewBadRequest("request body must be a JSON object"))
		return false
	}
	if err := validator.ValidateStruct(dest); err != nil {
		response.Error(c, apperrors.NewBadRequest(describeInvalid(err)))
		return false
	}
	return true
}

// describeInvalid turns validation failures into one client message.
func describeInvalid(err error) string {
	failures, ok := err.(validator.ValidationErrors)
	if !ok || len(failures) == 0 {
		return "invalid request payload"
	}

	messages := make([]string, 0, len(failures))
	for _, f := range failures {
		field := strings.ReplaceAll(f.Field, "_", " ")
		var msg string
		switch f.Tag {
		case "required":
			msg = field + " is required"
		case "required_without":
			msg = fmt.Sprintf("%s is required unless %s is given", field, strings.ToLower(f.Param))
		case "required_unless":
			msg = field + " is required"
			if parts := strings.Fields(f.Param); len(parts) == 2 {
				msg = fmt.Sprintf("%s is required unless %s is %s", field, strings.ToLower(parts[0]), parts[1])
			}
		case "oneof":
			msg = fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(f.Param, " ", ", "))
		case "entity":
			msg = field + " must be a lower snake_case entity name"
		case "gte", "min":
			msg = fmt.Sprintf("%s must be at least %s", field, f.Param)
		case "lte", "max":
			msg = fmt.Sprintf("%s must be at most %s", field, f.Param)
		default:
			msg = fmt.Sprintf("%s is invalid (%s)", field, f.Tag)
		}
		messages = append(messages, msg)
	}
	return strings.Join(messages, "; ")
}

// queryLimit reads a positive page size from the query string, capped at max.
func queryLimit(c *gin.Context, key string, fallback, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
