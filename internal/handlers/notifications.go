package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/carecache/internal/middleware"
	"github.com/charlesng35/carecache/internal/notifications"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/response"
)

// NotificationHandler upgrades requests to the failed action notice stream.
type NotificationHandler struct {
	hub *notifications.Hub
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(hub *notifications.Hub) *NotificationHandler {
	return &NotificationHandler{hub: hub}
}

// Stream subscribes the caller to notices of its hospital, or of every
// hospital when no tenant is given.
func (h *NotificationHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	hospitalID := c.Query("hospital_id")
	if hospitalID == "" {
		hospitalID = middleware.HospitalID(c)
	}
	h.hub.Serve(hospitalID, c.Writer, c.Request)
}
