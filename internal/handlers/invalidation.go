package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/carecache/internal/invalidation"
	"github.com/charlesng35/carecache/internal/middleware"
	"github.com/charlesng35/carecache/internal/models"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/response"
	"github.com/charlesng35/carecache/pkg/validator"
)

// InvalidationHandler exposes the invalidation coordinator.
type InvalidationHandler struct {
	coordinator *invalidation.Coordinator
}

// NewInvalidationHandler constructs an invalidation handler.
func NewInvalidationHandler(coordinator *invalidation.Coordinator) *InvalidationHandler {
	return &InvalidationHandler{coordinator: coordinator}
}

type invalidateRequest struct {
	Entity           string   `json:"entity" validate:"required_without=Entities"`
	Entities         []string `json:"entities"`
	RelatedEntities  []string `json:"related_entities"`
	ID               string   `json:"id"`
	HospitalID       string   `json:"hospital_id"`
	Strategy         string   `json:"strategy" validate:"omitempty,oneof=exact prefix related all"`
	SkipMemory       bool     `json:"skip_memory"`
	SkipPersistent   bool     `json:"skip_persistent"`
	SkipRequestCache bool     `json:"skip_request_cache"`
}

type mutationRequest struct {
	Entity     string `json:"entity" validate:"required"`
	Mutation   string `json:"mutation" validate:"required,oneof=create update delete"`
	ID         string `json:"id"`
	HospitalID string `json:"hospital_id"`
}

// Invalidate drops one entity, or a list of entities, from every cache layer.
// related_entities are invalidated in addition to the relationship table.
func (h *InvalidationHandler) Invalidate(c *gin.Context) {
	var req invalidateRequest
	if !bindAndValidate(c, &req) {
		return
	}
	hospitalID := strings.TrimSpace(req.HospitalID)
	if hospitalID == "" {
		hospitalID = middleware.HospitalID(c)
	}
	for _, entity := range append(append([]string{req.Entity}, req.Entities...), req.RelatedEntities...) {
		if entity != "" && !validator.IsEntityName(entity) {
			response.Error(c, apperrors.NewBadRequest("invalid entity name "+entity))
			return
		}
	}
	ctx := requestContext(c)

	if req.Entity == "" {
		reports := h.coordinator.InvalidateMultiple(ctx, req.Entities, hospitalID)
		response.Success(c, http.StatusOK, reports)
		return
	}

	if len(req.RelatedEntities) > 0 {
		handlers := h.coordinator.CreateInvalidationConfig(req.Entity, invalidation.ConfigOptions{
			RelatedEntities: req.RelatedEntities,
			HospitalID:      hospitalID,
		})
		handlers.OnSuccess(ctx, invalidation.MutationData{ID: req.ID, HospitalID: hospitalID})
		response.Success(c, http.StatusOK, gin.H{"entity": req.Entity, "related": req.RelatedEntities})
		return
	}

	report := h.coordinator.Invalidate(ctx, req.Entity, invalidation.Options{
		ID:               req.ID,
		HospitalID:       hospitalID,
		Strategy:         invalidation.Strategy(req.Strategy),
		SkipMemory:       req.SkipMemory,
		SkipPersistent:   req.SkipPersistent,
		SkipRequestCache: req.SkipRequestCache,
	})
	response.Success(c, http.StatusOK, report)
}

// AfterMutation applies the invalidation policy for a completed mutation.
func (h *InvalidationHandler) AfterMutation(c *gin.Context) {
	var req mutationRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if !validator.IsEntityName(req.Entity) {
		response.Error(c, apperrors.NewBadRequest("invalid entity name "+req.Entity))
		return
	}
	hospitalID := strings.TrimSpace(req.HospitalID)
	if hospitalID == "" {
		hospitalID = middleware.HospitalID(c)
	}

	report := h.coordinator.InvalidateAfterMutation(requestContext(c), req.Entity, models.ActionType(req.Mutation), invalidation.MutationData{
		ID:         req.ID,
		HospitalID: hospitalID,
	})
	response.Success(c, http.StatusOK, report)
}

// ClearAll empties every cache layer.
func (h *InvalidationHandler) ClearAll(c *gin.Context) {
	response.Success(c, http.StatusOK, h.coordinator.ClearAllCaches(requestContext(c)))
}

// Stats reports per layer diagnostics.
func (h *InvalidationHandler) Stats(c *gin.Context) {
	response.Success(c, http.StatusOK, h.coordinator.GetInvalidationStats(requestContext(c)))
}
