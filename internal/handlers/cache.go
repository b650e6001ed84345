package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/middleware"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/response"
	"github.com/charlesng35/carecache/pkg/validator"
)

// EntityFetcher loads a record from the remote data service after a miss.
type EntityFetcher interface {
	FetchEntity(ctx context.Context, entity, id, hospitalID string) (json.RawMessage, error)
}

// CacheHandler exposes the persistent entity cache over HTTP.
type CacheHandler struct {
	store   *cache.DatabaseStore
	fetcher EntityFetcher
}

// NewCacheHandler constructs a cache handler. With a fetcher, Get reads
// through to the remote data service on a miss.
func NewCacheHandler(store *cache.DatabaseStore, fetcher EntityFetcher) (*CacheHandler, error) {
	if store == nil {
		return nil, apperrors.ErrStorageUnavailable
	}
	return &CacheHandler{store: store, fetcher: fetcher}, nil
}

type clearCacheRequest struct {
	IncludeMetadata bool `json:"include_metadata"`
}

// Get returns one cached entity of the caller's hospital.
func (h *CacheHandler) Get(c *gin.Context) {
	store, key, ok := storeAndKey(c)
	if !ok {
		return
	}
	hospitalID := middleware.HospitalID(c)
	ctx := requestContext(c)

	status := "hit"
	var result cache.Result[json.RawMessage]
	if h.fetcher == nil {
		result = h.store.Get(ctx, store, key, hospitalID)
	} else {
		result = cache.ReadThrough(ctx, h.store, store, key, hospitalID, func(ctx context.Context) (any, error) {
			status = "miss"
			return h.fetcher.FetchEntity(ctx, store, key, hospitalID)
		})
	}

	raw, err := result.Unwrap()
	if err != nil {
		response.Error(c, err)
		return
	}
	if raw == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	response.WithMeta(c, raw, response.Meta{HospitalID: hospitalID, Store: store, Cache: status})
}

// Put stores the JSON body under store/key for the caller's hospital.
func (h *CacheHandler) Put(c *gin.Context) {
	store, key, ok := storeAndKey(c)
	if !ok {
		return
	}
	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		response.Error(c, apperrors.NewBadRequest("body must be a JSON document"))
		return
	}

	storedAt, err := h.store.Set(requestContext(c), store, key, json.RawMessage(body), middleware.HospitalID(c)).Unwrap()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"store": store, "key": key, "stored_at": storedAt})
}

// Delete removes store/key whatever its hospital.
func (h *CacheHandler) Delete(c *gin.Context) {
	store, key, ok := storeAndKey(c)
	if !ok {
		return
	}
	removed, err := h.store.Delete(requestContext(c), store, key).Unwrap()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}

// List returns every live entity of store for the caller's hospital.
func (h *CacheHandler) List(c *gin.Context) {
	store := strings.TrimSpace(c.Param("store"))
	if !validator.IsEntityName(store) {
		response.Error(c, apperrors.NewBadRequest("invalid store name"))
		return
	}
	hospitalID := middleware.HospitalID(c)

	items, err := h.store.GetAllByHospital(requestContext(c), store, hospitalID).Unwrap()
	if err != nil {
		response.Error(c, err)
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	response.WithMeta(c, items, response.Meta{HospitalID: hospitalID, Store: store, Count: len(items)})
}

// ClearHospital drops every entry of one hospital.
func (h *CacheHandler) ClearHospital(c *gin.Context) {
	hospitalID := strings.TrimSpace(c.Param("hospitalID"))
	if hospitalID == "" {
		response.Error(c, apperrors.ErrTenantRequired)
		return
	}
	removed, err := h.store.ClearHospital(requestContext(c), hospitalID).Unwrap()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"hospital_id": hospitalID, "removed": removed})
}

// Stats reports entry counts and the metadata row.
func (h *CacheHandler) Stats(c *gin.Context) {
	ctx := requestContext(c)
	stats, err := h.store.GetStats(ctx).Unwrap()
	if err != nil {
		response.Error(c, err)
		return
	}
	meta := h.store.GetMetadata(ctx).Value()
	response.Success(c, http.StatusOK, gin.H{"stats": stats, "metadata": meta})
}

// Clear empties the entity cache and the offline queue.
func (h *CacheHandler) Clear(c *gin.Context) {
	var req clearCacheRequest
	if c.Request.ContentLength > 0 && !bindAndValidate(c, &req) {
		return
	}
	removed, err := h.store.ClearAll(requestContext(c), req.IncludeMetadata).Unwrap()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}

func storeAndKey(c *gin.Context) (string, string, bool) {
	store := strings.TrimSpace(c.Param("store"))
	key := strings.TrimSpace(c.Param("key"))
	if !validator.IsEntityName(store) {
		response.Error(c, apperrors.NewBadRequest("invalid store name"))
		return "", "", false
	}
	if key == "" {
		response.Error(c, apperrors.NewBadRequest("key is required"))
		return "", "", false
	}
	return store, key, true
}
