package handlers_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/carecache/internal/handlers/testutil"
	"github.com/charlesng35/carecache/internal/invalidation"
)

func TestInvalidationHandler_InvalidateDropsEveryLayer(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPut, "/api/cache/patients/p-1", `{"name":"Ada"}`, "h-1")
	require.Equal(t, http.StatusOK, w.Code)
	env.Memory.Set("list", time.Minute, "patients", "h-1")
	env.Memory.Set("list", time.Minute, "appointments", "h-1")
	env.Memory.Set("list", time.Minute, "billing", "h-1")

	w = env.Request(http.MethodPost, "/api/invalidate", map[string]string{"entity": "patients", "id": "p-1"}, "h-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report invalidation.Report
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &report)
	require.Equal(t, invalidation.StrategyRelated, report.Strategy)
	require.Equal(t, int64(1), report.PersistentRemoved)
	require.Empty(t, report.Failed)

	_, ok := env.Memory.Get("patients", "h-1")
	require.False(t, ok)
	_, ok = env.Memory.Get("appointments", "h-1")
	require.False(t, ok)
	_, ok = env.Memory.Get("billing", "h-1")
	require.True(t, ok)

	w = env.Request(http.MethodGet, "/api/cache/patients/p-1", nil, "h-1")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidationHandler_Validation(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/invalidate", map[string]string{}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.Request(http.MethodPost, "/api/invalidate", map[string]string{"entity": "patients", "strategy": "nuke"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.Request(http.MethodPost, "/api/invalidate/mutation", map[string]string{"entity": "patients", "mutation": "upsert"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidationHandler_MultipleAndMutation(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Memory.Set("x", time.Minute, "lab_results", "h-1")
	env.Memory.Set("x", time.Minute, "prescriptions", "h-1")

	w := env.Request(http.MethodPost, "/api/invalidate", map[string]any{"entities": []string{"lab_results", "prescriptions"}}, "h-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reports []invalidation.Report
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &reports)
	require.Len(t, reports, 2)
	require.Zero(t, env.Memory.Len())

	w = env.Request(http.MethodPost, "/api/invalidate/mutation", map[string]string{"entity": "patients", "mutation": "delete", "id": "p-1"}, "h-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report invalidation.Report
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &report)
	require.Equal(t, invalidation.StrategyRelated, report.Strategy)

	w = env.Request(http.MethodGet, "/api/invalidate/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats invalidation.Stats
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &stats)
	require.True(t, stats.MemoryInitialized)
	require.Equal(t, int64(3), stats.Invalidations)
}
