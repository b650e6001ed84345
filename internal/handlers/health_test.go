package handlers_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/carecache/internal/handlers/testutil"
)

type healthPayload struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Checks  []struct {
		Component string `json:"component"`
		Status    string `json:"status"`
	} `json:"checks"`
}

func TestHealthHandler_Readiness(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/health/ready", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var payload healthPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.True(t, payload.Success)
	require.Equal(t, "up", payload.Status)
	require.Len(t, payload.Checks, 3)
}

func TestHealthHandler_OfflineRemoteIsDegraded(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Monitor.MarkOffline()

	w := env.Request(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var payload healthPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.True(t, payload.Success)
	require.Equal(t, "degraded", payload.Status)

	w = env.Request(http.MethodGet, "/health/live", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, "up", payload.Status)
}

func TestRouter_MetricsAndNotFound(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "carecache_")

	w = env.Request(http.MethodGet, "/api/unknown", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	resp := testutil.DecodeResponse(t, w)
	require.False(t, resp.Success)
}
