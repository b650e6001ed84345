package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/carecache/internal/app"
	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/database/testutil"
	"github.com/charlesng35/carecache/internal/invalidation"
	"github.com/charlesng35/carecache/internal/offline"
)

func newTestRouter(t *testing.T, cfg *app.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData("test"))
	store := cache.NewDatabaseStore(db, cache.DefaultConfig())

	router, err := NewRouter(Services{
		Config:      cfg,
		Store:       store,
		Coordinator: invalidation.NewCoordinator(store, nil),
		Failures:    offline.NewDatabaseFailureLog(db),
		Assets: fstest.MapFS{
			"index.html":    {Data: []byte("<html>shell</html>")},
			"manifest.json": {Data: []byte(`{"name":"CareCache"}`)},
		},
	})
	require.NoError(t, err)
	return router
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := NewRouter(Services{})
	require.Error(t, err)

	_, err = NewRouter(Services{Config: &app.Config{}})
	require.Error(t, err)
}

func TestRouterHealthAndMetricsToggles(t *testing.T) {
	enabled := &app.Config{Monitoring: app.MonitoringConfig{
		Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
		Health:     app.HealthConfig{Enabled: true},
	}}
	router := newTestRouter(t, enabled)
	require.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health").Code)
	require.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/metrics").Code)

	router = newTestRouter(t, &app.Config{})
	w := serve(router, http.MethodGet, "/health")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), `"success":false`)
}

func TestRouterServesAppShell(t *testing.T) {
	router := newTestRouter(t, &app.Config{})

	w := serve(router, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Equal(t, "<html>shell</html>", w.Body.String())

	w = serve(router, http.MethodGet, "/manifest.json")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "json")

	require.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/missing.js").Code)
	require.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/api/nothing").Code)
	require.Equal(t, http.StatusNotFound, serve(router, http.MethodPost, "/").Code)
}

func TestRouterEdgeRoutesNeedInterceptor(t *testing.T) {
	router := newTestRouter(t, &app.Config{})

	require.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/api/edge/stats").Code)
}

func TestRouterTenantRequiredOnEntityReads(t *testing.T) {
	router := newTestRouter(t, &app.Config{})

	w := serve(router, http.MethodGet, "/api/cache/patients/p-1")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "cache.tenant_required")
}
