package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/carecache/internal/api"
	"github.com/charlesng35/carecache/internal/app"
	"github.com/charlesng35/carecache/internal/cache"
	sharedtestutil "github.com/charlesng35/carecache/internal/database/testutil"
	"github.com/charlesng35/carecache/internal/interceptor"
	"github.com/charlesng35/carecache/internal/invalidation"
	"github.com/charlesng35/carecache/internal/middleware"
	"github.com/charlesng35/carecache/internal/monitoring"
	"github.com/charlesng35/carecache/internal/notifications"
	"github.com/charlesng35/carecache/internal/offline"
	"github.com/charlesng35/carecache/internal/querycache"
	"github.com/charlesng35/carecache/pkg/response"
)

// RemoteCall is one request the fake data service received.
type RemoteCall struct {
	Method string
	Path   string
	Key    string
	Body   string
}

// DataService is an httptest stand-in for the remote data service.
// Collection reads return a JSON list echoing the path, record reads return
// what SetRecord stored or 404, and mutations answer the mutation status.
type DataService struct {
	Server *httptest.Server

	mutationStatus atomic.Int32
	mu             sync.Mutex
	calls          []RemoteCall
	records        map[string]string
}

// SetRecord makes GET path answer body.
func (d *DataService) SetRecord(path, body string) {
	d.mu.Lock()
	d.records[path] = body
	d.mu.Unlock()
}

// SetMutationStatus changes the status returned for POST, PATCH and DELETE.
func (d *DataService) SetMutationStatus(status int) {
	d.mutationStatus.Store(int32(status))
}

// Calls returns a copy of every request received so far.
func (d *DataService) Calls() []RemoteCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RemoteCall(nil), d.calls...)
}

func newDataService(t *testing.T) *DataService {
	t.Helper()

	svc := &DataService{records: make(map[string]string)}
	svc.mutationStatus.Store(http.StatusCreated)
	svc.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		svc.mu.Lock()
		svc.calls = append(svc.calls, RemoteCall{
			Method: r.Method,
			Path:   r.URL.Path,
			Key:    r.Header.Get(offline.IdempotencyHeader),
			Body:   string(body),
		})
		record, found := svc.records[r.URL.Path]
		svc.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			if strings.Count(strings.Trim(r.URL.Path, "/"), "/") < 3 {
				_ = json.NewEncoder(w).Encode([]map[string]string{{"path": r.URL.Path}})
				return
			}
			if !found {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(record))
			return
		}
		w.WriteHeader(int(svc.mutationStatus.Load()))
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(svc.Server.Close)
	return svc
}

// Env encapsulates a fully-wired API instance backed by an in-memory database
// and a fake data service.
type Env struct {
	T           *testing.T
	DB          *gorm.DB
	Store       *cache.DatabaseStore
	Memory      *querycache.Memory
	Coordinator *invalidation.Coordinator
	Interceptor *interceptor.Interceptor
	Failures    *offline.DatabaseFailureLog
	Replayer    *offline.Replayer
	Monitor     *offline.Monitor
	Hub         *notifications.Hub
	Remote      *DataService
	Router      *gin.Engine
}

// NewEnv provisions a fresh handler test environment.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData("test"))
	remote := newDataService(t)

	cfg := &app.Config{
		Store:       app.StoreConfig{AppVersion: "test"},
		Interceptor: app.InterceptorConfig{RemoteBaseURL: remote.Server.URL, Version: "test"},
		Offline:     app.OfflineConfig{MaxRetries: 3, MaxAge: 7 * 24 * time.Hour},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}

	store := cache.NewDatabaseStore(db, cfg.StoreSettings())
	require.NoError(t, store.Init(context.Background()))

	ric, err := interceptor.New(db, http.DefaultTransport, cfg.Interceptor.InterceptorSettings())
	require.NoError(t, err)
	t.Cleanup(ric.Wait)

	memory := querycache.NewMemory()
	coordinator := invalidation.NewCoordinator(store, ric)
	coordinator.Initialize(memory)

	httpRemote, err := offline.NewHTTPRemote(cfg.RemoteSettings())
	require.NoError(t, err)

	hub := notifications.NewHub()
	failures := offline.NewDatabaseFailureLog(db)
	replayer := offline.NewReplayer(store, httpRemote, coordinator, failures, cfg.Offline.ReplaySettings(), offline.WithNotifier(hub))
	monitor := offline.NewMonitor(httpRemote, replayer, time.Minute)
	queue := offline.NewQueue(store, httpRemote, coordinator, monitor)

	health := monitoring.NewHealthManager()
	health.RegisterLiveness(monitoring.Database(db))
	health.RegisterReadiness(monitoring.Remote(monitor))
	health.RegisterReadiness(monitoring.Queue(store, 100))

	router, err := api.NewRouter(api.Services{
		Config:      cfg,
		Store:       store,
		Coordinator: coordinator,
		Interceptor: ric,
		Queue:       queue,
		Replayer:    replayer,
		Failures:    failures,
		Hub:         hub,
		Health:      health,
	})
	require.NoError(t, err)

	return &Env{
		T:           t,
		DB:          db,
		Store:       store,
		Memory:      memory,
		Coordinator: coordinator,
		Interceptor: ric,
		Failures:    failures,
		Replayer:    replayer,
		Monitor:     monitor,
		Hub:         hub,
		Remote:      remote,
		Router:      router,
	}
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router. body is JSON
// encoded unless it is already a string; hospitalID, when set, is sent as
// the tenant header.
func (e *Env) Request(method, path string, body any, hospitalID string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		payload, err := json.Marshal(v)
		require.NoError(e.T, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hospitalID != "" {
		req.Header.Set(middleware.HospitalHeader, hospitalID)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
