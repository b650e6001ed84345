package offline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/carecache/internal/models"
)

type capturedRequest struct {
	Method   string
	Path     string
	Key      string
	Hospital string
	Body     string
}

func newDataService(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()

	var (
		mu       sync.Mutex
		requests []capturedRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			Key:      r.Header.Get(IdempotencyHeader),
			Hospital: r.Header.Get("X-Hospital-ID"),
			Body:     string(body),
		})
		mu.Unlock()
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"rejected"}`))
	}))
	t.Cleanup(server.Close)

	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func TestHTTPRemoteRoutesMutations(t *testing.T) {
	server, captured := newDataService(t, http.StatusOK)
	remote, err := NewHTTPRemote(HTTPRemoteConfig{BaseURL: server.URL})
	require.NoError(t, err)
	ctx := context.Background()

	create := models.OfflineAction{ID: "01A", Type: models.ActionCreate, Table: "patients", HospitalID: "h1", Data: datatypes.JSON(`{"name":"Ada"}`)}
	update := models.OfflineAction{ID: "01B", Type: models.ActionUpdate, Table: "patients", RecordID: "p1", Data: datatypes.JSON(`{"name":"Ada L"}`)}
	remove := models.OfflineAction{ID: "01C", Type: models.ActionDelete, Table: "invoices", RecordID: "i9"}

	for _, action := range []models.OfflineAction{create, update, remove} {
		require.NoError(t, remote.Apply(ctx, action, IdempotencyKey(action.ID)))
	}

	requests := captured()
	require.Len(t, requests, 3)
	require.Equal(t, capturedRequest{Method: http.MethodPost, Path: "/rest/v1/patients", Key: "offline-action:01A", Hospital: "h1", Body: `{"name":"Ada"}`}, requests[0])
	require.Equal(t, http.MethodPatch, requests[1].Method)
	require.Equal(t, "/rest/v1/patients/p1", requests[1].Path)
	require.Equal(t, http.MethodDelete, requests[2].Method)
	require.Equal(t, "/rest/v1/invoices/i9", requests[2].Path)
	require.Empty(t, requests[2].Body)
}

func TestHTTPRemoteRejectionIsNotNetworkError(t *testing.T) {
	server, _ := newDataService(t, http.StatusUnprocessableEntity)
	remote, err := NewHTTPRemote(HTTPRemoteConfig{BaseURL: server.URL})
	require.NoError(t, err)

	err = remote.Apply(context.Background(), models.OfflineAction{ID: "1", Type: models.ActionCreate, Table: "patients"}, "k")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, http.StatusUnprocessableEntity, remoteErr.StatusCode)
	require.Contains(t, remoteErr.Body, "rejected")
	require.False(t, IsNetworkError(err))
}

func TestHTTPRemoteUnreachable(t *testing.T) {
	server, _ := newDataService(t, http.StatusOK)
	remote, err := NewHTTPRemote(HTTPRemoteConfig{BaseURL: server.URL})
	require.NoError(t, err)
	server.Close()

	err = remote.Apply(context.Background(), models.OfflineAction{ID: "1", Type: models.ActionCreate, Table: "patients"}, "k")
	require.True(t, IsNetworkError(err))
	require.True(t, IsNetworkError(remote.Ping(context.Background())))
}

func TestHTTPRemotePingAndValidation(t *testing.T) {
	server, captured := newDataService(t, http.StatusOK)
	remote, err := NewHTTPRemote(HTTPRemoteConfig{BaseURL: server.URL})
	require.NoError(t, err)

	require.NoError(t, remote.Ping(context.Background()))
	require.Equal(t, "/health", captured()[0].Path)

	err = remote.Apply(context.Background(), models.OfflineAction{ID: "1", Type: models.ActionUpdate, Table: "patients"}, "k")
	require.Error(t, err)
	require.False(t, IsNetworkError(err))

	_, err = NewHTTPRemote(HTTPRemoteConfig{BaseURL: "not a url"})
	require.Error(t, err)
}
