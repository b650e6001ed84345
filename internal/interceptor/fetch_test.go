package interceptor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/charlesng35/carecache/pkg/errors"
)

func TestFetchEntity(t *testing.T) {
	var seen *http.Request
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		seen = req
		status, payload := http.StatusOK, `{"id":"p-1","name":"Ada"}`
		if strings.HasSuffix(req.URL.Path, "/missing") {
			status, payload = http.StatusNotFound, `{}`
		}
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(payload)),
			Request:    req,
		}, nil
	})
	ic, _ := newTestInterceptor(t, base, DefaultConfig())
	ctx := context.Background()

	record, err := ic.FetchEntity(ctx, "patients", "p-1", "hosp-A")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p-1","name":"Ada"}`, string(record))
	require.Equal(t, "/rest/v1/patients/p-1", seen.URL.Path)
	require.Equal(t, "hosp-A", seen.Header.Get("X-Hospital-ID"))

	stats, err := ic.GetCacheStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Buckets[ic.Config().BucketName(BucketAPI)])

	_, err = ic.FetchEntity(ctx, "patients", "missing", "hosp-A")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFetchEntityOffline(t *testing.T) {
	network := &fakeNetwork{body: `{"id":"p-1"}`}
	ic, _ := newTestInterceptor(t, network, DefaultConfig())
	ctx := context.Background()

	_, err := ic.FetchEntity(ctx, "patients", "p-1", "")
	require.NoError(t, err)

	network.setOffline(true)
	record, err := ic.FetchEntity(ctx, "patients", "p-1", "")
	require.NoError(t, err, "stale copy is served while offline")
	require.JSONEq(t, `{"id":"p-1"}`, string(record))

	_, err = ic.FetchEntity(ctx, "patients", "p-2", "")
	require.ErrorIs(t, err, apperrors.ErrNetworkUnreachable)
}

func TestFetchEntityKeepsHospitalsApart(t *testing.T) {
	network := &fakeNetwork{body: `{"id":"p-1","owner":"hosp-A"}`}
	ic, _ := newTestInterceptor(t, network, DefaultConfig())
	ctx := context.Background()

	_, err := ic.FetchEntity(ctx, "patients", "p-1", "hosp-A")
	require.NoError(t, err)

	network.setOffline(true)

	_, err = ic.FetchEntity(ctx, "patients", "p-1", "hosp-B")
	require.ErrorIs(t, err, apperrors.ErrNetworkUnreachable, "another hospital's copy must not be served")

	record, err := ic.FetchEntity(ctx, "patients", "p-1", "hosp-A")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p-1","owner":"hosp-A"}`, string(record))
}
