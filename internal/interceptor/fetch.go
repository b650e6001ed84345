package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/charlesng35/carecache/pkg/errors"
)

// FetchEntity loads one record of entity from the remote data service
// through the interceptor, so the api bucket strategy applies. A 404 maps to
// apperrors.ErrNotFound and the synthesized offline response to
// apperrors.ErrNetworkUnreachable.
func (i *Interceptor) FetchEntity(ctx context.Context, entity, id, hospitalID string) (json.RawMessage, error) {
	base := strings.TrimSpace(i.cfg.RemoteBaseURL)
	if base == "" {
		return nil, errors.New("interceptor: no remote base url configured")
	}
	target, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("interceptor: invalid remote base url: %w", err)
	}
	target = target.JoinPath(i.cfg.EntityPath(entity), id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if hospitalID != "" {
		req.Header.Set(HeaderHospitalID, hospitalID)
	}

	resp, err := i.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrNetworkUnreachable, err)
	}

	switch {
	case resp.Header.Get(HeaderOffline) == "true":
		return nil, apperrors.ErrNetworkUnreachable
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("interceptor: fetch %s/%s: status %d", entity, id, resp.StatusCode)
	case !json.Valid(body):
		return nil, fmt.Errorf("interceptor: fetch %s/%s: response is not JSON", entity, id)
	}
	return json.RawMessage(body), nil
}
