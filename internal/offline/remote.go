package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charlesng35/carecache/internal/models"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
)

// IdempotencyHeader carries the replay key to the remote service.
const IdempotencyHeader = "Idempotency-Key"

// IdempotencyKey derives the remote idempotency key of an offline action. It
// is stable across replays so a retried action is applied at most once.
func IdempotencyKey(actionID string) string {
	return "offline-action:" + actionID
}

// Remote applies queued mutations to the data service.
type Remote interface {
	Apply(ctx context.Context, action models.OfflineAction, idempotencyKey string) error
}

// Prober reports whether the data service is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// RemoteError is a response from the data service rejecting a mutation.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote rejected mutation: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote rejected mutation: status %d: %s", e.StatusCode, e.Body)
}

// HTTPRemote talks to a REST data service laid out as <base><prefix><table>[/<id>].
type HTTPRemote struct {
	baseURL    *url.URL
	pathPrefix string
	healthPath string
	client     *http.Client
}

// HTTPRemoteConfig configures HTTPRemote.
type HTTPRemoteConfig struct {
	BaseURL    string
	PathPrefix string
	HealthPath string
	Timeout    time.Duration
	// Transport defaults to http.DefaultTransport. It must not be the
	// request interception cache: mutations and probes need the real network.
	Transport http.RoundTripper
}

// NewHTTPRemote validates cfg and builds an HTTPRemote.
func NewHTTPRemote(cfg HTTPRemoteConfig) (*HTTPRemote, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("offline: invalid remote base url %q", cfg.BaseURL)
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/rest/v1/"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}

	return &HTTPRemote{
		baseURL:    base,
		pathPrefix: "/" + strings.Trim(cfg.PathPrefix, "/") + "/",
		healthPath: cfg.HealthPath,
		client:     &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
	}, nil
}

// Apply implements Remote.
func (r *HTTPRemote) Apply(ctx context.Context, action models.OfflineAction, idempotencyKey string) error {
	method, target := r.route(action)
	if method == "" {
		return fmt.Errorf("offline: cannot route %s on %s", action.Type, action.Table)
	}

	var body io.Reader
	if action.Type != models.ActionDelete && len(action.Data) > 0 {
		body = bytes.NewReader(action.Data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set(IdempotencyHeader, idempotencyKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if action.HospitalID != "" {
		req.Header.Set("X-Hospital-ID", action.HospitalID)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &RemoteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

func (r *HTTPRemote) route(action models.OfflineAction) (string, string) {
	collection := r.baseURL.JoinPath(r.pathPrefix, action.Table)
	switch action.Type {
	case models.ActionCreate:
		return http.MethodPost, collection.String()
	case models.ActionUpdate:
		if action.RecordID == "" {
			return "", ""
		}
		return http.MethodPatch, collection.JoinPath(action.RecordID).String()
	case models.ActionDelete:
		if action.RecordID == "" {
			return "", ""
		}
		return http.MethodDelete, collection.JoinPath(action.RecordID).String()
	default:
		return "", ""
	}
}

// Ping implements Prober. Any response below 500 counts as reachable.
func (r *HTTPRemote) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL.JoinPath(r.healthPath).String(), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: health status %d", apperrors.ErrNetworkUnreachable, resp.StatusCode)
	}
	return nil
}

// IsNetworkError reports whether err means the remote was never reached.
func IsNetworkError(err error) bool {
	return errors.Is(err, apperrors.ErrNetworkUnreachable)
}
