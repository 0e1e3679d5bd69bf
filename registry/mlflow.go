// Package registry is a minimal client for the MLflow model registry REST
// API: it resolves a registered model name plus alias or stage to a version
// and its artifact source.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to an MLflow tracking server.
type Client struct {
	baseURL    string
	maxRetries int
	httpClient *http.Client
}

// APIError represents a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Body       string // first 512 bytes
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mlflow HTTP %d: %s", e.StatusCode, e.Body)
}

// ModelVersion is the subset of an MLflow model version the gateway uses.
type ModelVersion struct {
	Name    string
	Version int
	Source  string
	RunID   string
	Stage   string
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxRetries sets how many times a 5xx or 429 response is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxRetries: 1,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireVersion struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Source         string `json:"source"`
	RunID          string `json:"run_id"`
	CurrentStage   string `json:"current_stage"`
	Status         string `json:"status"`
	StatusMessage  string `json:"status_message"`
	CreationTime   int64  `json:"creation_timestamp"`
	LastUpdateTime int64  `json:"last_updated_timestamp"`
}

func (w wireVersion) decode() (ModelVersion, error) {
	version, err := strconv.Atoi(w.Version)
	if err != nil {
		return ModelVersion{}, fmt.Errorf("mlflow: invalid version %q: %w", w.Version, err)
	}
	if version < 1 {
		return ModelVersion{}, fmt.Errorf("mlflow: invalid version %d", version)
	}
	if w.Source == "" {
		return ModelVersion{}, fmt.Errorf("mlflow: version %d has no source", version)
	}
	if w.Status != "" && w.Status != "READY" {
		return ModelVersion{}, fmt.Errorf("mlflow: version %d is %s", version, w.Status)
	}
	return ModelVersion{
		Name:    w.Name,
		Version: version,
		Source:  w.Source,
		RunID:   w.RunID,
		Stage:   w.CurrentStage,
	}, nil
}

// VersionByAlias returns the version the alias currently points to.
func (c *Client) VersionByAlias(ctx context.Context, name, alias string) (ModelVersion, error) {
	query := url.Values{"name": {name}, "alias": {alias}}
	var resp struct {
		ModelVersion *wireVersion `json:"model_version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/2.0/mlflow/registered-models/alias?"+query.Encode(), nil, &resp); err != nil {
		return ModelVersion{}, err
	}
	if resp.ModelVersion == nil {
		return ModelVersion{}, fmt.Errorf("mlflow: no version for %s@%s", name, alias)
	}
	return resp.ModelVersion.decode()
}

// LatestVersionByStage returns the newest version in stage.
func (c *Client) LatestVersionByStage(ctx context.Context, name, stage string) (ModelVersion, error) {
	body := map[string]any{"name": name, "stages": []string{stage}}
	var resp struct {
		ModelVersions []wireVersion `json:"model_versions"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/2.0/mlflow/registered-models/get-latest-versions", body, &resp); err != nil {
		return ModelVersion{}, err
	}
	var best *wireVersion
	bestVersion := 0
	for i := range resp.ModelVersions {
		v, err := strconv.Atoi(resp.ModelVersions[i].Version)
		if err != nil {
			continue
		}
		if v > bestVersion {
			best = &resp.ModelVersions[i]
			bestVersion = v
		}
	}
	if best == nil {
		return ModelVersion{}, fmt.Errorf("mlflow: no version of %s in stage %s", name, stage)
	}
	return best.decode()
}

func (c *Client) do(ctx context.Context, method, path string, body any, dest any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	var lastErr *APIError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoffDelay(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if err := json.Unmarshal(data, dest); err != nil {
				return fmt.Errorf("mlflow: decode response: %w", err)
			}
			return nil
		}

		bodyStr := string(data)
		if len(bodyStr) > 512 {
			bodyStr = bodyStr[:512]
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: bodyStr}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = apiErr
			continue
		}
		return apiErr
	}
	return lastErr
}

// backoffDelay doubles from 200ms per retry.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * 200 * time.Millisecond
}

// IsNotFound reports whether err is a 404 from the registry.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
