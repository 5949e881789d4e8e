package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/models"
)

// RESTConfig configures the REST catalog factory.
type RESTConfig struct {
	// BaseURL is the catalog service root, e.g. "https://catalog.example.com/api".
	BaseURL string

	// Token is the bearer token for catalog requests.
	Token string

	// Timeout bounds each catalog request.
	Timeout time.Duration
}

// RESTFactory opens request-scoped REST clients onto the Patch Catalog.
type RESTFactory struct {
	cfg    RESTConfig
	logger *zap.Logger
}

// NewRESTFactory validates the config and returns a factory.
func NewRESTFactory(cfg RESTConfig, logger *zap.Logger) (*RESTFactory, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTFactory{cfg: cfg, logger: logger}, nil
}

// Open establishes a fresh connection with its own transport, so closing
// the client tears down everything this request opened.
func (f *RESTFactory) Open(_ context.Context) (Client, error) {
	transport := &http.Transport{MaxIdleConnsPerHost: 2}
	return &restClient{
		cfg:    f.cfg,
		logger: f.logger,
		http: &http.Client{
			Timeout:   f.cfg.Timeout,
			Transport: transport,
		},
		transport: transport,
	}, nil
}

type restClient struct {
	cfg       RESTConfig
	logger    *zap.Logger
	http      *http.Client
	transport *http.Transport
}

// Close tears down the request-scoped connections.
func (c *restClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// do performs one catalog request, decoding a JSON response into out when
// non-nil, and mapping upstream status codes onto the package's sentinel
// errors.
func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal catalog request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to create catalog request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close catalog response body", zap.Error(closeErr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s %s", ErrConflict, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("catalog rejected %s %s: %d %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode catalog response: %w", err)
		}
	}
	return nil
}

type idResponse struct {
	ID string `json:"id"`
}

func (c *restClient) TitleExists(ctx context.Context, slug string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/titles/"+url.PathEscape(slug), nil, nil)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (c *restClient) CreateTitle(ctx context.Context, spec TitleSpec) (string, error) {
	var resp idResponse
	body := map[string]any{
		"id":        spec.Slug,
		"name":      spec.DisplayName,
		"publisher": spec.Publisher,
		"appName":   spec.AppName,
		"bundleId":  spec.BundleID,
	}
	if err := c.do(ctx, http.MethodPost, "/titles", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		resp.ID = spec.Slug
	}
	return resp.ID, nil
}

func (c *restClient) UpdateTitle(ctx context.Context, slug string, patch TitlePatch) error {
	body := map[string]any{}
	if patch.DisplayName != nil {
		body["name"] = *patch.DisplayName
	}
	if patch.Publisher != nil {
		body["publisher"] = *patch.Publisher
	}
	if len(body) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPatch, "/titles/"+url.PathEscape(slug), body, nil)
}

func (c *restClient) DeleteTitle(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodDelete, "/titles/"+url.PathEscape(slug), nil, nil)
}

func (c *restClient) SetRequirement(ctx context.Context, slug string, req models.Requirement) error {
	body := requirementBody(req)
	return c.do(ctx, http.MethodPut, "/titles/"+url.PathEscape(slug)+"/requirement", body, nil)
}

func (c *restClient) CreatePatch(ctx context.Context, slug, version string, attrs PatchAttrs) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, patchPath(slug, version, ""), patchBody(attrs), &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		resp.ID = version
	}
	return resp.ID, nil
}

func (c *restClient) UpdatePatch(ctx context.Context, slug, version string, attrs PatchAttrs) error {
	return c.do(ctx, http.MethodPatch, patchPath(slug, version, ""), patchBody(attrs), nil)
}

func (c *restClient) EnablePatch(ctx context.Context, slug, version string) error {
	return c.do(ctx, http.MethodPost, patchPath(slug, version, "/enable"), nil, nil)
}

func (c *restClient) DeletePatch(ctx context.Context, slug, version string) error {
	return c.do(ctx, http.MethodDelete, patchPath(slug, version, ""), nil, nil)
}

func (c *restClient) SetPatchComponent(ctx context.Context, slug, version string, req models.Requirement) error {
	return c.do(ctx, http.MethodPut, patchPath(slug, version, "/component"), requirementBody(req), nil)
}

func (c *restClient) SetPatchCapabilities(ctx context.Context, slug, version, minOS, maxOS string) error {
	body := map[string]any{"minOS": minOS}
	if maxOS != "" {
		body["maxOS"] = maxOS
	}
	return c.do(ctx, http.MethodPut, patchPath(slug, version, "/capabilities"), body, nil)
}

func (c *restClient) SetPatchKillApps(ctx context.Context, slug, version string, apps []models.KillApp) error {
	pairs := make([]string, 0, len(apps))
	for _, app := range apps {
		pairs = append(pairs, app.String())
	}
	return c.do(ctx, http.MethodPut, patchPath(slug, version, "/killapps"),
		map[string]any{"killApps": pairs}, nil)
}

func patchPath(slug, version, tail string) string {
	p := "/titles/" + url.PathEscape(slug) + "/patches"
	if version != "" {
		p += "/" + url.PathEscape(version)
	}
	return p + tail
}

func patchBody(attrs PatchAttrs) map[string]any {
	pairs := make([]string, 0, len(attrs.KillApps))
	for _, app := range attrs.KillApps {
		pairs = append(pairs, app.String())
	}
	return map[string]any{
		"minOS":       attrs.MinOS,
		"maxOS":       attrs.MaxOS,
		"reboot":      attrs.Reboot,
		"standalone":  attrs.Standalone,
		"publishDate": attrs.PublishDate,
		"killApps":    pairs,
	}
}

func requirementBody(req models.Requirement) map[string]any {
	switch req.Kind {
	case models.RequirementApp:
		return map[string]any{
			"type":     "app",
			"appName":  req.App.Name,
			"bundleId": req.App.BundleID,
		}
	default:
		return map[string]any{
			"type":   "ea",
			"script": req.Script.Source,
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
