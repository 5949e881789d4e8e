package fleet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// RESTConfig configures the REST fleet factory.
type RESTConfig struct {
	// BaseURL is the fleet service API root.
	BaseURL string

	// Username and Password authenticate Xolo's service account.
	Username string
	Password string

	// Timeout bounds each fleet request.
	Timeout time.Duration
}

// RESTFactory opens request-scoped REST clients onto Fleet Management.
type RESTFactory struct {
	cfg    RESTConfig
	logger *zap.Logger
}

// NewRESTFactory validates the config and returns a factory.
func NewRESTFactory(cfg RESTConfig, logger *zap.Logger) (*RESTFactory, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fleet base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid fleet base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTFactory{cfg: cfg, logger: logger}, nil
}

// Open establishes a fresh connection with its own transport.
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

func (c *restClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	return c.doAs(ctx, method, path, c.cfg.Username, c.cfg.Password, body, out)
}

func (c *restClient) doAs(ctx context.Context, method, path, user, pass string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal fleet request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to create fleet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(user, pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close fleet response body", zap.Error(closeErr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrBadCredentials, method, path)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s %s", ErrConflict, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fleet rejected %s %s: %d %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode fleet response: %w", err)
		}
	}
	return nil
}

type idResponse struct {
	ID string `json:"id"`
}

func (c *restClient) EnsureCategory(ctx context.Context, name string) (string, error) {
	var resp idResponse
	err := c.do(ctx, http.MethodPost, "/categories", map[string]any{"name": name}, &resp)
	if errors.Is(err, ErrConflict) {
		err = c.do(ctx, http.MethodGet, "/categories/"+url.PathEscape(name), nil, &resp)
	}
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func packageBody(spec PackageSpec) map[string]any {
	return map[string]any{
		"name":           spec.Name,
		"filename":       spec.Filename,
		"category":       spec.Category,
		"osRequirement":  spec.OSRequirement,
		"rebootRequired": spec.RebootRequired,
		"distribution":   spec.Distribution,
	}
}

func (c *restClient) CreatePackage(ctx context.Context, spec PackageSpec) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/packages", packageBody(spec), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *restClient) GetPackage(ctx context.Context, id string) (*Package, error) {
	var resp struct {
		idResponse
		PackageSpec
	}
	if err := c.do(ctx, http.MethodGet, "/packages/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &Package{ID: resp.ID, PackageSpec: resp.PackageSpec}, nil
}

func (c *restClient) UpdatePackage(ctx context.Context, id string, spec PackageSpec) error {
	return c.do(ctx, http.MethodPut, "/packages/"+url.PathEscape(id), packageBody(spec), nil)
}

func (c *restClient) DeletePackage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/packages/"+url.PathEscape(id), nil, nil)
}

func policyBody(spec PolicySpec) map[string]any {
	return map[string]any{
		"name":                spec.Name,
		"kind":                string(spec.Kind),
		"packageId":           spec.PackageID,
		"allTargets":          spec.Scope.AllTargets,
		"targets":             spec.Scope.Targets,
		"exclusions":          spec.Scope.Exclusions,
		"selfService":         spec.SelfService,
		"selfServiceCategory": spec.SelfServiceCategory,
		"selfServiceIconId":   spec.SelfServiceIconID,
		"script":              spec.Script,
		"reboot":              spec.Reboot,
		"enabled":             spec.Enabled,
	}
}

func (c *restClient) CreatePolicy(ctx context.Context, spec PolicySpec) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/policies", policyBody(spec), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *restClient) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var resp struct {
		idResponse
		PolicySpec
	}
	if err := c.do(ctx, http.MethodGet, "/policies/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &Policy{ID: resp.ID, PolicySpec: resp.PolicySpec}, nil
}

func (c *restClient) UpdatePolicy(ctx context.Context, id string, spec PolicySpec) error {
	return c.do(ctx, http.MethodPut, "/policies/"+url.PathEscape(id), policyBody(spec), nil)
}

func (c *restClient) DeletePolicy(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/policies/"+url.PathEscape(id), nil, nil)
}

func (c *restClient) FlushPolicyLogs(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/policies/"+url.PathEscape(id)+"/logs", nil, nil)
}

func (c *restClient) ActivatePatchTitle(ctx context.Context, slug string) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/patch-titles",
		map[string]any{"titleId": slug}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *restClient) DeactivatePatchTitle(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodDelete, "/patch-titles/"+url.PathEscape(slug), nil, nil)
}

func (c *restClient) PatchVersionVisible(ctx context.Context, slug, version string) (bool, error) {
	err := c.do(ctx, http.MethodGet,
		"/patch-titles/"+url.PathEscape(slug)+"/versions/"+url.PathEscape(version), nil, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (c *restClient) AssignPackageToPatchVersion(ctx context.Context, slug, version, packageID string) error {
	return c.do(ctx, http.MethodPut,
		"/patch-titles/"+url.PathEscape(slug)+"/versions/"+url.PathEscape(version)+"/package",
		map[string]any{"packageId": packageID}, nil)
}

func patchPolicyBody(spec PatchPolicySpec) map[string]any {
	return map[string]any{
		"titleId":        spec.TitleSlug,
		"version":        spec.Version,
		"packageId":      spec.PackageID,
		"allTargets":     spec.Scope.AllTargets,
		"targets":        spec.Scope.Targets,
		"exclusions":     spec.Scope.Exclusions,
		"allowDowngrade": spec.AllowDowngrade,
		"selfService":    spec.SelfService,
	}
}

func (c *restClient) CreatePatchPolicy(ctx context.Context, spec PatchPolicySpec) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/patch-policies", patchPolicyBody(spec), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *restClient) UpdatePatchPolicy(ctx context.Context, id string, spec PatchPolicySpec) error {
	return c.do(ctx, http.MethodPut, "/patch-policies/"+url.PathEscape(id), patchPolicyBody(spec), nil)
}

func (c *restClient) SetPatchPolicyEnabled(ctx context.Context, id string, enabled bool) error {
	return c.do(ctx, http.MethodPatch, "/patch-policies/"+url.PathEscape(id),
		map[string]any{"enabled": enabled}, nil)
}

func (c *restClient) DeletePatchPolicy(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/patch-policies/"+url.PathEscape(id), nil, nil)
}

func (c *restClient) UpsertEA(ctx context.Context, name, script string) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPut, "/extension-attributes/"+url.PathEscape(name),
		map[string]any{"script": script}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *restClient) DeleteEA(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/extension-attributes/"+url.PathEscape(name), nil, nil)
}

func (c *restClient) EAAcceptancePending(ctx context.Context, slug string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.do(ctx, http.MethodGet,
		"/patch-titles/"+url.PathEscape(slug)+"/ea-acceptance", nil, &resp); err != nil {
		return false, err
	}
	return !resp.Accepted, nil
}

func (c *restClient) AcceptEA(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodPost,
		"/patch-titles/"+url.PathEscape(slug)+"/ea-acceptance", nil, nil)
}

func smartGroupBody(spec SmartGroupSpec) map[string]any {
	return map[string]any{
		"name":     spec.Name,
		"kind":     string(spec.Criteria.Kind),
		"appName":  spec.Criteria.AppName,
		"bundleId": spec.Criteria.BundleID,
		"eaName":   spec.Criteria.EAName,
	}
}

func (c *restClient) CreateSmartGroup(ctx context.Context, spec SmartGroupSpec) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/smart-groups", smartGroupBody(spec), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *restClient) UpdateSmartGroup(ctx context.Context, id string, spec SmartGroupSpec) error {
	return c.do(ctx, http.MethodPut, "/smart-groups/"+url.PathEscape(id), smartGroupBody(spec), nil)
}

func (c *restClient) CreateStaticGroup(ctx context.Context, name string, members []string) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/static-groups",
		map[string]any{"name": name, "members": members}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *restClient) GetStaticGroupMembers(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Members []string `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, "/static-groups/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *restClient) SetStaticGroupMembers(ctx context.Context, id string, members []string) error {
	return c.do(ctx, http.MethodPut, "/static-groups/"+url.PathEscape(id),
		map[string]any{"members": members}, nil)
}

func (c *restClient) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(id), nil, nil)
}

func (c *restClient) UploadIcon(ctx context.Context, filename string, data []byte) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/icons", map[string]any{
		"filename": filename,
		"data":     base64.StdEncoding.EncodeToString(data),
	}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *restClient) DeployViaMDM(ctx context.Context, packageID string, targets []string) error {
	pkg, err := c.GetPackage(ctx, packageID)
	if err != nil {
		return err
	}
	if !pkg.Distribution {
		return fmt.Errorf("%w: package %s is not a distribution package", ErrUnsupported, packageID)
	}
	return c.do(ctx, http.MethodPost, "/mdm/deploy", map[string]any{
		"packageId": packageID,
		"targets":   targets,
	}, nil)
}

// CheckCredentials attempts a credential-validated request against the
// fleet's auth endpoint as the given user.
func (c *restClient) CheckCredentials(ctx context.Context, username, password string) error {
	return c.doAs(ctx, http.MethodGet, "/auth/me", username, password, nil, nil)
}

func (c *restClient) MemberOf(ctx context.Context, username, group string) (bool, error) {
	var resp struct {
		Member bool `json:"member"`
	}
	if err := c.do(ctx, http.MethodGet,
		"/accounts/"+url.PathEscape(username)+"/groups/"+url.PathEscape(group), nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return resp.Member, nil
}
