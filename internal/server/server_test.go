package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xolo-io/xolo/internal/auth"
	catalogmock "github.com/xolo-io/xolo/internal/catalog/mock"
	"github.com/xolo-io/xolo/internal/config"
	fleetmock "github.com/xolo-io/xolo/internal/fleet/mock"
	"github.com/xolo-io/xolo/internal/lifecycle"
	"github.com/xolo-io/xolo/internal/locks"
	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/observability"
	"github.com/xolo-io/xolo/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var serverTestActor = lifecycle.Actor{Admin: "seed", Host: "test"}

type env struct {
	srv     *Server
	cat     *catalogmock.Catalog
	flt     *fleetmock.Fleet
	store   *store.FileStore
	manager *lifecycle.Manager
	cfg     *config.Config
	token   auth.InternalToken
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := observability.NewNopLogger()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.GinMode = gin.TestMode
	cfg.Store.Root = t.TempDir()
	cfg.Locks.TTL = time.Minute

	fs, err := store.NewFileStore(t.TempDir(), logger.Logger)
	require.NoError(t, err)
	cl, err := store.NewChangelog(fs, t.TempDir(), logger.Logger)
	require.NoError(t, err)

	cat := catalogmock.New()
	flt := fleetmock.New()
	flt.Accounts["jappleseed"] = fleetmock.Account{
		Password: "s3cret",
		Groups:   []string{"xolo-admins"},
	}
	flt.Accounts["sre-ops"] = fleetmock.Account{
		Password: "hunter2",
		Groups:   []string{"xolo-admins", "xolo-server-admins"},
	}
	flt.Accounts["helpdesk"] = fleetmock.Account{
		Password: "welcome1",
		Groups:   []string{"staff"},
	}

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Store:     fs,
		Changelog: cl,
		Locks:     locks.NewManager(time.Minute, logger.Logger),
		Catalog:   cat,
		Fleet:     flt,
		Logger:    logger.Logger,
		Config: lifecycle.Config{
			PatchPollInterval: 5 * time.Millisecond,
			PatchPollTimeout:  2 * time.Second,
			EAPollInterval:    5 * time.Millisecond,
			EAPollTimeout:     2 * time.Second,
		},
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions, err := auth.NewSessionStoreWithClient(client, time.Hour, logger.Logger)
	require.NoError(t, err)

	token, err := auth.NewInternalToken()
	require.NoError(t, err)

	srv, err := New(Options{
		Config:      cfg,
		Logger:      logger,
		Manager:     manager,
		Store:       fs,
		Changelog:   cl,
		Fleet:       flt,
		Sessions:    sessions,
		Token:       token,
		ProgressDir: t.TempDir(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, manager.Registry().Wait(ctx))
	})

	return &env{
		srv:     srv,
		cat:     cat,
		flt:     flt,
		store:   fs,
		manager: manager,
		cfg:     cfg,
		token:   token,
	}
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}

// do runs one request through the router. The variadic cookie keeps
// unauthenticated calls terse.
func (e *env) do(method, path string, body io.Reader, cookie ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookie {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *env) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	rec := e.do(http.MethodPost, "/auth/login",
		jsonBody(t, gin.H{"username": username, "password": password}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			return c
		}
	}
	t.Fatal("login response carried no session cookie")
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func appTitle() *models.Title {
	return &models.Title{
		Name:        "firefox",
		DisplayName: "Mozilla Firefox",
		Publisher:   "Mozilla",
		AppName:     "Firefox.app",
		AppBundleID: "org.mozilla.firefox",
		PilotGroups: []string{"pilot-computers"},
	}
}

// seedTitle creates a title synchronously, outside the HTTP surface.
func (e *env) seedTitle(t *testing.T) *models.Title {
	t.Helper()
	title := appTitle()
	require.NoError(t, e.manager.CreateTitle(context.Background(), serverTestActor, title, nil))
	return title
}

// seedVersion creates a pilot version with the patch already visible and
// waits for the patch policy so the version is fully provisioned.
func (e *env) seedVersion(t *testing.T, slug, ver string) {
	t.Helper()
	ctx := context.Background()
	e.flt.MakePatchVersionVisible(slug, ver)
	require.NoError(t, e.manager.CreateVersion(ctx, serverTestActor,
		&models.Version{Title: slug, Version: ver, MinOS: "13.0"}, nil))
	require.Eventually(t, func() bool {
		v, err := e.store.LoadVersion(ctx, slug, ver)
		return err == nil && v.FleetPatchPolicyID != ""
	}, 5*time.Second, 5*time.Millisecond, "patch policy was never created")
}

func TestPing(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name     string
		body     gin.H
		wantCode int
	}{
		{"admin", gin.H{"username": "jappleseed", "password": "s3cret"}, http.StatusOK},
		{"server admin", gin.H{"username": "sre-ops", "password": "hunter2"}, http.StatusOK},
		{"wrong password", gin.H{"username": "jappleseed", "password": "nope"}, http.StatusUnauthorized},
		{"unknown account", gin.H{"username": "ghost", "password": "x"}, http.StatusUnauthorized},
		{"not an admin", gin.H{"username": "helpdesk", "password": "welcome1"}, http.StatusForbidden},
		{"missing fields", gin.H{"username": "jappleseed"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			rec := e.do(http.MethodPost, "/auth/login", jsonBody(t, tt.body))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestLoginReportsServerAdmin(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/auth/login",
		jsonBody(t, gin.H{"username": "sre-ops", "password": "hunter2"}))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "sre-ops", body["admin"])
	assert.Equal(t, true, body["server_admin"])
}

func TestLogout(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodPost, "/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/titles", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouteTiers(t *testing.T) {
	e := newEnv(t)
	admin := e.login(t, "jappleseed", "s3cret")
	serverAdmin := e.login(t, "sre-ops", "hunter2")

	// No session at all.
	rec := e.do(http.MethodGet, "/titles", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A plain admin reaches title routes but not server administration.
	rec = e.do(http.MethodGet, "/titles", nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(http.MethodGet, "/state", nil, admin)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A server admin reaches both.
	rec = e.do(http.MethodGet, "/state", nil, serverAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInternalCleanupRoute(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name       string
		remoteAddr string
		authz      string
		wantCode   int
	}{
		{"loopback with token", "127.0.0.1:50123", "Bearer " + string(e.token), http.StatusOK},
		{"loopback without token", "127.0.0.1:50123", "", http.StatusForbidden},
		{"remote with token", "203.0.113.9:44211", "Bearer " + string(e.token), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/maint/cleanup-internal", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			rec := httptest.NewRecorder()
			e.srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateTitleAsync(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodPost, "/titles", jsonBody(t, appTitle()), cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "running", body["status"])
	streamPath, _ := body["progress_stream_url_path"].(string)
	require.NotEmpty(t, streamPath)

	require.Eventually(t, func() bool {
		exists, err := e.store.TitleExists(context.Background(), "firefox")
		return err == nil && exists
	}, 5*time.Second, 5*time.Millisecond, "title was never created")

	// The finished stream replays the workflow steps and then closes.
	rec = e.do(http.MethodGet, streamPath, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "creating catalog title firefox")
	assert.NotContains(t, rec.Body.String(), "ERROR:")
}

func TestCreateTitleValidationFailsOnRequest(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	bad := appTitle()
	bad.Name = "Fire Fox!"
	rec := e.do(http.MethodPost, "/titles", jsonBody(t, bad), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTitleDuplicateFailsOnStream(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodPost, "/titles", jsonBody(t, appTitle()), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	streamPath := decode(t, rec)["progress_stream_url_path"].(string)

	require.NoError(t, e.manager.Registry().Wait(context.Background()))

	rec = e.do(http.MethodGet, streamPath, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERROR:")
	assert.Contains(t, rec.Body.String(), "already exists")
}

func TestGetTitle(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodGet, "/titles/firefox", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var title models.Title
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &title))
	assert.Equal(t, "firefox", title.Name)
	assert.Equal(t, "Mozilla Firefox", title.DisplayName)
}

func TestGetTitleUnknown(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodGet, "/titles/ghost", nil, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTitleUnknown(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodDelete, "/titles/ghost", nil, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTitles(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodGet, "/titles", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "firefox")
}

func TestVersionRoutes(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	e.seedVersion(t, "firefox", "128.0")
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodGet, "/titles/firefox/versions", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "128.0")

	rec = e.do(http.MethodGet, "/titles/firefox/versions/128.0", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var v models.Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, models.StatePilot, v.State)

	rec = e.do(http.MethodGet, "/titles/firefox/versions/999.0", nil, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployVersionRoute(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	e.seedVersion(t, "firefox", "128.0")
	cookie := e.login(t, "jappleseed", "s3cret")

	// Mark the seeded package MDM-deployable.
	v, err := e.store.LoadVersion(context.Background(), "firefox", "128.0")
	require.NoError(t, err)
	e.flt.Packages[v.FleetPackageID].Distribution = true

	rec := e.do(http.MethodPost, "/titles/firefox/versions/128.0/deploy",
		jsonBody(t, gin.H{"computers": []string{"mac-001"}}), cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, e.flt.MDMDeploys, v.FleetPackageID)

	rec = e.do(http.MethodPost, "/titles/firefox/versions/128.0/deploy",
		jsonBody(t, gin.H{"computers": []string{}}), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployVersionRouteUnsupportedPackage(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	e.seedVersion(t, "firefox", "128.0")
	cookie := e.login(t, "jappleseed", "s3cret")

	// The seeded package is update-only, so the fleet refuses MDM deploy.
	rec := e.do(http.MethodPost, "/titles/firefox/versions/128.0/deploy",
		jsonBody(t, gin.H{"computers": []string{"mac-001"}}), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not supported")
}

func TestReleaseFlow(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	e.seedVersion(t, "firefox", "128.0")
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodPost, "/titles/firefox/release",
		jsonBody(t, gin.H{"version": "128.0"}), cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "running", decode(t, rec)["status"])

	require.Eventually(t, func() bool {
		v, err := e.store.LoadVersion(context.Background(), "firefox", "128.0")
		return err == nil && v.State == models.StateReleased
	}, 5*time.Second, 5*time.Millisecond, "version was never released")
}

func TestReleaseRequiresVersion(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodPost, "/titles/firefox/release", jsonBody(t, gin.H{}), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFreezeAndThaw(t *testing.T) {
	e := newEnv(t)
	title := e.seedTitle(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodPost, "/titles/firefox/freeze",
		jsonBody(t, gin.H{"computers": []string{"mac-001", "mac-002"}}), cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.ElementsMatch(t, []string{"mac-001", "mac-002"},
		e.flt.StaticGroups[title.FleetFrozenGroupID])

	// Freeze requires an explicit computer list.
	rec = e.do(http.MethodPost, "/titles/firefox/freeze", jsonBody(t, gin.H{}), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Thaw with no body releases every frozen computer.
	rec = e.do(http.MethodPost, "/titles/firefox/thaw", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, e.flt.StaticGroups[title.FleetFrozenGroupID])
}

func TestChangelogRoute(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	rec := e.do(http.MethodGet, "/titles/firefox/changelog", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Title Created")
}

func TestUploadIcon(t *testing.T) {
	e := newEnv(t)
	e.seedTitle(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	body, contentType := multipartBody(t,
		map[string]string{"title": "firefox"}, "icon", "firefox.png", []byte("png-bytes"))

	req := httptest.NewRequest(http.MethodPost, "/uploads/icon", body)
	req.Header.Set("Content-Type", contentType)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var uploaded []string
	for _, name := range e.flt.Icons {
		uploaded = append(uploaded, name)
	}
	assert.Contains(t, uploaded, "self-service-icon.png")

	stored, err := e.store.LoadTitle(context.Background(), "firefox")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.SelfServiceIconID)
}

func TestUploadPackage(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	body, contentType := multipartBody(t,
		map[string]string{"title": "firefox", "version": "128.0"},
		"pkg", "Firefox-128.0.pkg", []byte("pkg-bytes"))

	req := httptest.NewRequest(http.MethodPost, "/uploads/pkg", body)
	req.Header.Set("Content-Type", contentType)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	spooled := filepath.Join(e.cfg.Store.Root, "uploads", "xolo-firefox-128.0.pkg")
	data, err := os.ReadFile(spooled)
	require.NoError(t, err)
	assert.Equal(t, []byte("pkg-bytes"), data)
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	fw, err := w.CreateFormFile(fileField, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestProgressStreamRejectsBadNames(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{"traversal", "stream_file=../etc/passwd", http.StatusBadRequest},
		{"wrong shape", "stream_file=notes.txt", http.StatusBadRequest},
		{"unknown file", "stream_file=task-0000.progress", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodGet, "/streamed_progress/?"+tt.query, nil, cookie)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestStateRoute(t *testing.T) {
	e := newEnv(t)
	serverAdmin := e.login(t, "sre-ops", "hunter2")

	rec := e.do(http.MethodGet, "/state", nil, serverAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["shutting_down"])
	assert.Equal(t, "info", body["log_level"])
}

func TestSetLogLevel(t *testing.T) {
	e := newEnv(t)
	serverAdmin := e.login(t, "sre-ops", "hunter2")

	rec := e.do(http.MethodPost, "/set-log-level",
		jsonBody(t, gin.H{"level": "debug"}), serverAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "debug", decode(t, rec)["level"])

	rec = e.do(http.MethodPost, "/set-log-level",
		jsonBody(t, gin.H{"level": "noisy"}), serverAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupAdminRoute(t *testing.T) {
	e := newEnv(t)
	serverAdmin := e.login(t, "sre-ops", "hunter2")

	rec := e.do(http.MethodPost, "/cleanup", nil, serverAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "running", decode(t, rec)["status"])
}

func TestShutdownGate(t *testing.T) {
	e := newEnv(t)
	cookie := e.login(t, "jappleseed", "s3cret")

	e.srv.shuttingDown.Store(true)

	rec := e.do(http.MethodGet, "/titles", nil, cookie)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Health probes keep answering during the drain.
	rec = e.do(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// In-flight progress streams stay reachable too.
	rec = e.do(http.MethodGet, "/streamed_progress/?stream_file=task-0000.progress", nil, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShutdownDrains(t *testing.T) {
	e := newEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.srv.Shutdown(ctx))
	assert.True(t, e.srv.ShuttingDown())

	// Shutdown is idempotent.
	require.NoError(t, e.srv.Shutdown(ctx))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
