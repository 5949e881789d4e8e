package fleet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedRequest struct {
	Method string
	Path   string
	User   string
	Pass   string
	Body   map[string]any
}

// newFleetServer wires a client to a stub fleet service driven by the given
// handler-per-route table; unmatched routes answer with fallbackStatus and
// fallbackBody. Requests are recorded with their basic-auth credentials.
func newFleetServer(t *testing.T, routes map[string]http.HandlerFunc, fallbackStatus int, fallbackBody string) (Client, *[]recordedRequest) {
	t.Helper()

	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path}
		rec.User, rec.Pass, _ = r.BasicAuth()
		if r.Body != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				rec.Body = body
			}
		}
		seen = append(seen, rec)

		w.Header().Set("Content-Type", "application/json")
		if h, ok := routes[r.Method+" "+r.URL.Path]; ok {
			h(w, r)
			return
		}
		w.WriteHeader(fallbackStatus)
		_, _ = w.Write([]byte(fallbackBody))
	}))
	t.Cleanup(srv.Close)

	factory, err := NewRESTFactory(RESTConfig{
		BaseURL:  srv.URL,
		Username: "xolo-svc",
		Password: "svc-pass",
		Timeout:  5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	client, err := factory.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, &seen
}

func okFleetServer(t *testing.T, respBody string) (Client, *[]recordedRequest) {
	t.Helper()
	return newFleetServer(t, nil, http.StatusOK, respBody)
}

func TestFleetFactoryRequiresBaseURL(t *testing.T) {
	_, err := NewRESTFactory(RESTConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestFleetClientSendsBasicAuth(t *testing.T) {
	client, seen := okFleetServer(t, `{"id":"pkg-1"}`)

	_, err := client.CreatePackage(context.Background(), PackageSpec{Name: "xolo-firefox-128.0"})
	require.NoError(t, err)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, "xolo-svc", req.User)
	assert.Equal(t, "svc-pass", req.Pass)
}

func TestFleetClientStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrBadCredentials},
		{"forbidden", http.StatusForbidden, ErrBadCredentials},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"gateway timeout", http.StatusGatewayTimeout, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newFleetServer(t, nil, tt.status, `{"error":"nope"}`)
			err := client.DeletePackage(context.Background(), "pkg-1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFleetClientConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	factory, err := NewRESTFactory(RESTConfig{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	client, err := factory.Open(context.Background())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.EnsureCategory(context.Background(), "Xolo")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFleetEnsureCategory(t *testing.T) {
	t.Run("creates when absent", func(t *testing.T) {
		client, seen := okFleetServer(t, `{"id":"cat-1"}`)

		id, err := client.EnsureCategory(context.Background(), "Xolo")
		require.NoError(t, err)
		assert.Equal(t, "cat-1", id)
		assert.Equal(t, "POST", (*seen)[0].Method)
		assert.Equal(t, "Xolo", (*seen)[0].Body["name"])
	})
	t.Run("falls back to lookup on conflict", func(t *testing.T) {
		routes := map[string]http.HandlerFunc{
			"POST /categories": func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusConflict)
			},
			"GET /categories/Xolo": func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"id":"cat-9"}`))
			},
		}
		client, seen := newFleetServer(t, routes, http.StatusNotFound, `{}`)

		id, err := client.EnsureCategory(context.Background(), "Xolo")
		require.NoError(t, err)
		assert.Equal(t, "cat-9", id)
		require.Len(t, *seen, 2)
	})
}

func TestFleetGetPackage(t *testing.T) {
	client, _ := okFleetServer(t, `{"id":"pkg-1","name":"xolo-firefox-128.0","distribution":true}`)

	pkg, err := client.GetPackage(context.Background(), "pkg-1")
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", pkg.ID)
	assert.True(t, pkg.Distribution)
}

func TestFleetPolicyBodyShape(t *testing.T) {
	client, seen := okFleetServer(t, `{"id":"pol-1"}`)

	_, err := client.CreatePolicy(context.Background(), PolicySpec{
		Name:      "xolo-firefox-manual-install",
		Kind:      PolicyManualInstall,
		PackageID: "pkg-1",
		Scope:     Scope{Targets: []string{"sg-1"}, Exclusions: []string{"sg-2"}},
		Enabled:   true,
	})
	require.NoError(t, err)

	body := (*seen)[0].Body
	assert.Equal(t, "manual-install", body["kind"])
	assert.Equal(t, []any{"sg-1"}, body["targets"])
	assert.Equal(t, []any{"sg-2"}, body["exclusions"])
	assert.Equal(t, false, body["allTargets"])
	assert.Equal(t, true, body["enabled"])
}

func TestFleetPatchVersionVisible(t *testing.T) {
	t.Run("visible", func(t *testing.T) {
		client, _ := okFleetServer(t, `{}`)
		visible, err := client.PatchVersionVisible(context.Background(), "firefox", "128.0")
		require.NoError(t, err)
		assert.True(t, visible)
	})
	t.Run("not yet visible", func(t *testing.T) {
		client, _ := newFleetServer(t, nil, http.StatusNotFound, `{}`)
		visible, err := client.PatchVersionVisible(context.Background(), "firefox", "128.0")
		require.NoError(t, err)
		assert.False(t, visible)
	})
	t.Run("upstream down", func(t *testing.T) {
		client, _ := newFleetServer(t, nil, http.StatusBadGateway, `{}`)
		_, err := client.PatchVersionVisible(context.Background(), "firefox", "128.0")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestFleetEAAcceptancePending(t *testing.T) {
	t.Run("pending until accepted", func(t *testing.T) {
		client, _ := okFleetServer(t, `{"accepted":false}`)
		pending, err := client.EAAcceptancePending(context.Background(), "firefox")
		require.NoError(t, err)
		assert.True(t, pending)
	})
	t.Run("accepted", func(t *testing.T) {
		client, _ := okFleetServer(t, `{"accepted":true}`)
		pending, err := client.EAAcceptancePending(context.Background(), "firefox")
		require.NoError(t, err)
		assert.False(t, pending)
	})
}

func TestFleetUploadIconEncodesBase64(t *testing.T) {
	client, seen := okFleetServer(t, `{"id":"icon-1"}`)

	id, err := client.UploadIcon(context.Background(), "self-service-icon.png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "icon-1", id)

	body := (*seen)[0].Body
	assert.Equal(t, "self-service-icon.png", body["filename"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), body["data"])
}

func TestFleetDeployViaMDM(t *testing.T) {
	t.Run("distribution package", func(t *testing.T) {
		routes := map[string]http.HandlerFunc{
			"GET /packages/pkg-1": func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"id":"pkg-1","distribution":true}`))
			},
		}
		client, seen := newFleetServer(t, routes, http.StatusOK, `{}`)

		require.NoError(t, client.DeployViaMDM(context.Background(), "pkg-1", []string{"mac-001"}))

		require.Len(t, *seen, 2)
		deploy := (*seen)[1]
		assert.Equal(t, "/mdm/deploy", deploy.Path)
		assert.Equal(t, "pkg-1", deploy.Body["packageId"])
		assert.Equal(t, []any{"mac-001"}, deploy.Body["targets"])
	})
	t.Run("non-distribution package", func(t *testing.T) {
		client, seen := okFleetServer(t, `{"id":"pkg-1","distribution":false}`)

		err := client.DeployViaMDM(context.Background(), "pkg-1", []string{"mac-001"})
		assert.ErrorIs(t, err, ErrUnsupported)

		// The deploy call itself is never attempted.
		require.Len(t, *seen, 1)
	})
}

func TestFleetCheckCredentials(t *testing.T) {
	routes := map[string]http.HandlerFunc{
		"GET /auth/me": func(w http.ResponseWriter, r *http.Request) {
			user, pass, _ := r.BasicAuth()
			if user != "jappleseed" || pass != "s3cret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{}`))
		},
	}
	client, seen := newFleetServer(t, routes, http.StatusNotFound, `{}`)
	ctx := context.Background()

	require.NoError(t, client.CheckCredentials(ctx, "jappleseed", "s3cret"))
	assert.ErrorIs(t, client.CheckCredentials(ctx, "jappleseed", "wrong"), ErrBadCredentials)

	// Credential checks run as the admin, not the service account.
	assert.Equal(t, "jappleseed", (*seen)[0].User)
	assert.Equal(t, "s3cret", (*seen)[0].Pass)
}

func TestFleetMemberOf(t *testing.T) {
	t.Run("member", func(t *testing.T) {
		client, seen := okFleetServer(t, `{"member":true}`)
		member, err := client.MemberOf(context.Background(), "jappleseed", "xolo-admins")
		require.NoError(t, err)
		assert.True(t, member)
		assert.Equal(t, "/accounts/jappleseed/groups/xolo-admins", (*seen)[0].Path)
	})
	t.Run("unknown account is not a member", func(t *testing.T) {
		client, _ := newFleetServer(t, nil, http.StatusNotFound, `{}`)
		member, err := client.MemberOf(context.Background(), "ghost", "xolo-admins")
		require.NoError(t, err)
		assert.False(t, member)
	})
}
