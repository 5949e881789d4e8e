package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func sessionRouter(t *testing.T, serverAdmin bool) (*gin.Engine, *Session) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewSessionStoreWithClient(client, time.Hour, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	session, err := store.Create(context.Background(), "jappleseed", serverAdmin)
	require.NoError(t, err)

	r := gin.New()
	authed := r.Group("/", SessionRequired(store, zap.NewNop()))
	authed.GET("/titles", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": SessionFromContext(c).Admin})
	})
	admin := authed.Group("/", ServerAdminRequired())
	admin.GET("/state", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r, session
}

func get(r *gin.Engine, path, cookie string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: cookie})
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSessionRequired(t *testing.T) {
	r, session := sessionRouter(t, false)

	assert.Equal(t, http.StatusUnauthorized, get(r, "/titles", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/titles", "bogus").Code)

	w := get(r, "/titles", session.Token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "jappleseed")
}

func TestServerAdminRequired(t *testing.T) {
	r, session := sessionRouter(t, false)
	assert.Equal(t, http.StatusForbidden, get(r, "/state", session.Token).Code)

	r, session = sessionRouter(t, true)
	assert.Equal(t, http.StatusOK, get(r, "/state", session.Token).Code)
}

func TestInternalOnly(t *testing.T) {
	token, err := NewInternalToken()
	require.NoError(t, err)

	r := gin.New()
	r.POST("/maint/cleanup-internal", InternalOnly(token, zap.NewNop()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		remote string
		header string
		want   int
	}{
		{"loopback with token", "127.0.0.1:55000", "Bearer " + string(token), http.StatusOK},
		{"loopback without token", "127.0.0.1:55000", "", http.StatusForbidden},
		{"loopback with wrong token", "127.0.0.1:55000", "Bearer deadbeef", http.StatusForbidden},
		{"remote with token", "203.0.113.9:55000", "Bearer " + string(token), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/maint/cleanup-internal", nil)
			req.RemoteAddr = tt.remote
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
