package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, ttl time.Duration) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewSessionStoreWithClient(client, ttl, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestSessionRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	created, err := store.Create(ctx, "jappleseed", true)
	require.NoError(t, err)
	assert.NotEmpty(t, created.Token)
	assert.True(t, created.ServerAdmin)

	got, err := store.Get(ctx, created.Token)
	require.NoError(t, err)
	assert.Equal(t, "jappleseed", got.Admin)
	assert.True(t, got.ServerAdmin)
	assert.Equal(t, created.ExpiresAt.Unix(), got.ExpiresAt.Unix())
}

func TestSessionUnknownToken(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	_, err := store.Get(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionExpiry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	created, err := store.Create(ctx, "jappleseed", false)
	require.NoError(t, err)

	// miniredis expires keys on FastForward rather than wall time.
	mr.FastForward(2 * time.Minute)

	_, err = store.Get(ctx, created.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionExpiryByClock(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	created, err := store.Create(ctx, "jappleseed", false)
	require.NoError(t, err)

	// The Redis key is still live, but our clock says the session is over.
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = store.Get(ctx, created.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionDelete(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	created, err := store.Create(ctx, "jappleseed", false)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, created.Token))

	_, err = store.Get(ctx, created.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, created.Token))
}

func TestSessionStorageUnavailable(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	mr.Close()

	_, err := store.Create(context.Background(), "jappleseed", false)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = store.Get(context.Background(), "whatever")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestInternalToken(t *testing.T) {
	token, err := NewInternalToken()
	require.NoError(t, err)
	assert.Len(t, string(token), 128)

	assert.True(t, token.Matches("Bearer "+string(token)))
	assert.False(t, token.Matches(string(token)))
	assert.False(t, token.Matches("Bearer nope"))

	other, err := NewInternalToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}
