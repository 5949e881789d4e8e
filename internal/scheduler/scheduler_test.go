package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/auth"
	"github.com/xolo-io/xolo/internal/progress"
)

func TestShouldRun(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 8, 26, hour, 5, 0, 0, time.Local)
	}

	tests := []struct {
		name    string
		now     time.Time
		lastRun time.Time
		force   bool
		want    bool
	}{
		{"in window, never ran", at(2), time.Time{}, false, true},
		{"in window, ran yesterday", at(2), at(2).Add(-24 * time.Hour), false, true},
		{"in window, ran an hour ago", at(2), at(1), false, false},
		{"outside window", at(14), time.Time{}, false, false},
		{"outside window but forced", at(14), at(13), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{CleanupHour: 2, Logger: zap.NewNop()})
			s.lastRun = tt.lastRun
			assert.Equal(t, tt.want, s.shouldRun(tt.now, tt.force))
		})
	}
}

func TestTriggerPostsWithToken(t *testing.T) {
	token, err := auth.NewInternalToken()
	require.NoError(t, err)

	var calls atomic.Int32
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotAuth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, CleanupRoute, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL, Token: token, CleanupHour: 2, Logger: zap.NewNop()})
	require.NoError(t, s.Trigger(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Bearer "+string(token), gotAuth.Load())

	// A successful run is recorded, closing the window.
	assert.False(t, s.shouldRun(time.Date(2026, 8, 26, 2, 30, 0, 0, time.Local), false))
}

func TestTriggerSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "cleanup exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL, CleanupHour: 2, Logger: zap.NewNop()})
	err := s.Trigger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup exploded")

	// Failed runs do not close the window.
	assert.True(t, s.shouldRun(time.Date(2026, 8, 26, 2, 30, 0, 0, time.Local), false))
}

func TestTickerFiresInWindow(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Options{
		BaseURL:     srv.URL,
		CleanupHour: time.Now().Hour(),
		Interval:    5 * time.Millisecond,
		Logger:      zap.NewNop(),
	})
	registry := progress.NewRegistry(nil)
	s.Start(registry)

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, registry.Wait(ctx))

	// The 23-hour gap keeps repeat ticks in the same window from re-firing.
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Options{CleanupHour: 2, Logger: zap.NewNop()})
	registry := progress.NewRegistry(nil)
	s.Start(registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
