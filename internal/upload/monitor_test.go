package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitorEmitsOneEventPerTransition(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ping", r.URL.Path)
		require.Equal(t, "probe-key", r.Header.Get("X-API-Key"))
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(srv.URL, NewCredentials("probe-key"), 10*time.Millisecond, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitEvent := func() State {
		select {
		case st := <-m.Events():
			return st
		case <-time.After(2 * time.Second):
			t.Fatal("no connectivity event")
			return Disconnected
		}
	}

	require.Equal(t, Connected, waitEvent())
	require.Equal(t, Connected, m.State())

	healthy.Store(false)
	require.Equal(t, Disconnected, waitEvent())
	require.Equal(t, Disconnected, m.State())

	// steady state must stay quiet: no event per probe
	select {
	case st := <-m.Events():
		t.Fatalf("unexpected event %v while state unchanged", st)
	case <-time.After(100 * time.Millisecond):
	}

	healthy.Store(true)
	require.Equal(t, Connected, waitEvent())
}

func TestMonitorFollowsEndpointRotation(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	m := NewMonitor(down.URL, NewCredentials("k"), 10*time.Millisecond, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// the bootstrap endpoint never answers healthy
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, Disconnected, m.State())

	// the tenant brings its own upload URL; probes must move with it
	m.SetBaseURL(up.URL)
	select {
	case st := <-m.Events():
		require.Equal(t, Connected, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity event after the endpoint moved")
	}
}

func TestMonitorTreatsTimeoutAsDisconnected(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	m := NewMonitor(srv.URL, NewCredentials("k"), 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	require.Equal(t, Disconnected, m.State())
}
