package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchOptions_ViewportDefaults(t *testing.T) {
	assert.Equal(t, Viewport{Width: 1920, Height: 1080}, LaunchOptions{}.viewport())
	assert.Equal(t, Viewport{Width: 800, Height: 1080}, LaunchOptions{Viewport: Viewport{Width: 800}}.viewport())
}

func TestContainerInstance_LaunchOptions(t *testing.T) {
	inst := &ContainerInstance{DebuggerURL: "ws://localhost:49153/devtools/browser/abc"}

	opts := inst.LaunchOptions(LaunchOptions{UserDataDir: "./profile", UserAgent: "agent"})

	assert.Equal(t, "ws://localhost:49153/devtools/browser/abc", opts.RemoteURL)
	assert.True(t, opts.RemoteURLExact)
	assert.Equal(t, opts.RemoteURL, opts.DebuggerURL)
	assert.Equal(t, "agent", opts.UserAgent)
}

func TestWaitForDebugger(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Browser":"HeadlessChrome/124.0","webSocketDebuggerUrl":"ws://localhost:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	wsURL, err := waitForDebugger(context.Background(), srv.URL+"/json/version", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9222/devtools/browser/abc", wsURL)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForDebugger_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Browser":"HeadlessChrome/124.0"}`))
	}))
	defer srv.Close()

	_, err := waitForDebugger(context.Background(), srv.URL, 3, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webSocketDebuggerUrl")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}
