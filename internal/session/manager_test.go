package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/sessionshot/internal/events"
	"github.com/shehryarbajwa/sessionshot/internal/storage"
	"github.com/shehryarbajwa/sessionshot/pkg/models"
)

func testOptions() Options {
	return Options{
		Login: LoginOptions{
			Mode:             models.LoginManual,
			HomeURL:          "https://social.example/home",
			LoginURL:         "https://social.example/login",
			MarkerSelector:   "#timeline",
			UsernameSelector: "#user",
			PasswordSelector: "#pass",
			SubmitSelector:   "#submit",
			Timeout:          100 * time.Millisecond,
		},
		Capture: CaptureOptions{
			FullPage:          true,
			NavigationTimeout: time.Second,
			Timeout:           2 * time.Second,
			MaxConcurrentTabs: 1,
			IdleMaxInflight:   2,
			IdleQuietPeriod:   time.Millisecond,
		},
	}
}

type harness struct {
	mgr       *Manager
	driver    *fakeDriver
	browser   *fakeBrowser
	store     *storage.DiskStore
	publisher *recordingPublisher
}

func newHarness(t *testing.T, opts Options, setup func(b *fakeBrowser)) *harness {
	t.Helper()

	b := newFakeBrowser()
	if setup != nil {
		setup(b)
	}

	store, err := storage.NewDiskStore(t.TempDir(), "/screenshots")
	require.NoError(t, err)

	d := &fakeDriver{browser: b}
	pub := &recordingPublisher{}

	return &harness{
		mgr:       NewManager(d, store, pub, opts, zerolog.Nop()),
		driver:    d,
		browser:   b,
		store:     store,
		publisher: pub,
	}
}

func readyHarness(t *testing.T, opts Options, setup func(b *fakeBrowser)) *harness {
	t.Helper()

	h := newHarness(t, opts, func(b *fakeBrowser) {
		b.loggedIn = true
		if setup != nil {
			setup(b)
		}
	})
	require.NoError(t, h.mgr.Initialize(context.Background()))
	return h
}

func TestInitialize_AlreadyLoggedIn(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)

	status := h.mgr.Status()
	assert.Equal(t, models.StateReady, status.State)
	assert.Equal(t, models.AuthAuthenticated, status.Auth)
	assert.False(t, status.ReadyAt.IsZero())
	assert.True(t, h.mgr.Ready())

	assert.Equal(t, []string{"https://social.example/home"}, h.browser.primary.navigated)
	assert.Contains(t, h.publisher.names(), events.SessionReady)
}

func TestInitialize_PassesLaunchOptions(t *testing.T) {
	opts := testOptions()
	opts.Launch.UserDataDir = "/profiles/main"
	opts.Launch.UserAgent = "agent/1.0"

	h := readyHarness(t, opts, nil)

	assert.Equal(t, "/profiles/main", h.browser.opts.UserDataDir)
	assert.Equal(t, "agent/1.0", h.browser.opts.UserAgent)
	assert.Equal(t, "/profiles/main", h.mgr.Status().ProfileDir)
}

func TestInitialize_ManualLoginTimeout(t *testing.T) {
	h := newHarness(t, testOptions(), nil)

	err := h.mgr.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginTimeout)
	assert.Equal(t, KindLoginTimeout, KindOf(err))

	status := h.mgr.Status()
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, models.AuthAwaitingManualLogin, status.Auth)
	assert.True(t, strings.HasPrefix(status.LastError, "LoginTimeoutError"))
	assert.True(t, h.browser.isClosed())

	_, err = h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrNotReady)

	_, _, opened := h.browser.counts()
	assert.Zero(t, opened)
}

func TestInitialize_ManualLoginSucceeds(t *testing.T) {
	opts := testOptions()
	opts.Login.Timeout = 2 * time.Second
	h := newHarness(t, opts, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.browser.setLoggedIn(true)
	}()

	require.NoError(t, h.mgr.Initialize(context.Background()))
	assert.Equal(t, models.AuthAuthenticated, h.mgr.Status().Auth)
}

func TestInitialize_CredentialLogin(t *testing.T) {
	opts := testOptions()
	opts.Login.Mode = models.LoginCredentials
	opts.Login.Username = "alice"
	opts.Login.Password = "s3cret"

	h := newHarness(t, opts, func(b *fakeBrowser) {
		b.wantUser = "alice"
		b.wantPass = "s3cret"
	})

	require.NoError(t, h.mgr.Initialize(context.Background()))

	page := h.browser.primary
	assert.Equal(t, []string{"https://social.example/home", "https://social.example/login"}, page.navigated)
	assert.Equal(t, "alice", page.typed["#user"])
	assert.Equal(t, "s3cret", page.typed["#pass"])
	assert.Equal(t, []string{"#submit"}, page.clicks)
	assert.Equal(t, models.StateReady, h.mgr.Status().State)
}

func TestInitialize_CredentialLoginWrongPassword(t *testing.T) {
	opts := testOptions()
	opts.Login.Mode = models.LoginCredentials
	opts.Login.Username = "alice"
	opts.Login.Password = "wrong"

	h := newHarness(t, opts, func(b *fakeBrowser) {
		b.wantUser = "alice"
		b.wantPass = "s3cret"
	})

	err := h.mgr.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrLoginTimeout)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestInitialize_CredentialLoginFormError(t *testing.T) {
	opts := testOptions()
	opts.Login.Mode = models.LoginCredentials
	opts.Login.Username = "alice"
	opts.Login.Password = "s3cret"

	h := newHarness(t, opts, func(b *fakeBrowser) {
		b.typeErr = errors.New("no such element")
	})

	err := h.mgr.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrLogin)
	assert.Equal(t, models.StateFailed, h.mgr.Status().State)
	assert.True(t, h.browser.isClosed())
}

func TestInitialize_LaunchFailure(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.driver.launchErr = errors.New("chrome not found")

	err := h.mgr.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrLaunch)
	assert.Equal(t, models.StateFailed, h.mgr.Status().State)
}

func TestInitialize_HomePageUnreachable(t *testing.T) {
	h := newHarness(t, testOptions(), func(b *fakeBrowser) {
		b.navigateErr = func(string) error { return errors.New("net::ERR_NAME_NOT_RESOLVED") }
	})

	err := h.mgr.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrNavigation)
	assert.Equal(t, models.StateFailed, h.mgr.Status().State)
}

func TestInitialize_OnlyOnce(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)

	err := h.mgr.Initialize(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, h.driver.launches)
}

func TestCapture_RejectedBeforeInitialize(t *testing.T) {
	h := newHarness(t, testOptions(), nil)

	_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestCapture_Success(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)

	result, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: " https://example.com/page "})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/page", result.TargetURL)
	assert.Equal(t, "screenshot_"+result.ID+".png", result.Filename)
	assert.Equal(t, "/screenshots/"+result.Filename, result.URL)
	assert.True(t, result.FullPage)
	assert.Equal(t, len(h.browser.shot), result.Size)
	assert.Nil(t, result.Data)

	data, err := os.ReadFile(filepath.Join(h.store.Dir(), result.Filename))
	require.NoError(t, err)
	assert.Equal(t, h.browser.shot, data)

	open, _, opened := h.browser.counts()
	assert.Equal(t, 1, open, "capture tab must be closed")
	assert.Equal(t, 1, opened)

	// the primary page stays on the logged-in site
	assert.Equal(t, []string{"https://social.example/home"}, h.browser.primary.navigated)

	assert.Equal(t, int64(1), h.mgr.Status().Captures)
	assert.Contains(t, h.publisher.names(), events.CaptureCompleted)
}

func TestCapture_InlineAndViewport(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)

	viewport := false
	result, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{
		URL:      "https://example.com",
		FullPage: &viewport,
		Inline:   true,
	})
	require.NoError(t, err)

	assert.False(t, result.FullPage)
	assert.Equal(t, h.browser.shot, result.Data)
}

func TestCapture_ValidationOpensNoTab(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)

	for _, raw := range []string{"", "not a url", "ftp://example.com/file", "javascript:alert(1)", "https://"} {
		_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: raw})
		assert.ErrorIs(t, err, ErrValidation, raw)
	}

	_, _, opened := h.browser.counts()
	assert.Zero(t, opened)
}

func TestCapture_NavigationErrorClosesTab(t *testing.T) {
	h := readyHarness(t, testOptions(), func(b *fakeBrowser) {
		b.navigateErr = func(url string) error {
			if strings.Contains(url, "unreachable") {
				return errors.New("net::ERR_CONNECTION_REFUSED")
			}
			return nil
		}
	})

	_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://unreachable.example"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNavigation)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.True(t, strings.HasPrefix(serr.PublicMessage(), "NavigationError"))
	assert.NotContains(t, serr.PublicMessage(), "ERR_CONNECTION_REFUSED")

	open, _, _ := h.browser.counts()
	assert.Equal(t, 1, open)
	assert.Equal(t, int64(1), h.mgr.Status().Failures)
	assert.Contains(t, h.publisher.names(), events.CaptureFailed)

	// session stays usable
	_, err = h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
	assert.NoError(t, err)
}

func TestCapture_NetworkNeverSettles(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)
	h.browser.settleErr = context.DeadlineExceeded

	_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrNavigation)
}

func TestCapture_ScreenshotFailures(t *testing.T) {
	tests := []struct {
		name    string
		shot    []byte
		shotErr error
	}{
		{"encode error", nil, errors.New("encoding failed")},
		{"empty image", []byte{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := readyHarness(t, testOptions(), nil)
			h.browser.shot = tt.shot
			h.browser.shotErr = tt.shotErr

			_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
			assert.ErrorIs(t, err, ErrCapture)

			open, _, _ := h.browser.counts()
			assert.Equal(t, 1, open)
		})
	}
}

func TestCapture_TimeoutClosesTab(t *testing.T) {
	opts := testOptions()
	opts.Capture.Timeout = 50 * time.Millisecond
	opts.Capture.NavigationTimeout = 5 * time.Second

	h := readyHarness(t, opts, nil)
	h.browser.navigateDelay = time.Second

	start := time.Now()
	result, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://slow.example"})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrCaptureTimeout)
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	open, _, _ := h.browser.counts()
	assert.Equal(t, 1, open)

	entries, err := os.ReadDir(h.store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial result")
}

func TestCapture_NavigationTimeoutIsNavigationError(t *testing.T) {
	opts := testOptions()
	opts.Capture.Timeout = 5 * time.Second
	opts.Capture.NavigationTimeout = 30 * time.Millisecond

	h := readyHarness(t, opts, nil)
	h.browser.navigateDelay = time.Second

	_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://slow.example"})
	assert.ErrorIs(t, err, ErrNavigation)
}

func TestCapture_SerializedByDefault(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)

	const n = 8
	ids := make(chan string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
			if assert.NoError(t, err) {
				ids <- result.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	open, maxOpen, opened := h.browser.counts()
	assert.Equal(t, 1, open)
	assert.Equal(t, 2, maxOpen, "one capture tab at a time next to the primary page")
	assert.Equal(t, n, opened)

	entries, err := os.ReadDir(h.store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestCapture_BoundedConcurrency(t *testing.T) {
	opts := testOptions()
	opts.Capture.MaxConcurrentTabs = 3

	h := readyHarness(t, opts, nil)
	h.browser.navigateDelay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, maxOpen, _ := h.browser.counts()
	assert.LessOrEqual(t, maxOpen, 4)
	assert.Equal(t, 3, h.mgr.Status().MaxConcurrent)
}

func TestCapture_DeadlineCoversQueueing(t *testing.T) {
	opts := testOptions()
	opts.Capture.Timeout = 150 * time.Millisecond
	opts.Capture.NavigationTimeout = 5 * time.Second

	h := readyHarness(t, opts, nil)
	h.browser.navigateDelay = 100 * time.Millisecond

	const n = 6
	type outcome struct {
		err     error
		elapsed time.Duration
	}
	outcomes := make(chan outcome, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
			outcomes <- outcome{err: err, elapsed: time.Since(start)}
		}()
	}
	wg.Wait()
	close(outcomes)

	var succeeded, timedOut int
	for o := range outcomes {
		assert.Less(t, o.elapsed, 400*time.Millisecond, "request outlived its deadline")
		if o.err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, o.err, ErrCaptureTimeout)
		timedOut++
	}

	assert.GreaterOrEqual(t, succeeded, 1)
	assert.GreaterOrEqual(t, timedOut, n-2)

	open, _, _ := h.browser.counts()
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, h.mgr.Status().InFlight)
}

func TestShutdown_Idempotent(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)

	require.NoError(t, h.mgr.Shutdown(context.Background()))
	require.NoError(t, h.mgr.Shutdown(context.Background()))

	assert.True(t, h.browser.isClosed())
	assert.Equal(t, models.StateClosed, h.mgr.Status().State)
	assert.False(t, h.mgr.Ready())

	_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestShutdown_WaitsForInFlightCapture(t *testing.T) {
	h := readyHarness(t, testOptions(), nil)
	h.browser.navigateDelay = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return h.mgr.Status().InFlight == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, h.mgr.Shutdown(context.Background()))
	assert.NoError(t, <-done)
	assert.True(t, h.browser.isClosed())
}

func TestShutdown_BeforeInitialize(t *testing.T) {
	h := newHarness(t, testOptions(), nil)

	require.NoError(t, h.mgr.Shutdown(context.Background()))
	assert.Error(t, h.mgr.Initialize(context.Background()))
	assert.Zero(t, h.driver.launches)
}

func TestStatus_DebuggerAttach(t *testing.T) {
	h := readyHarness(t, testOptions(), func(b *fakeBrowser) {
		b.debuggerURL = "ws://localhost:9222"
	})

	assert.True(t, h.mgr.Status().DebuggerAttach)
	assert.Equal(t, "ws://localhost:9222", h.mgr.DebuggerURL())
}

func TestOpenTabs(t *testing.T) {
	h := newHarness(t, testOptions(), func(b *fakeBrowser) { b.loggedIn = true })

	_, err := h.mgr.OpenTabs(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, h.mgr.Initialize(context.Background()))
	_, err = h.mgr.CaptureScreenshot(context.Background(), models.ScreenshotRequest{URL: "https://example.com"})
	require.NoError(t, err)

	tabs, err := h.mgr.OpenTabs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tabs, "only the primary page stays open")
}
