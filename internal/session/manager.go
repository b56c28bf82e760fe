// Package session owns the single logged-in browser and turns capture
// requests into stored screenshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/sessionshot/internal/browser"
	"github.com/shehryarbajwa/sessionshot/internal/events"
	"github.com/shehryarbajwa/sessionshot/internal/storage"
	"github.com/shehryarbajwa/sessionshot/pkg/models"
)

// LoginOptions describes how to detect and obtain an authenticated session
type LoginOptions struct {
	Mode           models.LoginMode
	HomeURL        string
	LoginURL       string
	MarkerSelector string

	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	Username         string
	Password         string

	Timeout   time.Duration
	TypeDelay time.Duration
}

// CaptureOptions tunes each screenshot
type CaptureOptions struct {
	FullPage          bool
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	Timeout           time.Duration
	MaxConcurrentTabs int
	IdleMaxInflight   int
	IdleQuietPeriod   time.Duration
}

type Options struct {
	Launch  browser.LaunchOptions
	Login   LoginOptions
	Capture CaptureOptions
}

// Manager handles the process-wide browser session
type Manager struct {
	driver    browser.Driver
	store     storage.Store
	publisher events.Publisher
	opts      Options
	logger    zerolog.Logger

	serializer *Serializer

	mu        sync.RWMutex
	state     models.SessionState
	auth      models.AuthStatus
	browser   browser.Browser
	startedAt time.Time
	readyAt   time.Time
	lastError string

	captures atomic.Int64
	failures atomic.Int64
}

// NewManager creates a manager in the unstarted state
func NewManager(driver browser.Driver, store storage.Store, publisher events.Publisher, opts Options, logger zerolog.Logger) *Manager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.Login.Mode == "" {
		opts.Login.Mode = models.LoginManual
	}

	return &Manager{
		driver:     driver,
		store:      store,
		publisher:  publisher,
		opts:       opts,
		logger:     logger,
		serializer: NewSerializer(opts.Capture.MaxConcurrentTabs),
		state:      models.StateUnstarted,
		auth:       models.AuthUnauthenticated,
	}
}

// Initialize launches the browser, opens the home page and makes sure the
// session is logged in. It must succeed before any capture is accepted; on
// failure the session is unusable and the caller should exit.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != models.StateUnstarted {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("session already %s", state)
	}
	m.state = models.StateLaunching
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info().
		Str("driver", m.driver.Name()).
		Str("profile", m.opts.Launch.UserDataDir).
		Bool("headless", m.opts.Launch.Headless).
		Msg("⏳ Launching browser...")

	b, err := m.driver.Launch(ctx, m.opts.Launch)
	if err != nil {
		return m.fail(newError(KindLaunch, "initialize", err))
	}

	m.mu.Lock()
	if m.state != models.StateLaunching {
		m.mu.Unlock()
		b.Close()
		return newError(KindNotReady, "initialize", errors.New("session closed during startup"))
	}
	m.browser = b
	m.mu.Unlock()

	m.logger.Info().Msg("✓ Browser launched")

	if err := m.authenticate(ctx, b.PrimaryPage()); err != nil {
		return m.fail(err)
	}

	m.mu.Lock()
	if m.state != models.StateLaunching {
		m.mu.Unlock()
		return newError(KindNotReady, "initialize", errors.New("session closed during startup"))
	}
	m.state = models.StateReady
	m.auth = models.AuthAuthenticated
	m.readyAt = time.Now()
	m.mu.Unlock()

	m.logger.Info().Dur("took", time.Since(m.startedAt)).Msg("✓ Session authenticated and ready")
	m.publish(ctx, events.SessionReady, m.Status())

	return nil
}

// fail moves a launching session to failed and closes the browser
func (m *Manager) fail(cause error) error {
	var err *Error
	if !errors.As(cause, &err) {
		err = newError(KindLaunch, "initialize", cause)
	}

	m.mu.Lock()
	b := m.browser
	if m.state == models.StateLaunching {
		m.state = models.StateFailed
		m.browser = nil
	} else {
		b = nil
	}
	m.lastError = err.PublicMessage()
	m.mu.Unlock()

	m.serializer.Close()

	if b != nil {
		if cerr := b.Close(); cerr != nil {
			m.logger.Warn().Err(cerr).Msg("failed to close browser after startup failure")
		}
	}

	m.logger.Error().Err(err).Str("kind", string(err.Kind)).Msg("❌ Session startup failed")
	return err
}

// Shutdown closes the browser after in-flight captures finish or ctx ends.
// Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == models.StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = models.StateClosed
	m.mu.Unlock()

	m.serializer.Close()

	if err := m.serializer.Wait(ctx); err != nil {
		m.logger.Warn().Int("in_flight", m.serializer.InFlight()).Msg("closing browser with captures still running")
	}

	m.mu.Lock()
	b := m.browser
	m.browser = nil
	m.mu.Unlock()

	if b == nil {
		return nil
	}

	if err := b.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}

	m.logger.Info().Msg("✓ Browser closed")
	return nil
}

// Ready reports whether captures are being accepted
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == models.StateReady
}

// Status returns a snapshot of the session
func (m *Manager) Status() models.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := models.SessionInfo{
		State:         m.state,
		Auth:          m.auth,
		LoginMode:     m.opts.Login.Mode,
		Driver:        m.driver.Name(),
		ProfileDir:    m.opts.Launch.UserDataDir,
		InFlight:      m.serializer.InFlight(),
		MaxConcurrent: m.serializer.Limit(),
		Captures:      m.captures.Load(),
		Failures:      m.failures.Load(),
		StartedAt:     m.startedAt,
		ReadyAt:       m.readyAt,
		LastError:     m.lastError,
	}
	if m.browser != nil {
		info.DebuggerAttach = m.browser.DebuggerURL() != ""
	}
	return info
}

// DebuggerURL returns the DevTools websocket of the running browser, if exposed
func (m *Manager) DebuggerURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.browser == nil {
		return ""
	}
	return m.browser.DebuggerURL()
}

// OpenTabs counts the tabs of the running browser, the primary page included
func (m *Manager) OpenTabs(ctx context.Context) (int, error) {
	b := m.currentBrowser()
	if b == nil {
		return 0, newError(KindNotReady, "tabs", nil)
	}
	return b.PageCount(ctx)
}

func (m *Manager) setAuth(status models.AuthStatus) {
	m.mu.Lock()
	m.auth = status
	m.mu.Unlock()
}

// currentBrowser stays valid for slot holders until Shutdown has drained them
func (m *Manager) currentBrowser() browser.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// publish sends an event without letting a slow broker hold up the caller
func (m *Manager) publish(ctx context.Context, event string, payload interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := m.publisher.Publish(pubCtx, event, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", event).Msg("failed to publish event")
	}
}
