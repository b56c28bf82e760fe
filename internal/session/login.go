package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/sessionshot/internal/browser"
	"github.com/shehryarbajwa/sessionshot/pkg/models"
)

// authenticate opens the home page on the primary page and, when the logged-in
// marker is missing, runs the configured login strategy.
func (m *Manager) authenticate(ctx context.Context, page browser.Page) error {
	lo := m.opts.Login

	if err := m.open(ctx, page, lo.HomeURL); err != nil {
		return newError(KindNavigation, "initialize", fmt.Errorf("home page: %w", err))
	}

	found, err := page.HasElement(ctx, lo.MarkerSelector)
	if err != nil {
		return newError(KindLogin, "initialize", err)
	}
	if found {
		m.logger.Info().Msg("✓ Already logged in (profile session restored)")
		return nil
	}

	switch lo.Mode {
	case models.LoginCredentials:
		return m.loginWithCredentials(ctx, page)
	default:
		return m.waitForManualLogin(ctx, page)
	}
}

// waitForManualLogin leaves the window to an operator and waits for the marker
func (m *Manager) waitForManualLogin(ctx context.Context, page browser.Page) error {
	lo := m.opts.Login
	m.setAuth(models.AuthAwaitingManualLogin)

	m.logger.Warn().
		Dur("timeout", lo.Timeout).
		Str("url", lo.HomeURL).
		Msg("⏳ Not logged in. Log in through the browser window before the timeout")

	if !m.opts.Launch.Headless {
		m.logger.Info().Msg("🔍 The browser window is visible for manual login")
	} else if m.opts.Launch.DebuggerURL != "" {
		m.logger.Info().Msg("🔍 Log in through the browser window, or over /debug/ws when DEBUG_PROXY is enabled")
	}

	if err := m.waitForMarker(ctx, page, "manual login"); err != nil {
		return err
	}

	m.logger.Info().Msg("✓ Manual login detected")
	return nil
}

// loginWithCredentials fills the login form with the configured secrets
func (m *Manager) loginWithCredentials(ctx context.Context, page browser.Page) error {
	lo := m.opts.Login
	m.logger.Info().Str("url", lo.LoginURL).Msg("⏳ Not logged in. Signing in with configured credentials")

	if err := m.open(ctx, page, lo.LoginURL); err != nil {
		return newError(KindLogin, "login", fmt.Errorf("login page: %w", err))
	}

	formCtx, cancel := context.WithTimeout(ctx, lo.Timeout)
	defer cancel()

	if err := page.Type(formCtx, lo.UsernameSelector, lo.Username, lo.TypeDelay); err != nil {
		return newError(KindLogin, "login", fmt.Errorf("username: %w", err))
	}
	if err := page.Type(formCtx, lo.PasswordSelector, lo.Password, lo.TypeDelay); err != nil {
		return newError(KindLogin, "login", fmt.Errorf("password: %w", err))
	}
	if err := page.Click(formCtx, lo.SubmitSelector); err != nil {
		return newError(KindLogin, "login", fmt.Errorf("submit: %w", err))
	}

	// the post-login page may keep long-polling; the marker decides
	m.settle(ctx, page)

	if err := m.waitForMarker(ctx, page, "credential login"); err != nil {
		return err
	}

	m.logger.Info().Msg("✓ Credential login succeeded")
	return nil
}

func (m *Manager) waitForMarker(ctx context.Context, page browser.Page, op string) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.opts.Login.Timeout)
	defer cancel()

	err := page.WaitForSelector(waitCtx, m.opts.Login.MarkerSelector)
	if err == nil {
		return nil
	}

	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return newError(KindLoginTimeout, op, fmt.Errorf("marker %q not found after %s", m.opts.Login.MarkerSelector, m.opts.Login.Timeout))
	}
	return newError(KindLogin, op, err)
}

// open navigates and waits for the network to go mostly idle, both within the
// navigation timeout. A page that never settles is logged, not failed.
func (m *Manager) open(ctx context.Context, page browser.Page, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, m.opts.Capture.NavigationTimeout)
	defer cancel()

	if err := page.Navigate(navCtx, url); err != nil {
		return err
	}

	m.settle(navCtx, page)
	return nil
}

func (m *Manager) settle(ctx context.Context, page browser.Page) {
	settleCtx, cancel := context.WithTimeout(ctx, m.opts.Capture.NavigationTimeout)
	defer cancel()

	c := m.opts.Capture
	if err := page.WaitNetworkSettled(settleCtx, c.IdleMaxInflight, c.IdleQuietPeriod); err != nil {
		m.logger.Debug().Err(err).Msg("network did not settle, continuing")
	}
}
