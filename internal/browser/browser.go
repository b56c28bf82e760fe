// Package browser abstracts the automation engine behind the screenshot session.
//
// Two drivers are available: ChromeDriver (chromedp, default) and
// PlaywrightDriver (playwright-go). Both launch one browser bound to a
// persistent profile directory and hand out Pages: the primary page that
// stays on the logged-in site, and short-lived capture tabs.
package browser

import (
	"context"
	"time"
)

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// LaunchOptions configures a browser launch.
type LaunchOptions struct {
	// UserDataDir is the persistent profile directory (cookies, local storage)
	UserDataDir string

	// Headless hides the browser window. Manual login needs a visible window.
	Headless bool

	Viewport  Viewport
	UserAgent string

	// ExecPath overrides the browser binary (chromedp only)
	ExecPath string

	// RemoteURL connects to an already running browser instead of launching one (chromedp only)
	RemoteURL string

	// RemoteURLExact passes RemoteURL to the browser as-is, without /json/version discovery
	RemoteURLExact bool

	// DebuggerURL is the DevTools websocket an operator may attach to, if any
	DebuggerURL string
}

// Driver launches browsers.
type Driver interface {
	Name() string
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is one running browser process with a persistent profile.
type Browser interface {
	// PrimaryPage is the first tab, reused for login detection
	PrimaryPage() Page

	// NewPage opens a new tab with the launch viewport and user agent applied
	NewPage(ctx context.Context) (Page, error)

	// PageCount reports the number of open tabs
	PageCount(ctx context.Context) (int, error)

	// DebuggerURL returns the DevTools websocket URL, or "" when not exposed
	DebuggerURL() string

	Close() error
}

// Page is a single browser tab.
type Page interface {
	// Navigate loads url and waits for the load event
	Navigate(ctx context.Context, url string) error

	// WaitNetworkSettled blocks until at most maxInflight requests have been
	// outstanding for the quiet period
	WaitNetworkSettled(ctx context.Context, maxInflight int, quiet time.Duration) error

	// WaitForSelector blocks until an element matching selector is attached
	WaitForSelector(ctx context.Context, selector string) error

	// HasElement checks for selector without waiting
	HasElement(ctx context.Context, selector string) (bool, error)

	// Type types text into selector, pausing delay between keystrokes
	Type(ctx context.Context, selector, text string, delay time.Duration) error

	Click(ctx context.Context, selector string) error

	// Screenshot returns PNG bytes of the full scrollable page or the viewport
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// Close closes the tab. Closing the primary page is a no-op.
	Close() error
}

// Default values for launches
const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
)

func (o LaunchOptions) viewport() Viewport {
	v := o.Viewport
	if v.Width <= 0 {
		v.Width = DefaultViewportWidth
	}
	if v.Height <= 0 {
		v.Height = DefaultViewportHeight
	}
	return v
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
