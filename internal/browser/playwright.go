package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

// PlaywrightDriver drives Chromium through playwright-go using a persistent
// browser context bound to the profile directory.
type PlaywrightDriver struct {
	logger  zerolog.Logger
	install bool
}

// NewPlaywrightDriver creates a playwright-backed driver. When install is set
// the Playwright driver and Chromium are downloaded on first launch.
func NewPlaywrightDriver(logger zerolog.Logger, install bool) *PlaywrightDriver {
	return &PlaywrightDriver{logger: logger, install: install}
}

func (d *PlaywrightDriver) Name() string {
	return "playwright"
}

func (d *PlaywrightDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	vp := opts.viewport()

	// discard output so driver chatter does not interleave with our logs
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if d.install {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
		Viewport: &playwright.Size{
			Width:  vp.Width,
			Height: vp.Height,
		},
		Args: []string{
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--start-maximized",
		},
	}
	if opts.UserAgent != "" {
		launchOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.ExecPath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.ExecPath)
	}

	bctx, err := await(ctx, func() (playwright.BrowserContext, error) {
		return pw.Chromium.LaunchPersistentContext(opts.UserDataDir, launchOpts)
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := &playwrightBrowser{
		pw:          pw,
		ctx:         bctx,
		debuggerURL: opts.DebuggerURL,
	}

	var first playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		first = pages[0]
	} else {
		first, err = bctx.NewPage()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create primary page: %w", err)
		}
	}
	b.primary = newPlaywrightPage(first, true)

	d.logger.Debug().Str("profile", opts.UserDataDir).Msg("playwright persistent context launched")
	return b, nil
}

type playwrightBrowser struct {
	pw          *playwright.Playwright
	ctx         playwright.BrowserContext
	primary     *playwrightPage
	debuggerURL string
	closeOnce   sync.Once
}

func (b *playwrightBrowser) PrimaryPage() Page {
	return b.primary
}

func (b *playwrightBrowser) NewPage(ctx context.Context) (Page, error) {
	// viewport and user agent are context-wide for a persistent context
	page, err := await(ctx, b.ctx.NewPage)
	if err != nil {
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return newPlaywrightPage(page, false), nil
}

func (b *playwrightBrowser) PageCount(ctx context.Context) (int, error) {
	return len(b.ctx.Pages()), nil
}

func (b *playwrightBrowser) DebuggerURL() string {
	return b.debuggerURL
}

func (b *playwrightBrowser) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		if err := b.ctx.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, err)
		}
	})

	if len(errs) > 0 {
		return fmt.Errorf("errors closing browser: %v", errs)
	}
	return nil
}

type playwrightPage struct {
	page      playwright.Page
	primary   bool
	tracker   *NetworkTracker
	closeOnce sync.Once
}

func newPlaywrightPage(page playwright.Page, primary bool) *playwrightPage {
	p := &playwrightPage{
		page:    page,
		primary: primary,
		tracker: NewNetworkTracker(),
	}

	page.OnRequest(func(r playwright.Request) {
		p.tracker.Started(requestKey(r))
	})
	page.OnRequestFinished(func(r playwright.Request) {
		p.tracker.Finished(requestKey(r))
	})
	page.OnRequestFailed(func(r playwright.Request) {
		p.tracker.Finished(requestKey(r))
	})

	return p
}

func requestKey(r playwright.Request) string {
	return fmt.Sprintf("%p", r)
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	p.tracker.Reset()

	waitUntil := playwright.WaitUntilState("load")
	gotoOpts := playwright.PageGotoOptions{
		WaitUntil: &waitUntil,
		Timeout:   timeoutMillis(ctx),
	}

	_, err := await(ctx, func() (playwright.Response, error) {
		return p.page.Goto(url, gotoOpts)
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *playwrightPage) WaitNetworkSettled(ctx context.Context, maxInflight int, quiet time.Duration) error {
	return p.tracker.WaitSettled(ctx, maxInflight, quiet)
}

func (p *playwrightPage) WaitForSelector(ctx context.Context, selector string) error {
	state := playwright.WaitForSelectorState("attached")
	waitOpts := playwright.PageWaitForSelectorOptions{
		State:   &state,
		Timeout: timeoutMillis(ctx),
	}

	_, err := await(ctx, func() (playwright.ElementHandle, error) {
		return p.page.WaitForSelector(selector, waitOpts)
	})
	if err != nil {
		return fmt.Errorf("wait for %q failed: %w", selector, err)
	}
	return nil
}

func (p *playwrightPage) HasElement(ctx context.Context, selector string) (bool, error) {
	el, err := await(ctx, func() (playwright.ElementHandle, error) {
		return p.page.QuerySelector(selector)
	})
	if err != nil {
		return false, fmt.Errorf("selector lookup failed: %w", err)
	}
	return el != nil, nil
}

func (p *playwrightPage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	typeOpts := playwright.PageTypeOptions{
		Delay:   playwright.Float(float64(delay.Milliseconds())),
		Timeout: timeoutMillis(ctx),
	}

	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, p.page.Type(selector, text, typeOpts)
	})
	if err != nil {
		return fmt.Errorf("type into %q failed: %w", selector, err)
	}
	return nil
}

func (p *playwrightPage) Click(ctx context.Context, selector string) error {
	clickOpts := playwright.PageClickOptions{
		Timeout: timeoutMillis(ctx),
	}

	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, p.page.Click(selector, clickOpts)
	})
	if err != nil {
		return fmt.Errorf("click %q failed: %w", selector, err)
	}
	return nil
}

func (p *playwrightPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	shotOpts := playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
		Timeout:  timeoutMillis(ctx),
	}

	buf, err := await(ctx, func() ([]byte, error) {
		return p.page.Screenshot(shotOpts)
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (p *playwrightPage) Close() error {
	if p.primary {
		return nil
	}

	var err error
	p.closeOnce.Do(func() {
		err = p.page.Close()
	})
	return err
}

// timeoutMillis converts the ctx deadline to a Playwright timeout; nil keeps
// Playwright's default
func timeoutMillis(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}

	remaining := time.Until(deadline)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	return playwright.Float(float64(remaining.Milliseconds()))
}

// await runs a blocking Playwright call and returns early if ctx is done. The
// call keeps running in the background until Playwright's own timeout or the
// page is closed.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
