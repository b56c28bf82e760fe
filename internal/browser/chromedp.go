package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// ChromeDriver drives Chrome over the DevTools protocol with chromedp.
type ChromeDriver struct {
	logger zerolog.Logger
}

// NewChromeDriver creates a chromedp-backed driver
func NewChromeDriver(logger zerolog.Logger) *ChromeDriver {
	return &ChromeDriver{logger: logger}
}

func (d *ChromeDriver) Name() string {
	return "chromedp"
}

// Launch starts (or attaches to) a browser. The browser outlives ctx; ctx only
// bounds the startup.
func (d *ChromeDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	vp := opts.viewport()

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc

	if opts.RemoteURL != "" {
		var remoteOpts []chromedp.RemoteAllocatorOption
		if opts.RemoteURLExact {
			remoteOpts = append(remoteOpts, chromedp.NoModifyURL)
		}
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL, remoteOpts...)
	} else {
		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.UserDataDir(opts.UserDataDir),
			chromedp.WindowSize(vp.Width, vp.Height),
			chromedp.Flag("headless", opts.Headless),
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("start-maximized", true),
		)
		if opts.UserAgent != "" {
			execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
		}
		if opts.ExecPath != "" {
			execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(context.Background(), execOpts...)
	}

	logf := func(format string, args ...interface{}) {
		d.logger.Debug().Msgf(format, args...)
	}
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logf),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			d.logger.Warn().Msgf(format, args...)
		}),
	)

	b := &chromeBrowser{
		ctx:           browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		viewport:      vp,
		userAgent:     opts.UserAgent,
		debuggerURL:   opts.DebuggerURL,
	}

	primary := newChromePage(browserCtx, nil, true)
	if err := primary.attach(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	if err := primary.setup(ctx, vp, opts.UserAgent); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare primary page: %w", err)
	}

	b.primary = primary
	return b, nil
}

type chromeBrowser struct {
	ctx           context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	primary       *chromePage
	viewport      Viewport
	userAgent     string
	debuggerURL   string
	closeOnce     sync.Once
}

func (b *chromeBrowser) PrimaryPage() Page {
	return b.primary
}

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	page := newChromePage(tabCtx, cancel, false)

	if err := page.attach(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	if err := page.setup(ctx, b.viewport, b.userAgent); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	return page, nil
}

func (b *chromeBrowser) PageCount(ctx context.Context) (int, error) {
	targets, err := chromedp.Targets(b.ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list targets: %w", err)
	}

	count := 0
	for _, t := range targets {
		if t.Type == "page" {
			count++
		}
	}
	return count, nil
}

func (b *chromeBrowser) DebuggerURL() string {
	return b.debuggerURL
}

func (b *chromeBrowser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = chromedp.Cancel(b.ctx)
		b.cancelBrowser()
		b.cancelAlloc()
	})
	return err
}

type chromePage struct {
	ctx       context.Context
	cancel    context.CancelFunc
	primary   bool
	tracker   *NetworkTracker
	closeOnce sync.Once
}

func newChromePage(ctx context.Context, cancel context.CancelFunc, primary bool) *chromePage {
	p := &chromePage{
		ctx:     ctx,
		cancel:  cancel,
		primary: primary,
		tracker: NewNetworkTracker(),
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			p.tracker.Started(string(e.RequestID))
		case *network.EventLoadingFinished:
			p.tracker.Finished(string(e.RequestID))
		case *network.EventLoadingFailed:
			p.tracker.Finished(string(e.RequestID))
		}
	})

	return p
}

// attach performs the first Run on the page's own context. chromedp ties the
// browser (and the tab's event loop) to the context of the first Run, so it
// must not be a derived context that gets cancelled afterwards.
func (p *chromePage) attach(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(p.ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chromePage) setup(ctx context.Context, vp Viewport, userAgent string) error {
	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), 1, false),
	}
	if userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(userAgent))
	}
	return p.run(ctx, actions...)
}

// run executes actions on the tab, bounded by the caller's ctx. Cancelling the
// derived context stops the actions without closing the tab.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}
	return nil
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	p.tracker.Reset()
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *chromePage) WaitNetworkSettled(ctx context.Context, maxInflight int, quiet time.Duration) error {
	return p.tracker.WaitSettled(ctx, maxInflight, quiet)
}

func (p *chromePage) WaitForSelector(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q failed: %w", selector, err)
	}
	return nil
}

func (p *chromePage) HasElement(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}

	var found bool
	expr := fmt.Sprintf("document.querySelector(%s) !== null", quoted)
	if err := p.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("selector lookup failed: %w", err)
	}
	return found, nil
}

func (p *chromePage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	actions := []chromedp.Action{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
	}
	for _, r := range text {
		actions = append(actions, chromedp.SendKeys(selector, string(r), chromedp.ByQuery))
		if delay > 0 {
			actions = append(actions, chromedp.Sleep(delay))
		}
	}

	if err := p.run(ctx, actions...); err != nil {
		return fmt.Errorf("type into %q failed: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %q failed: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte

	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// quality 100 keeps PNG encoding
		action = chromedp.FullScreenshot(&buf, 100)
	}

	if err := p.run(ctx, action); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	if p.primary || p.cancel == nil {
		return nil
	}
	p.closeOnce.Do(p.cancel)
	return nil
}
