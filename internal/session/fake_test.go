package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shehryarbajwa/sessionshot/internal/browser"
)

// fakeDriver hands out a single scripted fakeBrowser
type fakeDriver struct {
	browser   *fakeBrowser
	launchErr error
	launches  int
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	d.launches++
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	d.browser.opts = opts
	return d.browser, nil
}

type fakeBrowser struct {
	mu   sync.Mutex
	opts browser.LaunchOptions

	loggedIn bool

	// credential login succeeds when these are typed before submit
	wantUser, wantPass string

	navigateErr   func(url string) error
	navigateDelay time.Duration
	settleErr     error
	typeErr       error
	shot          []byte
	shotErr       error
	newPageErr    error
	debuggerURL   string

	open, maxOpen int
	opened        int
	closed        bool

	primary *fakePage
}

func newFakeBrowser() *fakeBrowser {
	b := &fakeBrowser{
		shot: []byte("\x89PNG fake"),
		open: 1,
	}
	b.maxOpen = 1
	b.primary = &fakePage{b: b, primary: true, typed: map[string]string{}}
	return b
}

func (b *fakeBrowser) setLoggedIn(v bool) {
	b.mu.Lock()
	b.loggedIn = v
	b.mu.Unlock()
}

func (b *fakeBrowser) PrimaryPage() browser.Page { return b.primary }

func (b *fakeBrowser) NewPage(ctx context.Context) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.newPageErr != nil {
		return nil, b.newPageErr
	}
	if b.closed {
		return nil, errors.New("browser closed")
	}

	b.open++
	b.opened++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	return &fakePage{b: b, typed: map[string]string{}}, nil
}

func (b *fakeBrowser) PageCount(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, nil
}

func (b *fakeBrowser) DebuggerURL() string { return b.debuggerURL }

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBrowser) counts() (open, maxOpen, opened int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.maxOpen, b.opened
}

type fakePage struct {
	b       *fakeBrowser
	primary bool

	mu        sync.Mutex
	navigated []string
	typed     map[string]string
	clicks    []string
	closed    bool
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.navigated = append(p.navigated, url)
	p.mu.Unlock()

	if err := browser.Sleep(ctx, p.b.navigateDelay); err != nil {
		return err
	}
	if p.b.navigateErr != nil {
		return p.b.navigateErr(url)
	}
	return nil
}

func (p *fakePage) WaitNetworkSettled(ctx context.Context, maxInflight int, quiet time.Duration) error {
	return p.b.settleErr
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector string) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.b.mu.Lock()
		ok := p.b.loggedIn
		p.b.mu.Unlock()
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *fakePage) HasElement(ctx context.Context, selector string) (bool, error) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	return p.b.loggedIn, nil
}

func (p *fakePage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	if p.b.typeErr != nil {
		return p.b.typeErr
	}
	p.mu.Lock()
	p.typed[selector] = text
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	user, pass := p.typed["#user"], p.typed["#pass"]
	p.mu.Unlock()

	if p.b.wantUser != "" && user == p.b.wantUser && pass == p.b.wantPass {
		p.b.setLoggedIn(true)
	}
	return nil
}

func (p *fakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.b.shotErr != nil {
		return nil, p.b.shotErr
	}
	return p.b.shot, nil
}

func (p *fakePage) Close() error {
	if p.primary {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.b.mu.Lock()
	p.b.open--
	p.b.mu.Unlock()
	return nil
}

// recordingPublisher keeps published event names
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) Publish(ctx context.Context, event string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
