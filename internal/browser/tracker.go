package browser

import (
	"context"
	"sync"
	"time"
)

// NetworkTracker counts in-flight requests for one page.
type NetworkTracker struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	changed  chan struct{}
}

// NewNetworkTracker creates an empty tracker
func NewNetworkTracker() *NetworkTracker {
	return &NetworkTracker{
		inflight: make(map[string]struct{}),
		changed:  make(chan struct{}),
	}
}

// Started records a request. Redirects reuse the id and are counted once.
func (t *NetworkTracker) Started(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inflight[id]; ok {
		return
	}
	t.inflight[id] = struct{}{}
	t.notifyLocked()
}

// Finished records a request completing or failing
func (t *NetworkTracker) Finished(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	t.notifyLocked()
}

// Reset forgets all in-flight requests, used before a new navigation
func (t *NetworkTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inflight = make(map[string]struct{})
	t.notifyLocked()
}

// Inflight returns the number of outstanding requests
func (t *NetworkTracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *NetworkTracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *NetworkTracker) snapshot() (int, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), t.changed
}

// WaitSettled returns once no more than maxInflight requests have been
// outstanding for a full quiet period. The quiet timer starts when the count
// drops to maxInflight and is cancelled whenever it rises above it.
func (t *NetworkTracker) WaitSettled(ctx context.Context, maxInflight int, quiet time.Duration) error {
	if maxInflight < 0 {
		maxInflight = 0
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		n, changed := t.snapshot()

		if n <= maxInflight {
			if timer == nil {
				timer = time.NewTimer(quiet)
			}
		} else if timer != nil {
			timer.Stop()
			timer = nil
		}

		var fire <-chan time.Time
		if timer != nil {
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fire:
			return nil
		case <-changed:
		}
	}
}
