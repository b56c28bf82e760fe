package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shehryarbajwa/sessionshot/internal/browser"
	"github.com/shehryarbajwa/sessionshot/internal/events"
	"github.com/shehryarbajwa/sessionshot/internal/logging"
	"github.com/shehryarbajwa/sessionshot/internal/storage"
	"github.com/shehryarbajwa/sessionshot/pkg/models"
)

// CaptureScreenshot loads req.URL in a fresh tab and stores a PNG of it. The
// tab is closed on every path. Errors are *Error values.
func (m *Manager) CaptureScreenshot(ctx context.Context, req models.ScreenshotRequest) (*models.ScreenshotResult, error) {
	target, err := ValidateTargetURL(req.URL)
	if err != nil {
		return nil, err
	}

	fullPage := m.opts.Capture.FullPage
	if req.FullPage != nil {
		fullPage = *req.FullPage
	}

	if !m.Ready() {
		return nil, newError(KindNotReady, "capture", nil)
	}

	start := time.Now()
	log := logging.FromContext(ctx, m.logger).With().Str("target", target).Logger()

	// the deadline covers time spent queued behind other captures
	capCtx, cancel := context.WithTimeout(ctx, m.opts.Capture.Timeout)
	defer cancel()

	release, err := m.serializer.Acquire(capCtx)
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			return nil, newError(KindNotReady, "capture", nil)
		}
		qerr := m.classify(capCtx, newError(KindCapture, "queue", err))
		m.failures.Add(1)
		log.Warn().Err(qerr).Dur("waited", time.Since(start)).Msg("❌ Capture gave up waiting for a tab")
		return nil, qerr
	}
	defer release()

	result, cerr := m.capture(capCtx, target, fullPage, req.Inline)
	if cerr != nil {
		err := m.classify(capCtx, cerr)
		m.failures.Add(1)

		log.Error().Err(err).Dur("took", time.Since(start)).Msg("❌ Capture failed")
		m.publish(ctx, events.CaptureFailed, models.CaptureEvent{
			TargetURL:  target,
			FullPage:   fullPage,
			Error:      err.PublicMessage(),
			DurationMS: time.Since(start).Milliseconds(),
			At:         time.Now().UTC(),
		})
		return nil, err
	}

	m.captures.Add(1)

	log.Info().
		Str("id", result.ID).
		Int("bytes", result.Size).
		Bool("full_page", fullPage).
		Dur("took", time.Since(start)).
		Msg("📸 Screenshot captured")
	m.publish(ctx, events.CaptureCompleted, models.CaptureEvent{
		ID:         result.ID,
		TargetURL:  target,
		URL:        result.URL,
		Size:       result.Size,
		FullPage:   fullPage,
		DurationMS: time.Since(start).Milliseconds(),
		At:         result.CapturedAt,
	})

	return result, nil
}

// classify turns an error that happened after ctx's deadline into a timeout
func (m *Manager) classify(ctx context.Context, err *Error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindCaptureTimeout, err.Op, err)
	}
	return err
}

func (m *Manager) capture(ctx context.Context, target string, fullPage, inline bool) (*models.ScreenshotResult, *Error) {
	b := m.currentBrowser()
	if b == nil {
		return nil, newError(KindNotReady, "capture", nil)
	}

	page, err := b.NewPage(ctx)
	if err != nil {
		return nil, newError(KindCapture, "open tab", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to close capture tab")
		}
	}()

	if err := m.load(ctx, page, target); err != nil {
		return nil, newError(KindNavigation, "navigate", err)
	}

	// client-side rendering
	if err := browser.Sleep(ctx, m.opts.Capture.SettleDelay); err != nil {
		return nil, newError(KindCapture, "settle", err)
	}

	data, err := page.Screenshot(ctx, fullPage)
	if err != nil {
		return nil, newError(KindCapture, "screenshot", err)
	}
	if len(data) == 0 {
		return nil, newError(KindCapture, "screenshot", errors.New("browser returned an empty image"))
	}

	name, err := storage.NewArtifactName()
	if err != nil {
		return nil, newError(KindCapture, "name", err)
	}

	url, err := m.store.Put(ctx, name.Filename, storage.ContentTypePNG, data)
	if err != nil {
		return nil, newError(KindCapture, "store", err)
	}

	result := &models.ScreenshotResult{
		ID:         name.ID,
		Filename:   name.Filename,
		URL:        url,
		TargetURL:  target,
		FullPage:   fullPage,
		Size:       len(data),
		CapturedAt: time.Now().UTC(),
	}
	if inline {
		result.Data = data
	}

	return result, nil
}

// load navigates and requires the network to go mostly idle within the
// navigation timeout
func (m *Manager) load(ctx context.Context, page browser.Page, target string) error {
	c := m.opts.Capture

	navCtx, cancel := context.WithTimeout(ctx, c.NavigationTimeout)
	defer cancel()

	if err := page.Navigate(navCtx, target); err != nil {
		return err
	}

	if err := page.WaitNetworkSettled(navCtx, c.IdleMaxInflight, c.IdleQuietPeriod); err != nil {
		return fmt.Errorf("network did not settle: %w", err)
	}
	return nil
}
