package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/sessionshot/internal/api"
	"github.com/shehryarbajwa/sessionshot/internal/browser"
	"github.com/shehryarbajwa/sessionshot/internal/config"
	"github.com/shehryarbajwa/sessionshot/internal/events"
	"github.com/shehryarbajwa/sessionshot/internal/logging"
	"github.com/shehryarbajwa/sessionshot/internal/profile"
	"github.com/shehryarbajwa/sessionshot/internal/proxy"
	"github.com/shehryarbajwa/sessionshot/internal/ratelimit"
	"github.com/shehryarbajwa/sessionshot/internal/session"
	"github.com/shehryarbajwa/sessionshot/internal/storage"
	"github.com/shehryarbajwa/sessionshot/pkg/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("❌ Server exited")
	}
	logger.Info().Msg("✅ Server stopped cleanly")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("Starting sessionshot...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Profile directory: optional restore, then exclusive ownership
	if err := restoreProfile(cfg, logger); err != nil {
		return err
	}

	lock, err := profile.Acquire(cfg.Browser.UserDataDir)
	if err != nil {
		return fmt.Errorf("failed to lock profile: %w", err)
	}
	defer lock.Release()
	logger.Info().Str("profile", lock.Dir()).Msg("✓ Profile directory locked")

	launch := browser.LaunchOptions{
		UserDataDir: lock.Dir(),
		Headless:    cfg.Browser.Headless,
		Viewport:    browser.Viewport{Width: cfg.Browser.ViewportWidth, Height: cfg.Browser.ViewportHeight},
		UserAgent:   cfg.Browser.UserAgent,
		ExecPath:    cfg.Browser.ExecPath,
	}

	var (
		containerHost *browser.ContainerHost
		containerID   string
	)

	switch cfg.Browser.Mode {
	case "container":
		host, inst, err := startContainer(ctx, cfg, launch, logging.WithComponent(logger, "container"))
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := host.Stop(stopCtx, inst.ContainerID); err != nil {
				logger.Warn().Err(err).Msg("failed to stop browser container")
			}
			host.Close()
		}()
		launch = inst.LaunchOptions(launch)
		containerHost, containerID = host, inst.ContainerID
	case "remote":
		launch.RemoteURL = cfg.Browser.RemoteURL
		if isBrowserWebsocket(cfg.Browser.RemoteURL) {
			launch.RemoteURLExact = true
			launch.DebuggerURL = cfg.Browser.RemoteURL
		}
	}

	var driver browser.Driver
	switch cfg.Browser.Driver {
	case "playwright":
		driver = browser.NewPlaywrightDriver(logging.WithComponent(logger, "playwright"), cfg.Browser.PlaywrightInstall)
	default:
		driver = browser.NewChromeDriver(logging.WithComponent(logger, "chromedp"))
	}

	store, disk, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info().Str("backend", cfg.Storage.Backend).Msg("✓ Screenshot storage initialized")

	publisher, err := newPublisher(cfg, logging.WithComponent(logger, "events"))
	if err != nil {
		return err
	}
	defer publisher.Close()

	mgr := session.NewManager(driver, store, publisher, session.Options{
		Launch: launch,
		Login: session.LoginOptions{
			Mode:             models.LoginMode(cfg.Login.Mode),
			HomeURL:          cfg.Login.HomeURL,
			LoginURL:         cfg.Login.LoginURL,
			MarkerSelector:   cfg.Login.MarkerSelector,
			UsernameSelector: cfg.Login.UsernameSelector,
			PasswordSelector: cfg.Login.PasswordSelector,
			SubmitSelector:   cfg.Login.SubmitSelector,
			Username:         cfg.Login.Username,
			Password:         cfg.Login.Password,
			Timeout:          cfg.Login.Timeout,
			TypeDelay:        cfg.Login.TypeDelay,
		},
		Capture: session.CaptureOptions{
			FullPage:          cfg.Capture.FullPage,
			NavigationTimeout: cfg.Capture.NavigationTimeout,
			SettleDelay:       cfg.Capture.SettleDelay,
			Timeout:           cfg.Capture.Timeout,
			MaxConcurrentTabs: cfg.Capture.MaxConcurrentTabs,
			IdleMaxInflight:   cfg.Capture.IdleMaxInflight,
			IdleQuietPeriod:   cfg.Capture.IdleQuietPeriod,
		},
	}, logging.WithComponent(logger, "session"))

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	if rateLimiter.Unlimited() {
		logger.Info().Msg("✓ Rate limiting disabled")
	} else {
		logger.Info().
			Int("per_hour", cfg.RateLimit.RequestsPerHour).
			Int("burst", cfg.RateLimit.Burst).
			Msg("✓ Rate limiter initialized")
	}

	routerOpts := api.RouterOptions{Limiter: rateLimiter}
	if disk != nil {
		routerOpts.ScreenshotDir = disk.Dir()
		routerOpts.ScreenshotPrefix = disk.URLPrefix()
	}
	if cfg.Debug.ProxyEnabled {
		routerOpts.Proxy = proxy.NewServer(mgr, proxy.Options{
			Token:     cfg.Debug.ProxyToken,
			LoginOnly: cfg.Debug.LoginOnly,
		}, logging.WithComponent(logger, "proxy"))
		logger.Info().Bool("login_only", cfg.Debug.LoginOnly).Msg("✓ Debugger proxy enabled")
	}

	handler := api.NewHandler(mgr, logging.WithComponent(logger, "http"))
	router := handler.SetupRoutes(routerOpts)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("🚀 Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// The server is already up while the session logs in, so /readyz and the
	// debugger proxy are reachable during a manual login.
	g.Go(func() error {
		if err := mgr.Initialize(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session failed to start: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweepIdleClients(gctx, rateLimiter, logger)
		return nil
	})

	if containerHost != nil {
		g.Go(func() error {
			return watchContainer(gctx, containerHost, containerID, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("⏳ Shutting down server gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to close session")
	}

	if cfg.Profile.SnapshotDir != "" && !mgr.Status().ReadyAt.IsZero() {
		path, err := profile.Snapshot(lock.Dir(), cfg.Profile.SnapshotDir, time.Now())
		if err != nil {
			logger.Warn().Err(err).Msg("failed to snapshot profile")
		} else {
			logger.Info().Str("archive", path).Msg("✓ Profile snapshot written")
		}
	}

	return runErr
}

func restoreProfile(cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Profile.RestoreFrom == "" {
		return nil
	}

	empty, err := profile.IsEmpty(cfg.Browser.UserDataDir)
	if err != nil {
		return fmt.Errorf("failed to inspect profile: %w", err)
	}
	if !empty {
		logger.Info().Msg("Profile directory already populated, skipping restore")
		return nil
	}

	if err := profile.Restore(cfg.Profile.RestoreFrom, cfg.Browser.UserDataDir); err != nil {
		return fmt.Errorf("failed to restore profile: %w", err)
	}
	logger.Info().Str("archive", cfg.Profile.RestoreFrom).Msg("✓ Profile restored from snapshot")
	return nil
}

func startContainer(ctx context.Context, cfg *config.Config, launch browser.LaunchOptions, logger zerolog.Logger) (*browser.ContainerHost, *browser.ContainerInstance, error) {
	host, err := browser.NewContainerHost(cfg.Browser.ContainerImage, cfg.Browser.ContainerPort, logger)
	if err != nil {
		return nil, nil, err
	}

	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	logger.Info().Msg("⏳ Ensuring browser image is available...")
	if err := host.EnsureImage(pullCtx); err != nil {
		host.Close()
		return nil, nil, fmt.Errorf("failed to ensure browser image: %w", err)
	}

	inst, err := host.Start(pullCtx, launch)
	if err != nil {
		host.Close()
		return nil, nil, fmt.Errorf("failed to start browser container: %w", err)
	}
	logger.Info().Str("port", inst.Port).Msg("✓ Browser container ready")

	return host, inst, nil
}

// newStore also returns the disk store when screenshots are served locally
func newStore(ctx context.Context, cfg *config.Config) (storage.Store, *storage.DiskStore, error) {
	if cfg.Storage.Backend == "s3" {
		s3cfg := cfg.Storage.S3
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
			KeyPrefix:       s3cfg.KeyPrefix,
			URLMode:         storage.URLMode(s3cfg.URLMode),
			PresignedTTL:    s3cfg.PresignedTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create s3 storage: %w", err)
		}
		return store, nil, nil
	}

	store, err := storage.NewDiskStore(cfg.Storage.Dir, cfg.Storage.URLPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return store, store, nil
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	if cfg.Events.NATSURL == "" {
		return events.Nop{}, nil
	}

	publisher, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}

// sweepIdleClients drops rate limiter state for clients idle over an hour
func sweepIdleClients(ctx context.Context, limiter *ratelimit.Limiter, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Sweep(time.Hour); n > 0 {
				logger.Debug().
					Int("clients", n).
					Int("tracked", limiter.Len()).
					Msg("swept idle rate limit entries")
			}
		}
	}
}

// watchContainer ends the process when the browser container stops underneath it
func watchContainer(ctx context.Context, host *browser.ContainerHost, containerID string, logger zerolog.Logger) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// one failed inspect can be a docker hiccup; two in a row is a dead browser
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			running := host.IsRunning(checkCtx, containerID)
			cancel()

			if ctx.Err() != nil {
				return nil
			}
			if running {
				misses = 0
				continue
			}
			if misses++; misses < 2 {
				logger.Warn().Str("container", containerID).Msg("browser container did not answer inspect")
				continue
			}
			logger.Error().Str("container", containerID).Msg("❌ Browser container is no longer running")
			return fmt.Errorf("browser container %s stopped", containerID)
		}
	}
}

// isBrowserWebsocket reports whether url names one specific browser rather
// than a discovery endpoint
func isBrowserWebsocket(url string) bool {
	return (strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")) &&
		strings.Contains(url, "/devtools/browser/")
}
