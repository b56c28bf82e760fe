package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/sessionshot/internal/proxy"
	"github.com/shehryarbajwa/sessionshot/internal/ratelimit"
)

// RouterOptions holds the optional pieces of the HTTP surface
type RouterOptions struct {
	// ScreenshotDir is served under ScreenshotPrefix when set (disk storage)
	ScreenshotDir    string
	ScreenshotPrefix string

	// Proxy is nil unless the debugger proxy is enabled
	Proxy   *proxy.Server
	Limiter *ratelimit.Limiter
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(opts RouterOptions) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()

	// Capture endpoint (rate limited)
	captures := api.PathPrefix("").Subrouter()
	captures.Use(RateLimitMiddleware(opts.Limiter))
	captures.HandleFunc("/screenshot", h.TakeScreenshot).Methods(http.MethodPost, http.MethodOptions)

	// Session status (not rate limited)
	api.HandleFunc("/session", h.GetSession).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.Readyz).Methods(http.MethodGet)

	// Debugger endpoints exist only when the proxy is switched on
	if opts.Proxy != nil {
		api.HandleFunc("/session/debug", h.GetDebugURL(opts.Proxy)).Methods(http.MethodGet)
		r.HandleFunc("/debug/ws", opts.Proxy.HandleDebugConnection).Methods(http.MethodGet)
	}

	if opts.ScreenshotDir != "" {
		prefix := "/" + strings.Trim(opts.ScreenshotPrefix, "/") + "/"
		files := http.StripPrefix(prefix, http.FileServer(noListing{http.Dir(opts.ScreenshotDir)}))
		r.PathPrefix(prefix).Handler(files).Methods(http.MethodGet, http.MethodHead)
	}

	r.Use(recoverMiddleware(h.logger))
	r.Use(LoggingMiddleware(h.logger))
	r.Use(corsMiddleware)

	return r
}

// noListing hides directory indexes from the static screenshot handler
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
