package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/sessionshot/internal/logging"
	"github.com/shehryarbajwa/sessionshot/internal/proxy"
	"github.com/shehryarbajwa/sessionshot/internal/session"
	"github.com/shehryarbajwa/sessionshot/pkg/models"
)

const (
	maxRequestBody  = 64 << 10
	tabCountTimeout = 2 * time.Second
)

// Capturer is the session surface the HTTP layer needs
type Capturer interface {
	CaptureScreenshot(ctx context.Context, req models.ScreenshotRequest) (*models.ScreenshotResult, error)
	Status() models.SessionInfo
	Ready() bool
	OpenTabs(ctx context.Context) (int, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	capturer Capturer
	logger   zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(capturer Capturer, logger zerolog.Logger) *Handler {
	return &Handler{
		capturer: capturer,
		logger:   logger,
	}
}

// TakeScreenshot handles POST /api/screenshot
func (h *Handler) TakeScreenshot(w http.ResponseWriter, r *http.Request) {
	var req models.ScreenshotRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ScreenshotResponse{
			Message: fmt.Sprintf("%s: request body must be JSON with a url field", session.KindValidation),
		})
		return
	}

	// reject bad input before the session is touched
	target, err := session.ValidateTargetURL(req.URL)
	if err != nil {
		h.writeCaptureError(w, r, err)
		return
	}
	req.URL = target

	result, err := h.capturer.CaptureScreenshot(r.Context(), req)
	if err != nil {
		h.writeCaptureError(w, r, err)
		return
	}

	resp := models.ScreenshotResponse{
		Success:       true,
		ScreenshotURL: result.URL,
		ID:            result.ID,
	}
	if req.Inline && len(result.Data) > 0 {
		resp.Screenshot = base64.StdEncoding.EncodeToString(result.Data)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /api/session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info := h.capturer.Status()

	ctx, cancel := context.WithTimeout(r.Context(), tabCountTimeout)
	defer cancel()

	tabs, err := h.capturer.OpenTabs(ctx)
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Debug().Err(err).Msg("failed to count open tabs")
	} else {
		info.OpenTabs = tabs
	}

	writeJSON(w, http.StatusOK, info)
}

// GetDebugURL handles GET /api/session/debug
func (h *Handler) GetDebugURL(debug *proxy.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !debug.Available() {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"message": "browser debugger is not available",
			})
			return
		}

		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}

		status := h.capturer.Status()
		writeJSON(w, http.StatusOK, map[string]string{
			"debuggerUrl": fmt.Sprintf("%s://%s/debug/ws", scheme, r.Host),
			"state":       string(status.State),
			"auth":        string(status.Auth),
		})
	}
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz; 200 only once the session is logged in
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	status := h.capturer.Status()
	code := http.StatusOK
	if !h.capturer.Ready() {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"state": string(status.State),
		"auth":  string(status.Auth),
	})
}

// writeCaptureError maps session errors to status codes. Only the public
// message of the error reaches the client.
func (h *Handler) writeCaptureError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	message := fmt.Sprintf("%s: internal error", session.KindCapture)

	var serr *session.Error
	if errors.As(err, &serr) {
		message = serr.PublicMessage()
		switch serr.Kind {
		case session.KindValidation:
			code = http.StatusBadRequest
		case session.KindNotReady:
			code = http.StatusServiceUnavailable
		case session.KindCaptureTimeout:
			code = http.StatusGatewayTimeout
		}
	}

	log := logging.FromContext(r.Context(), h.logger)
	if code == http.StatusBadRequest {
		log.Debug().Err(err).Msg("rejected screenshot request")
	} else {
		log.Error().Err(err).Int("status", code).Msg("screenshot request failed")
	}

	writeJSON(w, code, models.ScreenshotResponse{
		Success: false,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
