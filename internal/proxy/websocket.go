// Package proxy relays an operator's DevTools websocket to the session
// browser, so a login can be finished on a browser with no visible window.
package proxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Target exposes the browser's DevTools websocket
type Target interface {
	DebuggerURL() string
	Ready() bool
}

// Options controls who may attach to the browser
type Options struct {
	// Token must be presented as "Authorization: Bearer <token>" or ?token=
	Token string

	// LoginOnly refuses new connections once the session is logged in
	LoginOnly bool
}

type Server struct {
	target   Target
	opts     Options
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewServer(target Target, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		target:   target,
		opts:     opts,
		dialer:   websocket.DefaultDialer,
		upgrader: websocket.Upgrader{CheckOrigin: sameOrigin},
		logger:   logger,
	}
}

// Available reports whether an operator may attach right now
func (s *Server) Available() bool {
	if s.target.DebuggerURL() == "" {
		return false
	}
	return !(s.opts.LoginOnly && s.target.Ready())
}

// authorized checks the bearer token in constant time. An empty configured
// token authorizes nobody.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return false
	}

	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.opts.Token)) == 1
}

// sameOrigin accepts requests without an Origin header (non-browser clients)
// and browser requests whose Origin host matches the Host header.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request) {
	if !sameOrigin(r) {
		s.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("rejected cross-origin debugger connection")
		http.Error(w, "Cross-origin debugger connections are not allowed", http.StatusForbidden)
		return
	}
	if !s.authorized(r) {
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("rejected unauthenticated debugger connection")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	browserURL := s.target.DebuggerURL()
	if browserURL == "" {
		http.Error(w, "Browser debugger is not exposed", http.StatusServiceUnavailable)
		return
	}
	if !s.Available() {
		http.Error(w, "Browser debugger is closed once the session is logged in", http.StatusForbidden)
		return
	}

	// Connect to the browser before upgrading so failures are plain HTTP errors
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	browserConn, _, err := s.dialer.DialContext(ctx, browserURL, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("❌ Failed to connect to browser debugger")
		http.Error(w, "Failed to connect to browser", http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}
	defer clientConn.Close()

	// debugger sessions outlive the server's write timeout
	clientConn.NetConn().SetDeadline(time.Time{})

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("✅ Debugger client connected")

	// Bidirectional proxy
	errChan := make(chan error, 2)

	go func() {
		errChan <- s.proxyMessages(clientConn, browserConn, "client→browser")
	}()

	go func() {
		errChan <- s.proxyMessages(browserConn, clientConn, "browser→client")
	}()

	// Wait for either direction to close
	err = <-errChan
	if err != nil && !isNormalClose(err) {
		s.logger.Warn().Err(err).Msg("debug proxy error")
	}

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Debugger client disconnected")
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Str("direction", direction).Msg("websocket read error")
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			s.logger.Debug().Err(err).Str("direction", direction).Msg("failed to write message")
			return err
		}
	}
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
