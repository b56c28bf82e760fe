package session

import (
	"errors"
	"fmt"
)

// Kind classifies session failures. The string form is what callers see.
type Kind string

const (
	KindLaunch         Kind = "LaunchError"
	KindLoginTimeout   Kind = "LoginTimeoutError"
	KindLogin          Kind = "LoginError"
	KindNavigation     Kind = "NavigationError"
	KindCapture        Kind = "CaptureError"
	KindValidation     Kind = "ValidationError"
	KindNotReady       Kind = "NotReadyError"
	KindCaptureTimeout Kind = "CaptureTimeoutError"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrLaunch         = errors.New("browser launch failed")
	ErrLoginTimeout   = errors.New("authenticated marker did not appear in time")
	ErrLogin          = errors.New("automated login failed")
	ErrNavigation     = errors.New("target page did not load")
	ErrCapture        = errors.New("screenshot could not be produced")
	ErrValidation     = errors.New("invalid screenshot request")
	ErrNotReady       = errors.New("session is not ready")
	ErrCaptureTimeout = errors.New("capture deadline exceeded")
)

var sentinels = map[Kind]error{
	KindLaunch:         ErrLaunch,
	KindLoginTimeout:   ErrLoginTimeout,
	KindLogin:          ErrLogin,
	KindNavigation:     ErrNavigation,
	KindCapture:        ErrCapture,
	KindValidation:     ErrValidation,
	KindNotReady:       ErrNotReady,
	KindCaptureTimeout: ErrCaptureTimeout,
}

// Error is returned by every Manager operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// public is shown to API callers in place of the sentinel text
	public string
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// PublicMessage is safe to return to API callers: the kind plus a fixed
// description, never the underlying driver error.
func (e *Error) PublicMessage() string {
	text := e.public
	if text == "" {
		if sentinel, ok := sentinels[e.Kind]; ok {
			text = sentinel.Error()
		} else {
			text = "request failed"
		}
	}
	return fmt.Sprintf("%s: %s", e.Kind, text)
}

// KindOf returns the Kind of err, or "" when err is not a session error
func KindOf(err error) Kind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ""
}
