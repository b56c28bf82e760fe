package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MatchesSentinelOfItsKind(t *testing.T) {
	err := newError(KindNavigation, "navigate", errors.New("net::ERR_TIMED_OUT"))

	assert.ErrorIs(t, err, ErrNavigation)
	assert.NotErrorIs(t, err, ErrCapture)

	wrapped := fmt.Errorf("request: %w", err)
	assert.ErrorIs(t, wrapped, ErrNavigation)
	assert.Equal(t, KindNavigation, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestError_PublicMessageHidesCause(t *testing.T) {
	err := newError(KindCapture, "store", errors.New("open /var/data/x.png: permission denied"))

	assert.Equal(t, "CaptureError: screenshot could not be produced", err.PublicMessage())
	assert.Contains(t, err.Error(), "permission denied")
}

func TestError_TimeoutWrapsOriginalKind(t *testing.T) {
	inner := newError(KindNavigation, "navigate", errors.New("context deadline exceeded"))
	err := newError(KindCaptureTimeout, inner.Op, inner)

	assert.ErrorIs(t, err, ErrCaptureTimeout)
	assert.ErrorIs(t, err, ErrNavigation)
	assert.Equal(t, KindCaptureTimeout, KindOf(err))
}
