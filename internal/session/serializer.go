package session

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Serializer bounds the number of capture tabs open at once. With a limit of
// one, captures run strictly one after another in arrival order.
type Serializer struct {
	sem      *semaphore.Weighted
	limit    int64
	inflight atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

func NewSerializer(limit int) *Serializer {
	if limit < 1 {
		limit = 1
	}
	return &Serializer{
		sem:    semaphore.NewWeighted(int64(limit)),
		limit:  int64(limit),
		closed: make(chan struct{}),
	}
}

// Acquire waits for a slot. It fails with ctx's error when ctx ends first and
// with ErrNotReady once the serializer is closed. The returned release must be
// called exactly once.
func (s *Serializer) Acquire(ctx context.Context) (func(), error) {
	if s.isClosed() {
		return nil, ErrNotReady
	}

	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-acqCtx.Done():
		}
	}()

	if err := s.sem.Acquire(acqCtx, 1); err != nil {
		if s.isClosed() {
			return nil, ErrNotReady
		}
		return nil, ctx.Err()
	}

	if s.isClosed() {
		s.sem.Release(1)
		return nil, ErrNotReady
	}

	s.inflight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.inflight.Add(-1)
			s.sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of held slots
func (s *Serializer) InFlight() int {
	return int(s.inflight.Load())
}

// Limit returns the maximum number of concurrent slots
func (s *Serializer) Limit() int {
	return int(s.limit)
}

// Close rejects new and queued acquisitions. Held slots stay valid.
func (s *Serializer) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Wait blocks until every held slot is released or ctx ends.
func (s *Serializer) Wait(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, s.limit); err != nil {
		return err
	}
	s.sem.Release(s.limit)
	return nil
}

func (s *Serializer) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
