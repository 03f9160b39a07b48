package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const discardTimeout = time.Second

// sinkHolder lazily constructs and owns the sink. Only the worker acquires or drops it;
// Stop may shut it down once the worker is gone (or the grace period ran out).
//
// mu is never held across the factory call, so shutdown cannot be stalled by a slow
// or hung sink construction.
type sinkHolder struct {
	mu      sync.Mutex
	factory SinkFactory
	sink    Sink
	closed  bool
}

func (h *sinkHolder) acquire(ctx context.Context) (Sink, error) {
	h.mu.Lock()
	if h.sink != nil {
		s := h.sink
		h.mu.Unlock()
		return s, nil
	}
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: dispatcher stopped", ErrSinkUnavailable)
	}
	if h.factory == nil {
		return nil, fmt.Errorf("%w: no sink configured", ErrSinkUnavailable)
	}

	s, err := h.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: factory returned nil sink", ErrSinkUnavailable)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		// Built after shutdown: nobody will own it, release it here.
		sctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
		_ = s.Shutdown(sctx)
		cancel()
		return nil, fmt.Errorf("%w: dispatcher stopped", ErrSinkUnavailable)
	}
	h.sink = s
	h.mu.Unlock()
	return s, nil
}

func (h *sinkHolder) current() Sink {
	h.mu.Lock()
	s := h.sink
	h.mu.Unlock()
	return s
}

// drop forgets the current sink without shutting it down and returns it.
func (h *sinkHolder) drop() Sink {
	h.mu.Lock()
	s := h.sink
	h.sink = nil
	h.mu.Unlock()
	return s
}

// shutdown releases the held sink, if any, and refuses later acquires. It reports
// whether a sink was held.
func (h *sinkHolder) shutdown(ctx context.Context) (bool, error) {
	h.mu.Lock()
	s := h.sink
	h.sink = nil
	h.closed = true
	h.mu.Unlock()
	if s == nil {
		return false, nil
	}
	return true, s.Shutdown(ctx)
}
