package dispatch

import (
	"sync"
	"time"
)

// Backlog is the FIFO of admitted messages waiting for the worker.
//
// Push never blocks. Once the backlog holds threshold entries it is considered stale:
// the next Push discards everything pending and keeps only the new message.
// Safe for one producer and one consumer.
type Backlog struct {
	mu        sync.Mutex
	items     []string
	threshold int

	// wake holds at most one pending signal; Pop re-checks items after each wake.
	wake chan struct{}
}

func NewBacklog(threshold int) *Backlog {
	if threshold <= 0 {
		threshold = DefaultSaturationThreshold
	}
	return &Backlog{
		items:     make([]string, 0, threshold),
		threshold: threshold,
		wake:      make(chan struct{}, 1),
	}
}

func (b *Backlog) SetThreshold(n int) {
	if n <= 0 {
		n = DefaultSaturationThreshold
	}
	b.mu.Lock()
	b.threshold = n
	b.mu.Unlock()
}

// Push appends msg and returns how many pending entries were flushed to make room.
func (b *Backlog) Push(msg string) (flushed int) {
	b.mu.Lock()
	// >= rather than >: the backlog must never hold more than threshold entries.
	if len(b.items) >= b.threshold {
		flushed = len(b.items)
		clear(b.items)
		b.items = b.items[:0]
	}
	b.items = append(b.items, msg)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return flushed
}

// Pop waits up to timeout for a message. It returns false on timeout or once stop is
// closed; a closed stop channel wins over pending items.
func (b *Backlog) Pop(stop <-chan struct{}, timeout time.Duration) (string, bool) {
	select {
	case <-stop:
		return "", false
	default:
	}
	if msg, ok := b.tryPop(); ok {
		return msg, true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return "", false
		case <-t.C:
			return "", false
		case <-b.wake:
			if msg, ok := b.tryPop(); ok {
				return msg, true
			}
		}
	}
}

func (b *Backlog) tryPop() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return "", false
	}
	msg := b.items[0]
	b.items[0] = ""
	b.items = b.items[1:]
	return msg, true
}

func (b *Backlog) Len() int {
	b.mu.Lock()
	n := len(b.items)
	b.mu.Unlock()
	return n
}

// Drain discards all pending messages and returns how many there were.
func (b *Backlog) Drain() int {
	b.mu.Lock()
	n := len(b.items)
	clear(b.items)
	b.items = b.items[:0]
	b.mu.Unlock()
	return n
}
