//go:build linux

package engine

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// fifo is the shape shared by the send queue (C2) and the receive queue
// (C3): a bounded slice-backed FIFO with a level-triggered readable
// descriptor, grounded on the eventfd-interrupts-poll pattern in
// tools/uping/pkg/uping/listener.go. Push is safe for concurrent callers
// (the sniffer goroutine pushes into the recv queue while the loop thread
// drains it, per spec §4.2/§5); pop is intended for the loop thread only.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
	cap   int
	efd   int
}

func newFIFO[T any](capacity int) (*fifo[T], error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &fifo[T]{cap: capacity, efd: efd}, nil
}

// push appends an item, failing only when the queue is at capacity (spec
// §4.1: "fails only on allocation" is read here as "fails only when full",
// since this implementation pre-allocates no unbounded memory).
func (q *fifo[T]) push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cap > 0 && len(q.items) >= q.cap {
		return fmt.Errorf("queue: full (cap=%d)", q.cap)
	}
	wasEmpty := len(q.items) == 0
	q.items = append(q.items, item)
	if wasEmpty {
		q.signal()
	}
	return nil
}

// pop removes and returns the oldest item, or false if the queue is empty.
func (q *fifo[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.clear()
	}
	return item, true
}

// popAll drains up to n items (n<=0 means unlimited), oldest first.
func (q *fifo[T]) popAll(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	out := append([]T(nil), q.items[:n]...)
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.clear()
	}
	return out
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// fd returns the eventfd that is readable iff the queue is non-empty.
func (q *fifo[T]) fd() int { return q.efd }

// signal and clear must be called with q.mu held.
func (q *fifo[T]) signal() {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(q.efd, one[:])
}

func (q *fifo[T]) clear() {
	var buf [8]byte
	_, _ = unix.Read(q.efd, buf[:])
}

func (q *fifo[T]) close() error {
	return unix.Close(q.efd)
}
