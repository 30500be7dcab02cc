// Package ringbuf implements the fixed-capacity byte queue that carries
// modem output from the backends to the bulk IN endpoint.
//
// Any number of goroutines may Enqueue concurrently. A single consumer
// drains the buffer with Dequeue and paces itself with WaitUntil.
package ringbuf

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the size of the device transmit buffer.
const DefaultCapacity = 524288

// Buffer is a thread-safe circular byte buffer that drops on overflow.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	head  int // next byte to dequeue
	count int

	// signal holds at most one pending wake-up for the consumer.
	signal chan struct{}
}

// New creates a buffer holding at most capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		data:   make([]byte, capacity),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue copies as many leading bytes of p as fit and returns that count.
// The remainder is dropped. Enqueue never blocks.
func (b *Buffer) Enqueue(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(p), len(b.data)-b.count)
	if n == 0 {
		return 0
	}
	tail := (b.head + b.count) % len(b.data)
	first := copy(b.data[tail:], p[:n])
	if first < n {
		copy(b.data, p[first:n])
	}
	b.count += n
	return n
}

// Dequeue moves up to len(p) bytes into p and returns the count.
// It returns 0 when the buffer is empty and never blocks.
func (b *Buffer) Dequeue(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(p), b.count)
	if n == 0 {
		return 0
	}
	first := copy(p[:n], b.data[b.head:])
	if first < n {
		copy(p[first:n], b.data)
	}
	b.head = (b.head + n) % len(b.data)
	b.count -= n
	if b.count == 0 {
		b.head = 0
	}
	return n
}

// WaitUntil blocks until data is available or the deadline passes, and
// gives up early when ctx ends. It returns at once if data is queued. A wake-up left
// by a Notify whose data was already dequeued does not end the wait.
func (b *Buffer) WaitUntil(ctx context.Context, deadline time.Time) {
	if b.Len() > 0 {
		return
	}
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-b.signal:
			if b.Len() > 0 {
				return
			}
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Notify wakes a consumer blocked in WaitUntil once data is queued.
func (b *Buffer) Notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.head = 0
	b.count = 0
	b.mu.Unlock()
}
