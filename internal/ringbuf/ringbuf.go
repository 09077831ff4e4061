// Package ringbuf provides a fixed-capacity ring that retains the most
// recently published ticks. Unlike a queue, a full ring overwrites its
// oldest entry; Add never fails and never blocks the publish loop.
package ringbuf

import (
	"sync"

	"quotestreamv1/internal/model"
)

// Ring keeps the last Cap() ticks in arrival order. Capacity is rounded
// up to the next power of two for bitwise index wrapping.
type Ring struct {
	mu   sync.RWMutex
	buf  []model.Tick
	mask uint64
	head uint64 // total adds; next write position is head&mask
}

// New creates a ring. Minimum capacity is 2.
func New(capacity int) *Ring {
	c := nextPow2(capacity)
	if c < 2 {
		c = 2
	}
	return &Ring{
		buf:  make([]model.Tick, c),
		mask: uint64(c - 1),
	}
}

// Add records a tick, evicting the oldest entry when full.
func (r *Ring) Add(t model.Tick) {
	r.mu.Lock()
	r.buf[r.head&r.mask] = t
	r.head++
	r.mu.Unlock()
}

// Snapshot copies the retained ticks, oldest first.
func (r *Ring) Snapshot() []model.Tick {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.head
	if n > uint64(len(r.buf)) {
		n = uint64(len(r.buf))
	}
	out := make([]model.Tick, 0, n)
	for i := r.head - n; i < r.head; i++ {
		out = append(out, r.buf[i&r.mask])
	}
	return out
}

// Len returns the number of retained ticks.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.head > uint64(len(r.buf)) {
		return len(r.buf)
	}
	return int(r.head)
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
