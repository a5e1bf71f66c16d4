package ocppnet

import (
	"fmt"
	"sync"
)

var (
	ErrRingBufferFull = fmt.Errorf("ring buffer is full")
)

// RingBuffer is a fixed-capacity FIFO. Write refuses new values when the
// buffer is full; Overwrite drops the oldest value instead.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	readIdx  int
	writeIdx int
	len      int
	dropped  int64
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{buf: make([]T, size)}
}

func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}

// Dropped returns how many values Overwrite has discarded.
func (r *RingBuffer[T]) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *RingBuffer[T]) Write(val T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == len(r.buf) {
		return ErrRingBufferFull
	}
	r.put(val)
	return nil
}

// Overwrite appends val, discarding the oldest value when full.
func (r *RingBuffer[T]) Overwrite(val T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == len(r.buf) {
		var zero T
		r.buf[r.readIdx] = zero
		r.readIdx = (r.readIdx + 1) % len(r.buf)
		r.len--
		r.dropped++
	}
	r.put(val)
}

func (r *RingBuffer[T]) put(val T) {
	r.buf[r.writeIdx] = val
	r.writeIdx = (r.writeIdx + 1) % len(r.buf)
	r.len++
}

func (r *RingBuffer[T]) Read() (T, bool) {
	var v T

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == 0 {
		return v, false
	}
	v = r.buf[r.readIdx]
	r.buf[r.readIdx] = *new(T)
	r.readIdx = (r.readIdx + 1) % len(r.buf)
	r.len--
	return v, true
}

func (r *RingBuffer[T]) ReadN(n int) ([]T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == 0 {
		return nil, false
	}
	if n > r.len {
		n = r.len
	}
	vals := r.copyLocked(n)
	for i := 0; i < n; i++ {
		r.buf[(r.readIdx+i)%len(r.buf)] = *new(T)
	}
	r.readIdx = (r.readIdx + n) % len(r.buf)
	r.len -= n
	return vals, true
}

// Snapshot returns the buffered values oldest first without consuming them.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked(r.len)
}

func (r *RingBuffer[T]) copyLocked(n int) []T {
	vals := make([]T, n)
	for i := 0; i < n; i++ {
		vals[i] = r.buf[(r.readIdx+i)%len(r.buf)]
	}
	return vals
}
