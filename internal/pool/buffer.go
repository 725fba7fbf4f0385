package pool

import (
	"errors"
	"sync/atomic"
)

// ErrTransferred is returned when a producer keeps writing through a handle
// whose ownership already moved to the consumer. Misuse is loud but never
// fatal: the write is refused and the caller carries on.
var ErrTransferred = errors.New("pool: buffer handle already transferred")

// Buffer is a fixed-capacity block of samples with a write cursor. Exactly
// one goroutine owns it at a time; the transferred flag makes a stale
// producer-side handle unusable after the handoff.
type Buffer struct {
	id          BufferID
	data        []float64
	n           int
	transferred atomic.Bool
}

func newBuffer(id BufferID, capacity int) *Buffer {
	return &Buffer{id: id, data: make([]float64, capacity)}
}

func (b *Buffer) ID() BufferID { return b.id }
func (b *Buffer) Cap() int     { return len(b.data) }
func (b *Buffer) Len() int     { return b.n }
func (b *Buffer) Full() bool   { return b.n == len(b.data) }

// Append copies samples at the write cursor, up to remaining capacity, and
// reports how many were written. Leftover samples are the caller's to carry
// into the next buffer.
func (b *Buffer) Append(samples []float64) (int, error) {
	if b.transferred.Load() {
		return 0, ErrTransferred
	}
	written := copy(b.data[b.n:], samples)
	b.n += written
	return written, nil
}

// MarkTransferred invalidates this handle on the sender side. It reports
// false if the handle was already transferred.
func (b *Buffer) MarkTransferred() bool {
	return b.transferred.CompareAndSwap(false, true)
}

// Samples exposes the written region. The receiving side must treat it as
// read-only.
func (b *Buffer) Samples() []float64 {
	return b.data[:b.n]
}

func (b *Buffer) reset() {
	b.n = 0
	b.transferred.Store(false)
}
