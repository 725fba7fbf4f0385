package pool

import (
	"log/slog"
	"sync"
	"time"
)

// BufferID identifies one live buffer. IDs are process-wide monotonic and
// never reused: a timeout reclaim retires the old identity and installs a
// fresh one, so a late return of a reclaimed buffer cannot match any slot.
type BufferID uint64

type State int

const (
	StateAvailable State = iota
	StateAcquired
	StateInFlight
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateAcquired:
		return "acquired"
	case StateInFlight:
		return "in-flight"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

type slot struct {
	id         BufferID
	state      State
	buf        *Buffer
	acquiredAt time.Time
	sentAt     time.Time
}

// Pool is a fixed set of fixed-capacity sample buffers under single-owner
// discipline. It never grows, shrinks, or allocates a fallback buffer:
// exhaustion is reported to the caller, who skips that cycle.
type Pool struct {
	mu       sync.Mutex
	slots    []slot
	capacity int
	nextID   BufferID
	log      *slog.Logger
	clock    func() time.Time

	hits            uint64
	misses          uint64
	returns         uint64
	rejectedReturns uint64
	reclaims        uint64
	roundTripTotal  time.Duration
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	PoolSize        int
	Capacity        int
	Available       int
	InFlight        int
	Hits            uint64
	Misses          uint64
	Returns         uint64
	RejectedReturns uint64
	Reclaims        uint64
	HitRate         float64
	AvgRoundTrip    time.Duration
}

func New(size, capacity int, log *slog.Logger) *Pool {
	p := &Pool{
		slots:    make([]slot, size),
		capacity: capacity,
		log:      log.With(slog.String("component", "buffer-pool")),
		clock:    time.Now,
	}
	for i := range p.slots {
		p.nextID++
		p.slots[i] = slot{
			id:    p.nextID,
			state: StateAvailable,
			buf:   newBuffer(p.nextID, capacity),
		}
	}
	return p
}

func (p *Pool) Size() int     { return len(p.slots) }
func (p *Pool) Capacity() int { return p.capacity }

// Acquire hands an Available buffer to the caller, who becomes its sole
// owner. The second return is false when no buffer is Available; callers
// must treat that as a skipped cycle, never as an error.
func (p *Pool) Acquire() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		s := &p.slots[i]
		if s.state != StateAvailable {
			continue
		}
		s.state = StateAcquired
		s.acquiredAt = p.clock()
		buf := s.buf
		s.buf = nil // ownership moves to the caller
		p.hits++
		return buf, true
	}
	p.misses++
	return nil, false
}

// MarkInFlight records that ownership of id has been handed to the transfer
// channel. Valid only for an Acquired buffer.
func (p *Pool) MarkInFlight(id BufferID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.findSlot(id)
	if s == nil || s.state != StateAcquired {
		return false
	}
	s.state = StateInFlight
	s.sentAt = p.clock()
	return true
}

// Return moves ownership of an InFlight buffer back into the pool and resets
// the slot to Available. It rejects unknown ids, wrong states, size
// mismatches, and handles whose identity does not match the claimed id,
// leaving pool state untouched; a rejected return is counted and logged,
// never fatal.
func (p *Pool) Return(id BufferID, buf *Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.findSlot(id)
	if s == nil {
		p.rejectedReturns++
		p.log.Warn("return of unknown buffer id rejected", slog.Uint64("buffer_id", uint64(id)))
		return false
	}
	if s.state != StateInFlight {
		p.rejectedReturns++
		p.log.Warn("return rejected: buffer not in flight",
			slog.Uint64("buffer_id", uint64(id)),
			slog.String("state", s.state.String()))
		return false
	}
	if buf == nil || buf.Cap() != p.capacity {
		p.rejectedReturns++
		got := -1
		if buf != nil {
			got = buf.Cap()
		}
		p.log.Warn("return rejected: size mismatch",
			slog.Uint64("buffer_id", uint64(id)),
			slog.Int("capacity", p.capacity),
			slog.Int("got", got))
		return false
	}
	if buf.ID() != id {
		// A cross-matched return would alias this handle into another
		// buffer's slot and leak the slot its owner still holds.
		p.rejectedReturns++
		p.log.Warn("return rejected: handle identity mismatch",
			slog.Uint64("buffer_id", uint64(id)),
			slog.Uint64("handle_id", uint64(buf.ID())))
		return false
	}

	buf.reset()
	s.state = StateAvailable
	s.buf = buf
	p.returns++
	if !s.acquiredAt.IsZero() {
		p.roundTripTotal += p.clock().Sub(s.acquiredAt)
	}
	return true
}

// ReclaimTimedOut resets every InFlight slot older than timeout back to
// Available with a freshly identified buffer, permanently retiring the old
// identity. The unreturned content is discarded. Returns the number of slots
// reclaimed.
func (p *Pool) ReclaimTimedOut(now time.Time, timeout time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	reclaimed := 0
	for i := range p.slots {
		s := &p.slots[i]
		if s.state != StateInFlight || now.Sub(s.sentAt) < timeout {
			continue
		}
		s.state = StateTimedOut
		old := s.id
		p.nextID++
		s.id = p.nextID
		s.buf = newBuffer(s.id, p.capacity)
		s.state = StateAvailable
		s.acquiredAt = time.Time{}
		s.sentAt = time.Time{}
		p.reclaims++
		reclaimed++
		p.log.Warn("reclaimed stale in-flight buffer",
			slog.Uint64("retired_id", uint64(old)),
			slog.Uint64("new_id", uint64(s.id)))
	}
	return reclaimed
}

func (p *Pool) findSlot(id BufferID) *slot {
	for i := range p.slots {
		if p.slots[i].id == id {
			return &p.slots[i]
		}
	}
	return nil
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		PoolSize:        len(p.slots),
		Capacity:        p.capacity,
		Hits:            p.hits,
		Misses:          p.misses,
		Returns:         p.returns,
		RejectedReturns: p.rejectedReturns,
		Reclaims:        p.reclaims,
	}
	for i := range p.slots {
		switch p.slots[i].state {
		case StateAvailable:
			st.Available++
		case StateInFlight:
			st.InFlight++
		}
	}
	if total := p.hits + p.misses; total > 0 {
		st.HitRate = float64(p.hits) / float64(total)
	}
	if p.returns > 0 {
		st.AvgRoundTrip = p.roundTripTotal / time.Duration(p.returns)
	}
	return st
}
