package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/pitchpipe/internal/config"
	"github.com/ambiware-labs/pitchpipe/internal/pool"
	"github.com/ambiware-labs/pitchpipe/internal/protocol"
	"github.com/ambiware-labs/pitchpipe/internal/transfer"
)

// Accumulator converts the fixed-cadence frame stream into batches and moves
// them to the consumer. Two thresholds bound the system: a size threshold
// caps transfer overhead under saturation, a latency threshold caps
// worst-case delay under sparse input. The frame callback never blocks and
// never allocates a fallback buffer; on pool exhaustion the frame is counted
// as dropped and the cycle skipped.
type Accumulator struct {
	cfg   config.PipelineConfig
	pool  *pool.Pool
	ch    *transfer.Channel
	log   *slog.Logger
	clock func() time.Time

	mu        sync.Mutex
	running   bool
	cur       *pool.Buffer
	curSince  time.Time
	batchSize int
	pending   int
	sequence  uint64
	exhausted bool

	msgSeq       protocol.Sequencer
	dropped      atomic.Uint64
	batches      atomic.Uint64
	sendFailures atomic.Uint64
	invalidCtrl  atomic.Uint64
	markFailed   atomic.Uint64
}

type Stats struct {
	Running       bool
	BatchSize     int
	Sequence      uint64
	DroppedFrames uint64
	Batches       uint64
	SendFailures  uint64
	InvalidCtrl   uint64
	MarkFailures  uint64
}

func NewAccumulator(cfg config.PipelineConfig, p *pool.Pool, ch *transfer.Channel, log *slog.Logger) *Accumulator {
	return &Accumulator{
		cfg:       cfg,
		pool:      p,
		ch:        ch,
		log:       log.With(slog.String("component", "accumulator")),
		clock:     time.Now,
		batchSize: cfg.BatchSize,
	}
}

// Start begins accepting frames and announces the producer geometry.
// Idempotent: a second start is a no-op.
func (a *Accumulator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	if !a.ch.SendData(protocol.NewReady(&a.msgSeq, a.cfg.BufferCapacity, a.cfg.SampleRate, a.clock())) {
		a.sendFailures.Add(1)
	}
	a.log.Info("processing started",
		slog.Int("batch_size", a.batchSize),
		slog.Int("capacity", a.cfg.BufferCapacity))
}

// Stop flushes the held partial batch as a final batch and halts new
// acquisitions. Buffers already in flight complete their normal return path.
// Idempotent.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.flushLocked(a.clock())
	a.running = false
	a.log.Info("processing stopped", slog.Uint64("sequence", a.sequence))
}

// OnFrame is the real-time callback. It copies the frame into the current
// buffer, flushing whenever the batch threshold fills or the latency budget
// elapses, and carries leftover samples into a freshly acquired buffer so no
// sample is lost at a batch boundary.
func (a *Accumulator) OnFrame(frame []float64) {
	now := a.clock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running || len(frame) == 0 {
		return
	}

	rest := frame
	for len(rest) > 0 {
		if a.cur == nil {
			buf, ok := a.pool.Acquire()
			if !ok {
				a.dropped.Add(1)
				if !a.exhausted {
					// Report once per exhaustion streak, not once per frame.
					a.exhausted = true
					a.reportLocked(protocol.CodePoolExhausted, "no buffer available, dropping frames", now)
				}
				return
			}
			a.exhausted = false
			a.cur = buf
			a.curSince = now
			if a.pending > 0 {
				// Safe boundary: the new size takes effect only between
				// buffers, never mid-write.
				a.batchSize = a.pending
				a.pending = 0
				a.log.Info("batch size updated", slog.Int("batch_size", a.batchSize))
			}
		}

		written, err := a.cur.Append(rest)
		if err != nil {
			// Stale handle after a transfer. Loud but not fatal: abandon the
			// handle and retry with a fresh buffer.
			a.log.Error("write through transferred handle refused", slog.String("error", err.Error()))
			a.cur = nil
			continue
		}
		rest = rest[written:]

		if a.cur.Len() >= a.batchSize || now.Sub(a.curSince) >= a.maxLatency() {
			a.flushLocked(now)
		}
	}
}

func (a *Accumulator) maxLatency() time.Duration {
	return time.Duration(a.cfg.MaxBatchLatencyMS) * time.Millisecond
}

// flushLocked finalizes the current buffer into an AudioDataBatch and hands
// ownership to the transfer channel. A full channel means the batch cannot
// be delivered; the buffer stays InFlight and the supervisor reclaims it.
func (a *Accumulator) flushLocked(now time.Time) {
	if a.cur == nil || a.cur.Len() == 0 {
		return
	}
	buf := a.cur
	a.cur = nil
	a.sequence++

	env := protocol.NewBatch(&a.msgSeq, buf, a.sequence, now)
	if !a.pool.MarkInFlight(buf.ID()) {
		// The slot is not Acquired anymore; something else moved it. Count
		// it so the corruption is visible instead of silently shipped.
		a.markFailed.Add(1)
		a.log.Error("buffer not in acquired state at flush",
			slog.Uint64("buffer_id", uint64(buf.ID())),
			slog.Uint64("sequence", a.sequence))
	}
	buf.MarkTransferred()
	if !a.ch.SendData(env) {
		a.sendFailures.Add(1)
		a.log.Error("transfer channel full, batch abandoned",
			slog.Uint64("sequence", a.sequence),
			slog.Uint64("buffer_id", uint64(buf.ID())))
		return
	}
	a.batches.Add(1)
}

// RunControl consumes the consumer→producer direction until ctx is done.
func (a *Accumulator) RunControl(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-a.ch.Control():
			a.HandleControl(env)
		}
	}
}

// HandleControl validates and applies one control envelope. Invalid
// envelopes are counted and dropped.
func (a *Accumulator) HandleControl(env protocol.Envelope) {
	if err := protocol.Validate(env); err != nil {
		a.invalidCtrl.Add(1)
		a.log.Warn("dropped invalid control message",
			slog.String("kind", env.Kind.String()),
			slog.String("error", err.Error()))
		return
	}

	switch env.Kind {
	case protocol.KindStartProcessing:
		a.Start()
	case protocol.KindStopProcessing:
		a.Stop()
	case protocol.KindUpdateBatchConfig:
		a.updateBatchSize(env.Config.NewBatchSize)
	case protocol.KindReturnBuffer:
		a.pool.Return(env.Return.BufferID, env.Return.Buffer)
	default:
		a.invalidCtrl.Add(1)
		a.log.Warn("unexpected message on control direction", slog.String("kind", env.Kind.String()))
	}
}

// updateBatchSize stages a new batch size, clamped to the fixed geometry.
// It is applied at the next acquire boundary.
func (a *Accumulator) updateBatchSize(size int) {
	clamped := size
	if clamped < a.cfg.FrameSize {
		clamped = a.cfg.FrameSize
	}
	if clamped > a.cfg.BufferCapacity {
		clamped = a.cfg.BufferCapacity
	}
	a.mu.Lock()
	a.pending = clamped
	a.mu.Unlock()
	if clamped != size {
		a.log.Warn("batch size clamped to pool geometry",
			slog.Int("requested", size), slog.Int("applied", clamped))
	}
}

func (a *Accumulator) reportLocked(code, message string, now time.Time) {
	env := protocol.NewError(&a.msgSeq, code, message, "accumulator", now)
	if !a.ch.SendData(env) {
		a.sendFailures.Add(1)
	}
}

func (a *Accumulator) DroppedFrames() uint64 { return a.dropped.Load() }

func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	running, batchSize, sequence := a.running, a.batchSize, a.sequence
	a.mu.Unlock()
	return Stats{
		Running:       running,
		BatchSize:     batchSize,
		Sequence:      sequence,
		DroppedFrames: a.dropped.Load(),
		Batches:       a.batches.Load(),
		SendFailures:  a.sendFailures.Load(),
		InvalidCtrl:   a.invalidCtrl.Load(),
		MarkFailures:  a.markFailed.Load(),
	}
}
