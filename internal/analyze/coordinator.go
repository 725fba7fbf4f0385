package analyze

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/pitchpipe/internal/protocol"
	"github.com/ambiware-labs/pitchpipe/internal/transfer"
)

// Coordinator is the consumer runtime: it receives batches from the transfer
// channel, fans each one out to every registered analyzer over the same
// read-only sample view, and returns the buffer. One analyzer's failure
// never blocks another and never blocks the buffer return.
type Coordinator struct {
	ch    *transfer.Channel
	log   *slog.Logger
	clock func() time.Time

	mu        sync.Mutex
	analyzers []Analyzer
	subs      map[string][]chan Result
	sinks     []func(Result)

	msgSeq       protocol.Sequencer
	batches      atomic.Uint64
	invalid      atomic.Uint64
	failures     atomic.Uint64
	returnFailed atomic.Uint64
}

type CoordinatorStats struct {
	Analyzers        int
	Batches          uint64
	InvalidMessages  uint64
	AnalyzerFailures uint64
	ReturnFailures   uint64
}

func NewCoordinator(ch *transfer.Channel, log *slog.Logger) *Coordinator {
	return &Coordinator{
		ch:    ch,
		log:   log.With(slog.String("component", "coordinator")),
		clock: time.Now,
		subs:  make(map[string][]chan Result),
	}
}

// Register adds an analyzer. Analyzers registered after Run has started
// still apply from the next batch on.
func (c *Coordinator) Register(a Analyzer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyzers = append(c.analyzers, a)
}

// Subscribe returns a stream of one analyzer's results. Delivery is
// non-blocking: when a subscriber falls behind, results for it are dropped
// rather than stalling the consumer loop.
func (c *Coordinator) Subscribe(analyzer string, buffer int) <-chan Result {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Result, buffer)
	c.mu.Lock()
	c.subs[analyzer] = append(c.subs[analyzer], ch)
	c.mu.Unlock()
	return ch
}

// AddSink registers a callback invoked for every result, used for the bus
// publisher and the result store. Sinks run on the consumer goroutine and
// should be quick.
func (c *Coordinator) AddSink(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, fn)
}

// Run consumes the data direction until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.ch.Data():
			c.Handle(env)
		}
	}
}

// Handle processes one received envelope. An envelope that fails validation
// is counted and dropped without analyzer dispatch and without a buffer
// return: a malformed transfer cannot be safely attributed to a specific
// buffer, so recovery is left to the timeout supervisor.
func (c *Coordinator) Handle(env protocol.Envelope) {
	if err := protocol.Validate(env); err != nil {
		c.invalid.Add(1)
		c.log.Warn("dropped invalid message",
			slog.String("kind", env.Kind.String()),
			slog.String("error", err.Error()))
		return
	}

	switch env.Kind {
	case protocol.KindProcessorReady:
		c.log.Info("producer ready",
			slog.Int("capacity", env.Ready.Capacity),
			slog.Int("sample_rate", env.Ready.SampleRate))
	case protocol.KindProcessingError:
		c.log.Warn("producer reported error",
			slog.String("code", env.Err.Code),
			slog.String("message", env.Err.Message),
			slog.String("context", env.Err.Context))
	case protocol.KindAudioDataBatch:
		c.dispatch(env.Batch)
	default:
		c.invalid.Add(1)
		c.log.Warn("unexpected message on data direction", slog.String("kind", env.Kind.String()))
	}
}

// dispatch runs every analyzer against the batch, then returns the buffer.
// The return is unconditional on receipt success, whatever the analyzers
// did.
func (c *Coordinator) dispatch(b *protocol.AudioDataBatch) {
	samples := b.Buffer.Samples()

	c.mu.Lock()
	analyzers := make([]Analyzer, len(c.analyzers))
	copy(analyzers, c.analyzers)
	c.mu.Unlock()

	for _, a := range analyzers {
		res := c.runAnalyzer(a, samples, b)
		if res.Degraded {
			c.failures.Add(1)
		}
		c.deliver(res)
	}

	ret := protocol.NewReturn(&c.msgSeq, b.BufferID, b.Buffer, c.clock())
	if !c.ch.SendControl(ret) {
		c.returnFailed.Add(1)
		c.log.Error("control channel full, buffer return lost",
			slog.Uint64("buffer_id", uint64(b.BufferID)))
	}
	c.batches.Add(1)
}

// runAnalyzer captures both returned errors and panics, converting either
// into a degraded result for that analyzer alone.
func (c *Coordinator) runAnalyzer(a Analyzer, samples []float64, b *protocol.AudioDataBatch) (res Result) {
	res = Result{
		Analyzer:    a.Name(),
		Sequence:    b.Sequence,
		Timestamp:   b.Timestamp,
		SampleCount: b.SampleCount,
	}
	defer func() {
		if r := recover(); r != nil {
			res.Degraded = true
			res.Error = fmt.Sprintf("panic: %v", r)
			res.Values = nil
			c.log.Error("analyzer panicked",
				slog.String("analyzer", a.Name()),
				slog.Uint64("sequence", b.Sequence),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()

	values, err := a.Analyze(samples, b.Sequence)
	if err != nil {
		res.Degraded = true
		res.Error = err.Error()
		c.log.Warn("analyzer failed",
			slog.String("analyzer", a.Name()),
			slog.Uint64("sequence", b.Sequence),
			slog.String("error", err.Error()))
		return res
	}
	res.Values = values
	return res
}

func (c *Coordinator) deliver(res Result) {
	c.mu.Lock()
	sinks := c.sinks
	subs := c.subs[res.Analyzer]
	c.mu.Unlock()

	for _, sink := range sinks {
		sink(res)
	}
	for _, sub := range subs {
		select {
		case sub <- res:
		default:
			// Slow subscriber; drop rather than stall batch processing.
		}
	}
}

func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	analyzers := len(c.analyzers)
	c.mu.Unlock()
	return CoordinatorStats{
		Analyzers:        analyzers,
		Batches:          c.batches.Load(),
		InvalidMessages:  c.invalid.Load(),
		AnalyzerFailures: c.failures.Load(),
		ReturnFailures:   c.returnFailed.Load(),
	}
}
