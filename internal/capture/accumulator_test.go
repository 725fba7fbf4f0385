package capture

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ambiware-labs/pitchpipe/internal/config"
	"github.com/ambiware-labs/pitchpipe/internal/pool"
	"github.com/ambiware-labs/pitchpipe/internal/protocol"
	"github.com/ambiware-labs/pitchpipe/internal/transfer"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pipeConfig(poolSize, capacity, batchSize, frameSize int) config.PipelineConfig {
	return config.PipelineConfig{
		PoolSize:          poolSize,
		BufferCapacity:    capacity,
		BatchSize:         batchSize,
		MaxBatchLatencyMS: 100,
		FrameSize:         frameSize,
		SampleRate:        48000,
		SupervisorEveryMS: 250,
		InFlightTimeoutMS: 2000,
	}
}

func newRig(cfg config.PipelineConfig) (*Accumulator, *pool.Pool, *transfer.Channel) {
	p := pool.New(cfg.PoolSize, cfg.BufferCapacity, newLogger())
	ch := transfer.New(cfg.PoolSize)
	acc := NewAccumulator(cfg, p, ch, newLogger())
	return acc, p, ch
}

func frameOf(n int, value float64) []float64 {
	frame := make([]float64, n)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

// drainBatches collects every data envelope currently queued, skipping the
// ProcessorReady announcement.
func drainBatches(ch *transfer.Channel) []protocol.Envelope {
	var batches []protocol.Envelope
	for {
		select {
		case env := <-ch.Data():
			if env.Kind == protocol.KindAudioDataBatch {
				batches = append(batches, env)
			}
		default:
			return batches
		}
	}
}

func TestBatchSplittingAcrossBoundary(t *testing.T) {
	// capacity=1024, frameSize=128: 9 frames (1152 samples) must yield
	// exactly 1024 then 128 with nothing lost.
	acc, _, ch := newRig(pipeConfig(4, 1024, 1024, 128))
	acc.Start()

	for i := 0; i < 9; i++ {
		acc.OnFrame(frameOf(128, float64(i)))
	}
	acc.Stop()

	batches := drainBatches(ch)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if got := batches[0].Batch.SampleCount; got != 1024 {
		t.Fatalf("first batch: expected 1024 samples, got %d", got)
	}
	if got := batches[1].Batch.SampleCount; got != 128 {
		t.Fatalf("second batch: expected 128 samples, got %d", got)
	}
	if batches[0].Batch.Sequence != 1 || batches[1].Batch.Sequence != 2 {
		t.Fatalf("sequence numbers not strictly increasing: %d, %d",
			batches[0].Batch.Sequence, batches[1].Batch.Sequence)
	}
	// The boundary frame's leftover landed at the head of the second batch.
	second := batches[1].Batch.Buffer.Samples()
	if second[0] != 8 {
		t.Fatalf("expected carried-over sample from frame 8, got %v", second[0])
	}
}

func TestExhaustionDropsFrames(t *testing.T) {
	// poolSize=4, capacity=8, frameSize=2, consumer never returns: 20 frames
	// yield exactly 4 batches of 8 samples, then drops.
	acc, p, ch := newRig(pipeConfig(4, 8, 8, 2))
	acc.Start()

	for i := 0; i < 20; i++ {
		acc.OnFrame(frameOf(2, 1))
	}

	batches := drainBatches(ch)
	if len(batches) != 4 {
		t.Fatalf("expected 4 batches, got %d", len(batches))
	}
	total := 0
	for _, b := range batches {
		total += b.Batch.SampleCount
	}
	if total != 32 {
		t.Fatalf("expected 32 samples in flight, got %d", total)
	}
	if got := acc.DroppedFrames(); got != 4 {
		t.Fatalf("expected 4 dropped frames, got %d", got)
	}

	// Returning one buffer frees a slot and frames flow again.
	b := batches[0].Batch
	if !p.Return(b.BufferID, b.Buffer) {
		t.Fatal("return failed")
	}
	acc.OnFrame(frameOf(2, 1))
	if got := acc.DroppedFrames(); got != 4 {
		t.Fatalf("expected no further drops after return, got %d", got)
	}
}

func TestLatencyThresholdFlushesPartial(t *testing.T) {
	cfg := pipeConfig(4, 1024, 1024, 128)
	cfg.MaxBatchLatencyMS = 50
	acc, _, ch := newRig(cfg)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	acc.clock = func() time.Time { return now }
	acc.Start()

	acc.OnFrame(frameOf(128, 1))
	if got := len(drainBatches(ch)); got != 0 {
		t.Fatalf("partial batch flushed early: %d", got)
	}

	now = now.Add(60 * time.Millisecond)
	acc.OnFrame(frameOf(128, 1))
	batches := drainBatches(ch)
	if len(batches) != 1 {
		t.Fatalf("expected latency flush, got %d batches", len(batches))
	}
	if got := batches[0].Batch.SampleCount; got != 256 {
		t.Fatalf("expected 256 samples in latency-flushed batch, got %d", got)
	}
}

func TestStopFlushesPartialBatch(t *testing.T) {
	acc, _, ch := newRig(pipeConfig(4, 1024, 1024, 128))
	acc.Start()

	acc.OnFrame(frameOf(128, 1))
	acc.Stop()

	batches := drainBatches(ch)
	if len(batches) != 1 {
		t.Fatalf("expected final partial batch on stop, got %d", len(batches))
	}
	if got := batches[0].Batch.SampleCount; got != 128 {
		t.Fatalf("expected 128 samples, got %d", got)
	}

	// Stopped accumulator ignores further frames.
	acc.OnFrame(frameOf(128, 1))
	if got := len(drainBatches(ch)); got != 0 {
		t.Fatalf("expected no batches after stop, got %d", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	acc, _, ch := newRig(pipeConfig(2, 64, 64, 8))
	acc.Start()
	acc.Start()

	ready := 0
	for {
		select {
		case env := <-ch.Data():
			if env.Kind == protocol.KindProcessorReady {
				ready++
			}
		default:
			goto done
		}
	}
done:
	if ready != 1 {
		t.Fatalf("expected a single ready announcement, got %d", ready)
	}
	acc.Stop()
	acc.Stop()
}

func TestUpdateBatchConfigAppliedAtBoundary(t *testing.T) {
	acc, _, ch := newRig(pipeConfig(4, 1024, 1024, 128))
	acc.Start()

	// Mid-buffer: the new size must not apply to the active buffer.
	acc.OnFrame(frameOf(128, 1))
	var seq protocol.Sequencer
	acc.HandleControl(protocol.NewBatchConfig(&seq, 256, time.Now()))
	acc.OnFrame(frameOf(128, 1))
	if got := len(drainBatches(ch)); got != 0 {
		t.Fatalf("new batch size applied mid-write: %d batches", got)
	}
	acc.Stop()
	drainBatches(ch)

	// Next acquisition picks up the staged size.
	acc.Start()
	acc.OnFrame(frameOf(128, 1))
	acc.OnFrame(frameOf(128, 1))
	batches := drainBatches(ch)
	if len(batches) != 1 || batches[0].Batch.SampleCount != 256 {
		t.Fatalf("expected one 256-sample batch, got %+v", batches)
	}
}

func TestUpdateBatchConfigClamped(t *testing.T) {
	acc, _, _ := newRig(pipeConfig(4, 1024, 1024, 128))
	var seq protocol.Sequencer

	acc.HandleControl(protocol.NewBatchConfig(&seq, 1<<20, time.Now()))
	acc.mu.Lock()
	pending := acc.pending
	acc.mu.Unlock()
	if pending != 1024 {
		t.Fatalf("expected clamp to capacity, got %d", pending)
	}
}

func TestFlushCountsFailedInFlightMark(t *testing.T) {
	// Single-buffer pool: the accumulator holds buffer id 1. Moving the
	// slot to InFlight behind its back makes the flush-time mark fail,
	// which must be counted rather than silently shipped.
	acc, p, ch := newRig(pipeConfig(1, 8, 8, 2))
	acc.Start()

	acc.OnFrame(frameOf(2, 1))
	if !p.MarkInFlight(1) {
		t.Fatal("setup: could not disturb slot state")
	}
	for i := 0; i < 3; i++ {
		acc.OnFrame(frameOf(2, 1))
	}

	if got := acc.Stats().MarkFailures; got != 1 {
		t.Fatalf("expected 1 failed in-flight mark, got %d", got)
	}
	if got := len(drainBatches(ch)); got != 1 {
		t.Fatalf("expected the batch still delivered, got %d", got)
	}
}

func TestInvalidControlDropped(t *testing.T) {
	acc, _, _ := newRig(pipeConfig(2, 64, 64, 8))
	acc.Start()

	acc.HandleControl(protocol.Envelope{Kind: protocol.KindReturnBuffer})
	st := acc.Stats()
	if st.InvalidCtrl != 1 {
		t.Fatalf("expected invalid control counted, got %d", st.InvalidCtrl)
	}
	if !st.Running {
		t.Fatal("invalid control must not disturb the pipeline")
	}
}

func TestReturnBufferControlRecycles(t *testing.T) {
	acc, p, ch := newRig(pipeConfig(1, 8, 8, 2))
	acc.Start()

	for i := 0; i < 4; i++ {
		acc.OnFrame(frameOf(2, 1))
	}
	batches := drainBatches(ch)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}

	var seq protocol.Sequencer
	b := batches[0].Batch
	acc.HandleControl(protocol.NewReturn(&seq, b.BufferID, b.Buffer, time.Now()))

	if st := p.Stats(); st.Available != 1 {
		t.Fatalf("expected buffer recycled, got %d available", st.Available)
	}
}
