package supervise

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ambiware-labs/pitchpipe/internal/config"
	"github.com/ambiware-labs/pitchpipe/internal/pool"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		PoolSize:          2,
		BufferCapacity:    8,
		SupervisorEveryMS: 10,
		InFlightTimeoutMS: 50,
	}
}

func TestSweepReclaimsOnlyStale(t *testing.T) {
	p := pool.New(2, 8, newLogger())
	s := New(testConfig(), p, newLogger())

	buf, _ := p.Acquire()
	p.MarkInFlight(buf.ID())

	if got := s.Sweep(); got != 0 {
		t.Fatalf("fresh buffer reclaimed: %d", got)
	}

	// The pool stamped the handoff with the real clock, so age the
	// supervisor's view of now rather than pinning an absolute time.
	s.clock = func() time.Time { return time.Now().Add(60 * time.Millisecond) }
	if got := s.Sweep(); got != 1 {
		t.Fatalf("expected 1 reclaim, got %d", got)
	}
	if s.TimeoutCount() != 1 {
		t.Fatalf("expected timeout count 1, got %d", s.TimeoutCount())
	}
	if st := p.Stats(); st.Available != 2 {
		t.Fatalf("expected slot recovered, got %d available", st.Available)
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	p := pool.New(1, 8, newLogger())
	s := New(testConfig(), p, newLogger())

	buf, _ := p.Acquire()
	p.MarkInFlight(buf.ID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for s.TimeoutCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("supervisor never reclaimed the stale buffer")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}
