// Package supervise is the safety net for lost buffers. Nothing else in the
// pipeline recovers from a consumer crash, a dropped message, or a logic bug
// that never issues a return; the supervisor's periodic reclaim does.
package supervise

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/pitchpipe/internal/config"
	"github.com/ambiware-labs/pitchpipe/internal/pool"
)

type Supervisor struct {
	pool     *pool.Pool
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration
	clock    func() time.Time

	timeouts atomic.Uint64
}

// New configures the supervisor from the pipeline settings. The in-flight
// timeout is validated at config load to sit above the sweep interval; it
// should also sit comfortably above the worst-case consumer round trip.
func New(cfg config.PipelineConfig, p *pool.Pool, log *slog.Logger) *Supervisor {
	return &Supervisor{
		pool:     p,
		log:      log.With(slog.String("component", "supervisor")),
		interval: time.Duration(cfg.SupervisorEveryMS) * time.Millisecond,
		timeout:  time.Duration(cfg.InFlightTimeoutMS) * time.Millisecond,
		clock:    time.Now,
	}
}

// Run sweeps the pool until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep reclaims every in-flight buffer older than the timeout and reports
// how many it recovered.
func (s *Supervisor) Sweep() int {
	reclaimed := s.pool.ReclaimTimedOut(s.clock(), s.timeout)
	if reclaimed > 0 {
		s.timeouts.Add(uint64(reclaimed))
		s.log.Warn("recovered stale buffers", slog.Int("count", reclaimed))
	}
	return reclaimed
}

// TimeoutCount is the lifetime number of reclaimed buffers.
func (s *Supervisor) TimeoutCount() uint64 {
	return s.timeouts.Load()
}
