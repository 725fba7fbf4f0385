package pool

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics wires pool counters into the runtime meter as observables,
// sampled from Stats on collection.
func (p *Pool) RegisterMetrics(meter metric.Meter) error {
	available, err := meter.Int64ObservableGauge("pitchpipe.pool.available",
		metric.WithDescription("Buffers currently available for acquisition"))
	if err != nil {
		return err
	}
	inFlight, err := meter.Int64ObservableGauge("pitchpipe.pool.in_flight",
		metric.WithDescription("Buffers currently owned by the consumer side"))
	if err != nil {
		return err
	}
	hits, err := meter.Int64ObservableCounter("pitchpipe.pool.acquire_hits",
		metric.WithDescription("Successful buffer acquisitions"))
	if err != nil {
		return err
	}
	misses, err := meter.Int64ObservableCounter("pitchpipe.pool.acquire_misses",
		metric.WithDescription("Acquisitions skipped due to pool exhaustion"))
	if err != nil {
		return err
	}
	reclaims, err := meter.Int64ObservableCounter("pitchpipe.pool.reclaims",
		metric.WithDescription("Stale in-flight buffers reclaimed by the supervisor"))
	if err != nil {
		return err
	}
	rejected, err := meter.Int64ObservableCounter("pitchpipe.pool.rejected_returns",
		metric.WithDescription("Buffer returns rejected for state or size mismatch"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		st := p.Stats()
		obs.ObserveInt64(available, int64(st.Available))
		obs.ObserveInt64(inFlight, int64(st.InFlight))
		obs.ObserveInt64(hits, int64(st.Hits))
		obs.ObserveInt64(misses, int64(st.Misses))
		obs.ObserveInt64(reclaims, int64(st.Reclaims))
		obs.ObserveInt64(rejected, int64(st.RejectedReturns))
		return nil
	}, available, inFlight, hits, misses, reclaims, rejected)
	return err
}
