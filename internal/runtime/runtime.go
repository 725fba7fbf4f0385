package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ambiware-labs/pitchpipe/internal/analyze"
	"github.com/ambiware-labs/pitchpipe/internal/bus"
	"github.com/ambiware-labs/pitchpipe/internal/capture"
	"github.com/ambiware-labs/pitchpipe/internal/config"
	"github.com/ambiware-labs/pitchpipe/internal/natsserver"
	"github.com/ambiware-labs/pitchpipe/internal/pool"
	"github.com/ambiware-labs/pitchpipe/internal/protocol"
	"github.com/ambiware-labs/pitchpipe/internal/resultstore"
	"github.com/ambiware-labs/pitchpipe/internal/supervise"
	"github.com/ambiware-labs/pitchpipe/internal/transfer"
)

// Runtime owns the full pipeline: frame source, buffer pool, accumulator,
// transfer channel, analyzer coordinator, supervisor, and the outward
// surfaces (HTTP, bus, result store).
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	pool    *pool.Pool
	channel *transfer.Channel
	acc     *capture.Accumulator
	coord   *analyze.Coordinator
	sup     *supervise.Supervisor
	store   *resultstore.Store
	client  *bus.Client
	ctrlSeq protocol.Sequencer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires the pipeline and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := initTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats-server")))
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		busCfg := r.cfg.Bus
		if embedded != nil {
			defer embedded.Shutdown()
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.client = client
		defer client.Close()
	}

	store, err := resultstore.Open(ctx, r.cfg.ResultStore, r.logger.With(slog.String("component", "result-store")))
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	r.store = store
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Error("result store close error", slog.String("error", err.Error()))
		}
	}()

	r.pool = pool.New(r.cfg.Pipeline.PoolSize, r.cfg.Pipeline.BufferCapacity, r.logger)
	r.channel = transfer.New(r.cfg.Pipeline.PoolSize)
	r.acc = capture.NewAccumulator(r.cfg.Pipeline, r.pool, r.channel, r.logger)
	r.coord = analyze.NewCoordinator(r.channel, r.logger)
	r.sup = supervise.New(r.cfg.Pipeline, r.pool, r.logger)

	analyzers, err := analyze.Builtin(r.cfg.Analyzers, r.cfg.Pipeline.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to build analyzers: %w", err)
	}
	for _, a := range analyzers {
		r.coord.Register(a)
		r.logger.Info("analyzer registered", slog.String("analyzer", a.Name()))
	}

	r.coord.AddSink(store.Sink(ctx))
	if r.client != nil {
		r.coord.AddSink(r.client.ResultSink())
	}

	if err := r.pool.RegisterMetrics(tel.meter); err != nil {
		r.logger.Warn("failed to register pool metrics", slog.String("error", err.Error()))
	}
	if err := r.registerPipelineMetrics(tel.meter); err != nil {
		r.logger.Warn("failed to register pipeline metrics", slog.String("error", err.Error()))
	}

	source, err := capture.NewSource(r.cfg.Capture, r.cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("failed to build frame source: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.coord.Run(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acc.RunControl(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sup.Run(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := source.Run(ctx, r.acc.OnFrame); err != nil && ctx.Err() == nil {
			r.logger.Error("frame source failed", slog.String("error", err.Error()))
		}
	}()

	var ctrlSubs []*nats.Subscription
	if r.client != nil {
		ctrlSubs, err = r.client.SubscribeControl(r)
		if err != nil {
			return fmt.Errorf("failed to subscribe control subjects: %w", err)
		}
		defer drainSubscriptions(ctrlSubs, r.logger)

		if r.cfg.Bus.StatusEveryMS > 0 {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.publishStatusLoop(ctx)
			}()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/statusz", r.handleStatus)
	mux.HandleFunc("/resultz", r.handleResults)
	mux.Handle("/metrics", tel.handler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.StartPipeline()
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("source", r.cfg.Capture.Source),
		slog.Int("pool_size", r.cfg.Pipeline.PoolSize),
		slog.Int("buffer_capacity", r.cfg.Pipeline.BufferCapacity))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	// The source has stopped emitting by now; flush whatever the
	// accumulator is still holding and walk it through analysis and
	// return before tearing the loops down.
	r.acc.Stop()
	r.drainTransfer()
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// StartPipeline queues a start request to the producer. Queueing rather
// than calling directly keeps external control serialized with buffer
// returns on the control direction.
func (r *Runtime) StartPipeline() {
	r.queueControl(protocol.NewControl(&r.ctrlSeq, protocol.KindStartProcessing, time.Now()))
}

func (r *Runtime) StopPipeline() {
	r.queueControl(protocol.NewControl(&r.ctrlSeq, protocol.KindStopProcessing, time.Now()))
}

func (r *Runtime) UpdateBatchSize(size int) {
	r.queueControl(protocol.NewBatchConfig(&r.ctrlSeq, size, time.Now()))
}

// drainTransfer applies everything still queued in either direction, so the
// teardown flush is analyzed and its buffer returned even when the consumer
// goroutine exits before reaching it.
func (r *Runtime) drainTransfer() {
	for {
		select {
		case env := <-r.channel.Data():
			r.coord.Handle(env)
		case env := <-r.channel.Control():
			r.acc.HandleControl(env)
		default:
			return
		}
	}
}

func (r *Runtime) queueControl(env protocol.Envelope) {
	if !r.channel.SendControl(env) {
		r.logger.Warn("control direction full, request dropped",
			slog.String("kind", env.Kind.String()))
	}
}

// Status is the externally visible snapshot of pipeline health.
type Status struct {
	Running                  bool    `json:"running"`
	PoolHitRate              float64 `json:"poolHitRate"`
	PoolAvailable            int     `json:"poolAvailable"`
	PoolInFlight             int     `json:"poolInFlight"`
	AverageAcquisitionTimeMS float64 `json:"averageAcquisitionTimeMs"`
	TimeoutCount             uint64  `json:"timeoutCount"`
	DroppedFrameCount        uint64  `json:"droppedFrameCount"`
	BatchSize                int     `json:"batchSize"`
	BatchesSent              uint64  `json:"batchesSent"`
	BatchesProcessed         uint64  `json:"batchesProcessed"`
	SendFailures             uint64  `json:"sendFailures"`
	AnalyzerFailures         uint64  `json:"analyzerFailures"`
	InvalidMessages          uint64  `json:"invalidMessages"`
	Analyzers                int     `json:"analyzers"`
}

func (r *Runtime) Status() Status {
	ps := r.pool.Stats()
	as := r.acc.Stats()
	cs := r.coord.Stats()
	return Status{
		Running:                  as.Running,
		PoolHitRate:              ps.HitRate,
		PoolAvailable:            ps.Available,
		PoolInFlight:             ps.InFlight,
		AverageAcquisitionTimeMS: float64(ps.AvgRoundTrip) / float64(time.Millisecond),
		TimeoutCount:             r.sup.TimeoutCount(),
		DroppedFrameCount:        as.DroppedFrames,
		BatchSize:                as.BatchSize,
		BatchesSent:              as.Batches,
		BatchesProcessed:         cs.Batches,
		SendFailures:             as.SendFailures,
		AnalyzerFailures:         cs.AnalyzerFailures,
		InvalidMessages:          as.InvalidCtrl + cs.InvalidMessages,
		Analyzers:                cs.Analyzers,
	}
}

func (r *Runtime) publishStatusLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.Bus.StatusEveryMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.client.PublishStatus(r.Status())
		}
	}
}

func (r *Runtime) registerPipelineMetrics(meter metric.Meter) error {
	dropped, err := meter.Int64ObservableCounter("pitchpipe.frames.dropped",
		metric.WithDescription("Frames dropped because no pool buffer was available"))
	if err != nil {
		return err
	}
	sent, err := meter.Int64ObservableCounter("pitchpipe.batches.sent",
		metric.WithDescription("Batches handed to the consumer"))
	if err != nil {
		return err
	}
	processed, err := meter.Int64ObservableCounter("pitchpipe.batches.processed",
		metric.WithDescription("Batches dispatched to analyzers"))
	if err != nil {
		return err
	}
	failures, err := meter.Int64ObservableCounter("pitchpipe.analyzer.failures",
		metric.WithDescription("Analyzer errors and panics, counted per batch per analyzer"))
	if err != nil {
		return err
	}
	timeouts, err := meter.Int64ObservableCounter("pitchpipe.supervisor.timeouts",
		metric.WithDescription("In-flight buffers reclaimed after exceeding the timeout"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		as := r.acc.Stats()
		cs := r.coord.Stats()
		o.ObserveInt64(dropped, int64(as.DroppedFrames))
		o.ObserveInt64(sent, int64(as.Batches))
		o.ObserveInt64(processed, int64(cs.Batches))
		o.ObserveInt64(failures, int64(cs.AnalyzerFailures))
		o.ObserveInt64(timeouts, int64(r.sup.TimeoutCount()))
		return nil
	}, dropped, sent, processed, failures, timeouts)
	return err
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.Status()); err != nil {
		r.logger.Error("status encode error", slog.String("error", err.Error()))
	}
}

// handleResults serves the recent analysis results for one analyzer, newest
// first. Empty on an ephemeral store.
func (r *Runtime) handleResults(w http.ResponseWriter, req *http.Request) {
	analyzer := req.URL.Query().Get("analyzer")
	if analyzer == "" {
		http.Error(w, "missing analyzer parameter", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	results, err := r.store.ListRecent(req.Context(), analyzer, limit)
	if err != nil {
		r.logger.Error("result query failed", slog.String("error", err.Error()))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(results); err != nil {
		r.logger.Error("results encode error", slog.String("error", err.Error()))
	}
}

func drainSubscriptions(subs []*nats.Subscription, logger *slog.Logger) {
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Drain(); err != nil {
			logger.Warn("control subscription drain error", slog.String("error", err.Error()))
		}
	}
}
