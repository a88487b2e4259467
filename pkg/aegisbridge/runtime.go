package aegisbridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/AegisBridge/internal/adapters/archive"
	"github.com/ghalamif/AegisBridge/internal/adapters/mqtt"
	"github.com/ghalamif/AegisBridge/internal/adapters/natsjs"
	"github.com/ghalamif/AegisBridge/internal/adapters/observability"
	"github.com/ghalamif/AegisBridge/internal/adapters/opcua"
	"github.com/ghalamif/AegisBridge/internal/adapters/spool"
	"github.com/ghalamif/AegisBridge/internal/adapters/trust"
	"github.com/ghalamif/AegisBridge/internal/app/bridge"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

// ErrRuntimeStarted is returned when Run is called a second time.
var ErrRuntimeStarted = errors.New("aegisbridge: runtime already started")

const shutdownTimeout = 5 * time.Second

// SourceFactory returns a fresh, unconnected session for one point.
type SourceFactory func() SourceSession

// SinkFactory returns the sink one point publishes through. It may return the
// same instance for every point when that sink serializes its own publishes.
type SinkFactory func() PublishSink

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	newSource     SourceFactory
	newSink       SinkFactory
	observability Observability
	spool         DeadLetterSpool
	archive       Archive
	registry      *prometheus.Registry
	logger        *slog.Logger
}

// WithSourceFactory replaces the OPC UA session, for simulators or tests.
func WithSourceFactory(fn SourceFactory) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.newSource = fn
	}
}

// WithSinkFactory replaces the broker transport selected by broker.kind.
func WithSinkFactory(fn SinkFactory) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.newSink = fn
	}
}

// WithSink shares one sink between every point.
func WithSink(s PublishSink) RuntimeOption {
	return func(o *runtimeOverrides) {
		if s != nil {
			o.newSink = func() PublishSink { return s }
		}
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithDeadLetterSpool keeps undeliverable envelopes in s instead of the file
// spool configured under spool.dir.
func WithDeadLetterSpool(s DeadLetterSpool) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.spool = s
	}
}

// WithArchive records accepted envelopes in a instead of the TimescaleDB
// archive configured under archive.conn_string.
func WithArchive(a Archive) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.archive = a
	}
}

// WithRegistry registers the default metrics on reg and serves reg on
// /metrics instead of the process-wide registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithLogger sets the logger behind the default observability backend.
func WithLogger(log *slog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = log
	}
}

// Runtime runs one Loop per configured point and serves their metrics. A
// Runtime is single use.
type Runtime struct {
	cfg        *Config
	obs        ports.Observability
	gatherer   prometheus.Gatherer
	newSource  SourceFactory
	newSink    SinkFactory
	spool      ports.DeadLetterSpool
	archive    ports.Archive
	runConfigs []bridge.RunConfig

	ownSpool *spool.FileSpool
	db       *sql.DB

	started      atomic.Bool
	mu           sync.Mutex
	loops        []*bridge.Loop
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewRuntime bootstraps the default adapters (OPC UA source, MQTT or NATS
// sink, file spool, Prometheus observability) from cfg. Callers can use
// RuntimeOption values to override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if overrides.registry != nil {
		reg, gatherer = overrides.registry, overrides.registry
	}
	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs(reg, overrides.logger)
	}

	sourceTrust, err := trust.New(cfg.Source.Trust)
	if err != nil {
		return nil, fmt.Errorf("source.trust: %w", err)
	}
	brokerTrust, err := trust.New(cfg.Broker.Trust)
	if err != nil {
		return nil, fmt.Errorf("broker.trust: %w", err)
	}

	runConfigs := RunConfigs(cfg, sourceTrust, brokerTrust)
	for _, rc := range runConfigs {
		if err := rc.Validate(); err != nil {
			return nil, fmt.Errorf("point %s: %w", rc.PointID, err)
		}
	}
	if len(runConfigs) == 0 {
		return nil, fmt.Errorf("bridge.points requires at least one node")
	}

	newSource := overrides.newSource
	if newSource == nil {
		srcCfg := opcua.Config{
			ApplicationName: cfg.Source.ApplicationName,
			ReadTimeout:     cfg.Source.ReadTimeout,
		}
		newSource = func() SourceSession { return opcua.NewSource(srcCfg) }
	}

	newSink := overrides.newSink
	if newSink == nil {
		newSink, err = defaultSinkFactory(cfg.Broker)
		if err != nil {
			return nil, err
		}
	}

	rt := &Runtime{
		cfg:        cfg,
		obs:        obs,
		gatherer:   gatherer,
		newSource:  newSource,
		newSink:    newSink,
		spool:      overrides.spool,
		archive:    overrides.archive,
		runConfigs: runConfigs,
	}
	if rt.spool == nil && cfg.Spool.Dir != "" {
		fs, err := spool.NewFileSpool(cfg.Spool.Dir)
		if err != nil {
			return nil, fmt.Errorf("dead-letter spool: %w", err)
		}
		rt.spool = fs
		rt.ownSpool = fs
	}
	return rt, nil
}

func defaultSinkFactory(b BrokerConfig) (SinkFactory, error) {
	switch b.Kind {
	case BrokerMQTT, "":
		cfg := mqtt.Config{
			PublishTimeout: b.PublishTimeout,
			DrainTimeout:   b.DrainTimeout,
			KeepAlive:      b.KeepAlive,
		}
		return func() PublishSink { return mqtt.NewSink(cfg) }, nil
	case BrokerNATS:
		cfg := natsjs.Config{
			PublishTimeout: b.PublishTimeout,
			DrainTimeout:   b.DrainTimeout,
		}
		return func() PublishSink { return natsjs.NewSink(cfg) }, nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", b.Kind)
	}
}

// RunConfigs derives one RunConfig per configured point. With more than one
// point each gets its own broker client id, suffixed -p1, -p2 and so on.
func RunConfigs(cfg *Config, sourceTrust, brokerTrust TrustPolicy) []RunConfig {
	points := cfg.Bridge.Points
	out := make([]RunConfig, 0, len(points))
	for i, p := range points {
		clientID := cfg.Broker.ClientID
		if len(points) > 1 {
			clientID = fmt.Sprintf("%s-p%d", clientID, i+1)
		}
		out = append(out, RunConfig{
			PointID:                p.NodeID,
			DisplayName:            p.DisplayName,
			SamplingInterval:       cfg.Bridge.SamplingInterval,
			Iterations:             cfg.Bridge.Iterations,
			PublisherID:            cfg.Bridge.PublisherID,
			Delivery:               cfg.Broker.Guarantee(),
			Topic:                  cfg.Broker.Topic(clientID, cfg.Bridge.PublisherID),
			MaxConsecutiveFailures: intOr(cfg.Bridge.MaxConsecutiveFailures, 3),
			FloatPrecision:         intOr(cfg.Bridge.FloatPrecision, -1),
			Source: ports.SourceEndpoint{
				Address:        cfg.Source.Endpoint,
				SecurityPolicy: cfg.Source.SecurityPolicy,
				SecurityMode:   cfg.Source.SecurityMode,
				Username:       cfg.Source.Username,
				Password:       cfg.Source.Password,
				Trust:          sourceTrust,
				Timeout:        cfg.Source.ConnectTimeout,
			},
			Broker: ports.BrokerEndpoint{
				Address:  cfg.Broker.Address,
				ClientID: clientID,
				Username: cfg.Broker.Username,
				Password: cfg.Broker.Password,
				TLS:      cfg.Broker.TLS,
				Trust:    brokerTrust,
				Timeout:  cfg.Broker.ConnectTimeout,
			},
		})
	}
	return out
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// Loops returns the loops started by Run, in point order.
func (r *Runtime) Loops() []*Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Loop(nil), r.loops...)
}

// Run starts one Loop per point plus the metrics server and blocks until
// every loop has finished. Cancelling ctx drains the loops; a loop that fails
// cancels its siblings. The first loop error is returned, joined with any
// shutdown error.
func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if !r.started.CompareAndSwap(false, true) {
		return ErrRuntimeStarted
	}

	err := r.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(err, r.Shutdown(shutdownCtx))
}

func (r *Runtime) run(ctx context.Context) error {
	if err := r.openArchive(ctx); err != nil {
		return err
	}

	opts := []bridge.Option{bridge.WithObservability(r.obs)}
	if r.spool != nil {
		opts = append(opts, bridge.WithDeadLetters(r.spool))
	}
	if r.archive != nil {
		opts = append(opts, bridge.WithArchive(r.archive))
	}

	loops := make([]*bridge.Loop, 0, len(r.runConfigs))
	for _, rc := range r.runConfigs {
		l, err := bridge.New(rc, r.newSource(), r.newSink(), opts...)
		if err != nil {
			return fmt.Errorf("point %s: %w", rc.PointID, err)
		}
		loops = append(loops, l)
	}
	r.mu.Lock()
	r.loops = loops
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	var running sync.WaitGroup
	for i, l := range loops {
		pointID := r.runConfigs[i].PointID
		running.Add(1)
		g.Go(func() error {
			defer running.Done()
			if err := l.Run(gctx); err != nil {
				return fmt.Errorf("point %s: %w", pointID, err)
			}
			return nil
		})
	}
	loopsDone := make(chan struct{})
	go func() {
		running.Wait()
		close(loopsDone)
	}()

	if srv := r.metricsServer(); srv != nil {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-loopsDone
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if r.spool != nil {
		g.Go(func() error {
			r.recordSpoolGauge(loopsDone, time.Second)
			return nil
		})
	}

	r.obs.LogInfo("runtime_started",
		ports.Field{Key: "points", Value: len(loops)},
		ports.Field{Key: "broker", Value: r.cfg.Broker.Kind})
	return g.Wait()
}

func (r *Runtime) openArchive(ctx context.Context) error {
	if r.archive != nil || r.cfg.Archive.ConnString == "" {
		return nil
	}
	db, err := archive.Open(ctx, r.cfg.Archive.ConnString)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	r.db = db
	a, err := archive.NewTimescaleArchive(db, r.cfg.Archive.Table)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := a.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	r.archive = a
	return nil
}

func (r *Runtime) metricsServer() *http.Server {
	if r.cfg.Metrics.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (r *Runtime) recordSpoolGauge(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.obs.SetGauge(ports.MetricSpoolSize, float64(r.spool.Stats().SizeBytes))
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Shutdown releases the spool and archive connection owned by the runtime.
// Run calls it on exit; calling it again is a no-op.
func (r *Runtime) Shutdown(context.Context) error {
	r.shutdownOnce.Do(func() {
		var errs []error
		if r.ownSpool != nil {
			if err := r.ownSpool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close spool: %w", err))
			}
		}
		if r.db != nil {
			if err := r.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close archive: %w", err))
			}
		}
		r.shutdownErr = errors.Join(errs...)
	})
	return r.shutdownErr
}
