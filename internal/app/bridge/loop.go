// Package bridge runs the sampling loop: read one point from the source,
// encode it, publish it, and repeat on a fixed cadence.
package bridge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/envelope"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

var (
	ErrLoopReused      = errors.New("aegisbridge: loop already started")
	ErrTooManyFailures = errors.New("aegisbridge: too many consecutive tick failures")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RunConfig is fixed for the lifetime of a Loop.
type RunConfig struct {
	PointID string
	// DisplayName, when set, replaces the server's display name as the
	// payload field name.
	DisplayName      string
	SamplingInterval time.Duration
	// Iterations bounds the run; zero runs until the context is cancelled.
	Iterations  int
	PublisherID string
	Delivery    domain.DeliveryGuarantee
	Topic       string
	// MaxConsecutiveFailures escalates a run to Failed; zero disables it.
	MaxConsecutiveFailures int
	FloatPrecision         int

	Source ports.SourceEndpoint
	Broker ports.BrokerEndpoint
}

func (c RunConfig) Validate() error {
	var errs []error
	if c.PointID == "" {
		errs = append(errs, errors.New("point id is required"))
	}
	if c.SamplingInterval <= 0 {
		errs = append(errs, errors.New("sampling interval must be positive"))
	}
	if c.Iterations < 0 {
		errs = append(errs, errors.New("iterations must be >= 0"))
	}
	if c.PublisherID == "" {
		errs = append(errs, errors.New("publisher id is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.MaxConsecutiveFailures < 0 {
		errs = append(errs, errors.New("max consecutive failures must be >= 0"))
	}
	if c.Source.Trust == nil {
		errs = append(errs, errors.New("source trust policy is required"))
	}
	if c.Broker.TLS && c.Broker.Trust == nil {
		errs = append(errs, errors.New("broker trust policy is required with tls"))
	}
	return errors.Join(errs...)
}

// Stats summarizes a run so far.
type Stats struct {
	Accepted        uint64
	Rejected        uint64
	ReadFailures    uint64
	PublishFailures uint64
	DeadLetters     uint64
}

type Option func(*Loop)

func WithObservability(obs ports.Observability) Option {
	return func(l *Loop) {
		if obs != nil {
			l.obs = obs
		}
	}
}

// WithArchive records every accepted envelope.
func WithArchive(a ports.Archive) Option {
	return func(l *Loop) { l.archive = a }
}

// WithDeadLetters keeps envelopes whose publish failed or was rejected.
func WithDeadLetters(s ports.DeadLetterSpool) Option {
	return func(l *Loop) { l.spool = s }
}

func WithRunID(id string) Option {
	return func(l *Loop) {
		if id != "" {
			l.runID = id
		}
	}
}

// Loop is single use: Run may be called once.
type Loop struct {
	cfg     RunConfig
	source  ports.SourceSession
	sink    ports.PublishSink
	obs     ports.Observability
	archive ports.Archive
	spool   ports.DeadLetterSpool
	encoder envelope.Encoder
	runID   string

	started atomic.Bool
	state   atomic.Int32

	// owned by the goroutine inside Run
	seq      uint64
	attempt  int // failed publishes of seq so far
	failures int
	writerID string

	mu    sync.Mutex
	err   error
	stats Stats
}

func New(cfg RunConfig, source ports.SourceSession, sink ports.PublishSink, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bridge run config: %w", err)
	}
	if source == nil || sink == nil {
		return nil, errors.New("bridge: source and sink are required")
	}
	l := &Loop{
		cfg:     cfg,
		source:  source,
		sink:    sink,
		obs:     nopObs{},
		encoder: envelope.NewEncoder(cfg.FloatPrecision),
		runID:   ulid.MustNew(ulid.Now(), ulid.Monotonic(rand.Reader, 0)).String(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) RunID() string { return l.runID }

// Err returns the error that moved the loop to Failed, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Run connects both endpoints, ticks until the iteration count is reached or
// ctx is cancelled, then closes the source followed by the sink. Cancellation
// is only observed between ticks. The returned error is the one that moved
// the loop to Failed, unchanged.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopReused
	}

	l.transition(StateConnecting)
	if err := l.connect(ctx); err != nil {
		return l.fail(ctx, err)
	}

	l.transition(StateRunning)
	if err := l.run(ctx); err != nil {
		return l.fail(ctx, err)
	}

	l.transition(StateDraining)
	if err := l.closeAll(ctx); err != nil {
		l.obs.LogError("close_failed", err, l.fields()...)
	}
	l.transition(StateStopped)
	return nil
}

func (l *Loop) connect(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := l.source.Connect(ctx, l.cfg.Source); err != nil {
		return err
	}
	if err := l.sink.Connect(ctx, l.cfg.Broker); err != nil {
		if cerr := l.source.Close(ctx); cerr != nil {
			l.obs.LogError("source_close_failed", cerr, l.fields()...)
		}
		return err
	}

	identity := l.source.Identity()
	if identity == "" {
		identity = l.cfg.Source.Address
	}
	l.writerID = envelope.WriterID(identity, l.cfg.SamplingInterval)
	l.obs.LogInfo("connected", l.fields(
		ports.Field{Key: "source", Value: identity},
		ports.Field{Key: "broker", Value: l.cfg.Broker.Address},
		ports.Field{Key: "writer_id", Value: l.writerID},
	)...)
	return nil
}

func (l *Loop) run(ctx context.Context) error {
	tickCtx := context.WithoutCancel(ctx)
	for n := 0; l.cfg.Iterations == 0 || n < l.cfg.Iterations; n++ {
		if err := l.pollLost(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		if err := l.tick(tickCtx); err != nil {
			return err
		}
		l.obs.ObserveLatency(ports.MetricTickLatency, time.Since(start).Seconds())

		if err := l.waitUntil(ctx, start.Add(l.cfg.SamplingInterval)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) tick(ctx context.Context) error {
	seq := l.seq

	sample, err := l.source.ReadPoint(ctx, l.cfg.PointID)
	if err != nil {
		if domain.IsFatal(err) {
			return err
		}
		l.obs.IncCounter(ports.MetricReadFailed, 1)
		l.count(func(s *Stats) { s.ReadFailures++ })
		return l.tickFailed(seq, err)
	}

	payload, err := l.encoder.Encode(sample, seq, l.cfg.PublisherID, l.writerID, l.fieldName(sample))
	if err != nil {
		return l.tickFailed(seq, fmt.Errorf("encode: %w", err))
	}

	key := envelope.MessageKey(l.runID, l.writerID, seq, l.attempt)
	res, err := l.sink.Publish(ports.WithMessageKey(ctx, key), l.cfg.Topic, payload, l.cfg.Delivery)
	if err != nil {
		if domain.IsFatal(err) {
			return err
		}
		l.obs.IncCounter(ports.MetricPublishFailed, 1)
		l.count(func(s *Stats) { s.PublishFailures++ })
		l.deadLetter(seq, payload, domain.ErrorKind(err))
		return l.tickFailed(seq, err)
	}
	if !res.Accepted {
		l.obs.IncCounter(ports.MetricPublishRejected, 1)
		l.count(func(s *Stats) { s.Rejected++ })
		rejected := domain.NewPublishError(domain.ErrRejected, l.cfg.Topic,
			fmt.Errorf("broker return code %d", res.BrokerReturnCode))
		l.deadLetter(seq, payload, fmt.Sprintf("publish/rejected: %d", res.BrokerReturnCode))
		return l.tickFailed(seq, rejected)
	}

	l.seq++
	l.attempt = 0
	l.failures = 0
	l.obs.SetGauge(ports.MetricConsecutiveFailures, 0)
	l.obs.IncCounter(ports.MetricPublishAccepted, 1)
	l.count(func(s *Stats) { s.Accepted++ })
	l.obs.LogInfo("published", l.fields(
		ports.Field{Key: "seq", Value: seq},
		ports.Field{Key: "topic", Value: l.cfg.Topic},
	)...)

	if l.archive != nil {
		err := l.archive.Record(ctx, domain.PublishedEnvelope{
			Seq:         seq,
			PublisherID: l.cfg.PublisherID,
			PointID:     l.cfg.PointID,
			Topic:       l.cfg.Topic,
			Payload:     payload,
			PublishedAt: time.Now().UTC(),
		})
		if err != nil {
			l.obs.LogError("archive_failed", err, l.fields(
				ports.Field{Key: "seq", Value: seq},
				ports.Field{Key: "archive", Value: l.archive.Name()},
			)...)
		}
	}
	return nil
}

// tickFailed records a recoverable tick failure and escalates once the
// configured number of consecutive failures is reached.
func (l *Loop) tickFailed(seq uint64, err error) error {
	l.failures++
	l.obs.SetGauge(ports.MetricConsecutiveFailures, float64(l.failures))
	l.obs.LogError("tick_failed", err, l.fields(
		ports.Field{Key: "seq", Value: seq},
		ports.Field{Key: "error_kind", Value: domain.ErrorKind(err)},
		ports.Field{Key: "consecutive_failures", Value: l.failures},
	)...)
	if limit := l.cfg.MaxConsecutiveFailures; limit > 0 && l.failures >= limit {
		return fmt.Errorf("%w (%d in a row): %w", ErrTooManyFailures, l.failures, err)
	}
	return nil
}

// deadLetter spools a payload the broker did not take. The next publish of
// the same seq is a new attempt, whether or not a spool is configured.
func (l *Loop) deadLetter(seq uint64, payload []byte, reason string) {
	attempt := l.attempt
	l.attempt++
	if l.spool == nil {
		return
	}
	dl := &domain.DeadLetter{
		Seq:         seq,
		Attempt:     attempt,
		RunID:       l.runID,
		WriterID:    l.writerID,
		PublisherID: l.cfg.PublisherID,
		PointID:     l.cfg.PointID,
		Topic:       l.cfg.Topic,
		Delivery:    l.cfg.Delivery.String(),
		Payload:     payload,
		Reason:      reason,
		FailedAt:    time.Now().UTC(),
	}
	id, err := l.spool.Append(dl)
	l.obs.RecordDeadLetter(id, dl, err)
	if err == nil {
		l.count(func(s *Stats) { s.DeadLetters++ })
		l.obs.SetGauge(ports.MetricSpoolSize, float64(l.spool.Stats().SizeBytes))
	}
}

func (l *Loop) fieldName(s domain.Sample) string {
	switch {
	case l.cfg.DisplayName != "":
		return l.cfg.DisplayName
	case s.DisplayName != "":
		return s.DisplayName
	default:
		return l.cfg.PointID
	}
}

// waitUntil sleeps until the next tick slot. It returns early without error
// on cancellation, and with the connection error if either side drops.
func (l *Loop) waitUntil(ctx context.Context, next time.Time) error {
	d := time.Until(next)
	if d <= 0 {
		return l.pollLost()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	case err := <-l.source.Lost():
		return asConnectionLost(err, l.cfg.Source.Address)
	case err := <-l.sink.Lost():
		return asConnectionLost(err, l.cfg.Broker.Address)
	}
}

func (l *Loop) pollLost() error {
	select {
	case err := <-l.source.Lost():
		return asConnectionLost(err, l.cfg.Source.Address)
	case err := <-l.sink.Lost():
		return asConnectionLost(err, l.cfg.Broker.Address)
	default:
		return nil
	}
}

func asConnectionLost(err error, endpoint string) error {
	if domain.IsFatal(err) {
		return err
	}
	return domain.NewConnectionError(domain.ErrConnectionLost, endpoint, err)
}

func (l *Loop) fail(ctx context.Context, err error) error {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()

	l.obs.LogCritical("run_failed", err, l.fields(
		ports.Field{Key: "state", Value: l.State().String()},
		ports.Field{Key: "error_kind", Value: domain.ErrorKind(err)},
	)...)
	if cerr := l.closeAll(ctx); cerr != nil {
		l.obs.LogError("close_failed", cerr, l.fields()...)
	}
	l.transition(StateFailed)
	return err
}

// closeAll closes the source first, then the sink, so the sink can still
// collect acknowledgments for earlier ticks while the source goes away.
func (l *Loop) closeAll(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return errors.Join(l.source.Close(ctx), l.sink.Close(ctx))
}

func (l *Loop) transition(to State) {
	from := State(l.state.Swap(int32(to)))
	l.obs.LogInfo("state_transition", l.fields(
		ports.Field{Key: "from", Value: from.String()},
		ports.Field{Key: "to", Value: to.String()},
	)...)
}

func (l *Loop) count(fn func(*Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

func (l *Loop) fields(extra ...ports.Field) []ports.Field {
	out := make([]ports.Field, 0, len(extra)+2)
	out = append(out,
		ports.Field{Key: "run_id", Value: l.runID},
		ports.Field{Key: "point_id", Value: l.cfg.PointID},
	)
	return append(out, extra...)
}

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)                                 {}
func (nopObs) LogError(string, error, ...ports.Field)                         {}
func (nopObs) LogCritical(string, error, ...ports.Field)                      {}
func (nopObs) IncCounter(string, float64)                                     {}
func (nopObs) ObserveLatency(string, float64)                                 {}
func (nopObs) SetGauge(string, float64)                                       {}
func (nopObs) RecordDeadLetter(ports.SpoolEntryID, *domain.DeadLetter, error) {}
