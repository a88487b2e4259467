package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

// LevelCritical sits above slog.LevelError for failures that end a run.
const LevelCritical = slog.Level(12)

type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the bridge metrics on reg (the default registerer when
// nil) and logs through log (slog.Default when nil).
func NewPromObs(reg prometheus.Registerer, log *slog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = slog.Default()
	}

	accepted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricPublishAccepted,
		Help: "Envelopes the broker accepted.",
	})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricPublishRejected,
		Help: "Envelopes the broker answered with a rejection.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricPublishFailed,
		Help: "Publishes that ended without a broker verdict.",
	})
	readFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricReadFailed,
		Help: "Point reads that failed within a tick.",
	})
	deadLetters := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricDeadLetters,
		Help: "Envelopes written to the dead-letter spool.",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricTickLatency,
		Help:    "Duration of one read, encode and publish tick.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	consecutive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricConsecutiveFailures,
		Help: "Failed ticks since the last accepted publish.",
	})
	spoolSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricSpoolSize,
		Help: "Size of the dead-letter spool on disk.",
	})

	reg.MustRegister(accepted, rejected, failed, readFailed, deadLetters, latency, consecutive, spoolSize)

	return &PromObs{
		log: log,
		counters: map[string]prometheus.Counter{
			ports.MetricPublishAccepted: accepted,
			ports.MetricPublishRejected: rejected,
			ports.MetricPublishFailed:   failed,
			ports.MetricReadFailed:      readFailed,
			ports.MetricDeadLetters:     deadLetters,
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricConsecutiveFailures: consecutive,
			ports.MetricSpoolSize:           spoolSize,
		},
		histos: map[string]prometheus.Observer{
			ports.MetricTickLatency: latency,
		},
	}
}

// With returns a PromObs sharing the same metrics whose log lines carry fields.
func (p *PromObs) With(fields ...ports.Field) *PromObs {
	cp := *p
	cp.log = p.log.With(attrs(fields)...)
	return &cp
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Log(context.Background(), LevelCritical, msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDeadLetter(id ports.SpoolEntryID, dl *domain.DeadLetter, err error) {
	if err != nil {
		p.LogError("dead letter not spooled", err, deadLetterFields(dl)...)
		return
	}
	p.IncCounter(ports.MetricDeadLetters, 1)
	p.log.Warn("envelope dead-lettered", append(attrs(deadLetterFields(dl)), slog.Uint64("spool_id", uint64(id)))...)
}

func deadLetterFields(dl *domain.DeadLetter) []ports.Field {
	if dl == nil {
		return nil
	}
	return []ports.Field{
		{Key: "seq", Value: dl.Seq},
		{Key: "point_id", Value: dl.PointID},
		{Key: "topic", Value: dl.Topic},
		{Key: "reason", Value: dl.Reason},
	}
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
