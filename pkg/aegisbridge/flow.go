package aegisbridge

import (
	"context"
	"fmt"
	"time"
)

// Flow is a convenience builder that lets callers say Conf → StreamIN → StreamOUT
// without touching the underlying hexagonal wiring.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// StreamInOption configures the source side of the bridge.
type StreamInOption func(*Flow)

// StreamOutOption configures the sink, spool, archive and observability side.
type StreamOutOption func(*Flow)

// Conf loads YAML from disk, applies FlowOption values, and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the underlying configuration so callers can tweak it before building a runtime.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw RuntimeOption values to the builder for advanced scenarios.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

// StreamIN records source-side overrides.
func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT records sink-side overrides and builds a Runtime ready to run.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for StreamOUT + runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends RuntimeOption values during Conf.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// StreamInSource injects a custom source, for simulators or other protocols.
func StreamInSource(fn SourceFactory) StreamInOption {
	return func(f *Flow) {
		if f != nil && fn != nil {
			f.appendOptions(WithSourceFactory(fn))
		}
	}
}

// StreamInPoints replaces bridge.points. Each point runs its own loop.
func StreamInPoints(points ...PointConfig) StreamInOption {
	return func(f *Flow) {
		if f != nil && len(points) > 0 {
			f.cfg.Bridge.Points = append([]PointConfig(nil), points...)
		}
	}
}

// StreamInPoint adds one node to bridge.points. An empty displayName keeps
// the server's display name as the payload field.
func StreamInPoint(nodeID, displayName string) StreamInOption {
	return func(f *Flow) {
		if f != nil && nodeID != "" {
			f.cfg.Bridge.Points = append(f.cfg.Bridge.Points, PointConfig{NodeID: nodeID, DisplayName: displayName})
		}
	}
}

// StreamInSampling sets the tick interval and the iteration bound (zero runs
// until cancelled). A non-positive interval keeps the configured one.
func StreamInSampling(interval time.Duration, iterations int) StreamInOption {
	return func(f *Flow) {
		if f == nil {
			return
		}
		if interval > 0 {
			f.cfg.Bridge.SamplingInterval = interval
		}
		f.cfg.Bridge.Iterations = iterations
	}
}

// StreamInObservability overrides the default Prometheus-based observability stack.
func StreamInObservability(obs Observability) StreamInOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// StreamOutSink shares s between every point instead of dialing the configured broker.
func StreamOutSink(s PublishSink) StreamOutOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithSink(s))
		}
	}
}

// StreamOutSinkFactory builds one sink per point.
func StreamOutSinkFactory(fn SinkFactory) StreamOutOption {
	return func(f *Flow) {
		if f != nil && fn != nil {
			f.appendOptions(WithSinkFactory(fn))
		}
	}
}

// StreamOutDelivery sets the delivery guarantee of every point.
func StreamOutDelivery(g DeliveryGuarantee) StreamOutOption {
	return func(f *Flow) {
		if f != nil {
			f.cfg.Broker.Delivery = g.String()
		}
	}
}

// StreamOutTopic replaces broker.topic_template; {client_id} and
// {publisher_id} are expanded per point.
func StreamOutTopic(template string) StreamOutOption {
	return func(f *Flow) {
		if f != nil && template != "" {
			f.cfg.Broker.TopicTemplate = template
		}
	}
}

// StreamOutDeadLetters replaces the file spool configured under spool.dir.
func StreamOutDeadLetters(s DeadLetterSpool) StreamOutOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithDeadLetterSpool(s))
		}
	}
}

// StreamOutArchive replaces the TimescaleDB archive configured under archive.conn_string.
func StreamOutArchive(a Archive) StreamOutOption {
	return func(f *Flow) {
		if f != nil && a != nil {
			f.appendOptions(WithArchive(a))
		}
	}
}

// StreamOutObservability replaces the default observability backend.
func StreamOutObservability(obs Observability) StreamOutOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// StreamOutCallback installs a sink built from a simple callback function.
func StreamOutCallback(name string, fn MessageHandler) StreamOutOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithSink(NewCallbackSink(name, fn)))
		}
	}
}

func (f *Flow) appendOptions(opts ...RuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
