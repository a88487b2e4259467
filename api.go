package aegisbridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	base "github.com/ghalamif/AegisBridge/pkg/aegisbridge"
)

// Re-exported errors for convenience.
var (
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
	ErrMessageRejected   = base.ErrMessageRejected
	ErrRuntimeStarted    = base.ErrRuntimeStarted
	ErrLoopReused        = base.ErrLoopReused
	ErrTooManyFailures   = base.ErrTooManyFailures
)

const (
	AtMostOnce  = base.AtMostOnce
	AtLeastOnce = base.AtLeastOnce
	ExactlyOnce = base.ExactlyOnce
)

// Type aliases so consumers can import github.com/ghalamif/AegisBridge directly.
type (
	Config            = base.Config
	SourceConfig      = base.SourceConfig
	BrokerConfig      = base.BrokerConfig
	BridgeConfig      = base.BridgeConfig
	PointConfig       = base.PointConfig
	MetricsConfig     = base.MetricsConfig
	ArchiveConfig     = base.ArchiveConfig
	SpoolConfig       = base.SpoolConfig
	LogConfig         = base.LogConfig
	TrustConfig       = base.TrustConfig
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	StreamInOption    = base.StreamInOption
	StreamOutOption   = base.StreamOutOption
	Runtime           = base.Runtime
	RuntimeOption     = base.RuntimeOption
	SourceFactory     = base.SourceFactory
	SinkFactory       = base.SinkFactory
	Message           = base.Message
	MessageHandler    = base.MessageHandler
	Sample            = base.Sample
	DeliveryGuarantee = base.DeliveryGuarantee
	PublishResult     = base.PublishResult
	SourceSession     = base.SourceSession
	SourceEndpoint    = base.SourceEndpoint
	PublishSink       = base.PublishSink
	BrokerEndpoint    = base.BrokerEndpoint
	TrustPolicy       = base.TrustPolicy
	Observability     = base.Observability
	Field             = base.Field
	DeadLetter        = base.DeadLetter
	DeadLetterSpool   = base.DeadLetterSpool
	SpoolEntryID      = base.SpoolEntryID
	FileSpool         = base.FileSpool
	ReplayReport      = base.ReplayReport
	Archive           = base.Archive
	RunConfig         = base.RunConfig
	Loop              = base.Loop
	LoopState         = base.LoopState
	LoopStats         = base.LoopStats
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInSource(fn SourceFactory) StreamInOption {
	return base.StreamInSource(fn)
}

func StreamInPoints(points ...PointConfig) StreamInOption {
	return base.StreamInPoints(points...)
}

func StreamInPoint(nodeID, displayName string) StreamInOption {
	return base.StreamInPoint(nodeID, displayName)
}

func StreamInSampling(interval time.Duration, iterations int) StreamInOption {
	return base.StreamInSampling(interval, iterations)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutSink(s PublishSink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutSinkFactory(fn SinkFactory) StreamOutOption {
	return base.StreamOutSinkFactory(fn)
}

func StreamOutDelivery(g DeliveryGuarantee) StreamOutOption {
	return base.StreamOutDelivery(g)
}

func StreamOutTopic(template string) StreamOutOption {
	return base.StreamOutTopic(template)
}

func StreamOutDeadLetters(s DeadLetterSpool) StreamOutOption {
	return base.StreamOutDeadLetters(s)
}

func StreamOutArchive(a Archive) StreamOutOption {
	return base.StreamOutArchive(a)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn MessageHandler) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithSourceFactory(fn SourceFactory) RuntimeOption {
	return base.WithSourceFactory(fn)
}

func WithSinkFactory(fn SinkFactory) RuntimeOption {
	return base.WithSinkFactory(fn)
}

func WithSink(s PublishSink) RuntimeOption {
	return base.WithSink(s)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithDeadLetterSpool(s DeadLetterSpool) RuntimeOption {
	return base.WithDeadLetterSpool(s)
}

func WithArchive(a Archive) RuntimeOption {
	return base.WithArchive(a)
}

func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return base.WithRegistry(reg)
}

func WithLogger(log *slog.Logger) RuntimeOption {
	return base.WithLogger(log)
}

// Sink adapters.
func NewCallbackSink(name string, fn MessageHandler) PublishSink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (PublishSink, <-chan Message, func()) {
	return base.NewChannelSink(name, buffer)
}

// Dead letters.
func OpenDeadLetterSpool(dir string) (*FileSpool, error) {
	return base.OpenDeadLetterSpool(dir)
}

func ListDeadLetters(sp DeadLetterSpool, all bool, fn func(id SpoolEntryID, dl *DeadLetter) error) error {
	return base.ListDeadLetters(sp, all, fn)
}

func ReplayDeadLetters(ctx context.Context, sp DeadLetterSpool, sink PublishSink, g DeliveryGuarantee) (ReplayReport, error) {
	return base.ReplayDeadLetters(ctx, sp, sink, g)
}
