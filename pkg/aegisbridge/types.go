package aegisbridge

import (
	"github.com/ghalamif/AegisBridge/internal/app/bridge"
	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

// Sample is one timestamped reading of a single data point.
type Sample = domain.Sample

// DeliveryGuarantee selects the broker acknowledgment a publish waits for.
type DeliveryGuarantee = domain.DeliveryGuarantee

const (
	AtMostOnce  = domain.AtMostOnce
	AtLeastOnce = domain.AtLeastOnce
	ExactlyOnce = domain.ExactlyOnce
)

// PublishResult is the broker's verdict on one publish.
type PublishResult = domain.PublishResult

// PublishedEnvelope is what the archive records for every accepted publish.
type PublishedEnvelope = domain.PublishedEnvelope

// DeadLetter is an envelope that could not be delivered.
type DeadLetter = domain.DeadLetter

// SourceSession reads points from the industrial data source.
type SourceSession = ports.SourceSession

// SourceEndpoint addresses the data source for one connect attempt.
type SourceEndpoint = ports.SourceEndpoint

// PublishSink delivers encoded envelopes to a broker.
type PublishSink = ports.PublishSink

// BrokerEndpoint addresses the broker for one connect attempt.
type BrokerEndpoint = ports.BrokerEndpoint

// TrustPolicy decides whether a peer certificate is accepted.
type TrustPolicy = ports.TrustPolicy

// CertificateInfo is what a TrustPolicy sees of a peer certificate.
type CertificateInfo = ports.CertificateInfo

// Observability emits structured logs and metrics about every run.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// DeadLetterSpool durably keeps envelopes that could not be delivered.
type DeadLetterSpool = ports.DeadLetterSpool

// SpoolEntryID identifies one dead letter in a spool.
type SpoolEntryID = ports.SpoolEntryID

// SpoolStats exposes spool metadata for observability.
type SpoolStats = ports.SpoolStats

// Archive records accepted envelopes outside the broker.
type Archive = ports.Archive

// RunConfig is the immutable per-point configuration of one Loop.
type RunConfig = bridge.RunConfig

// Loop is the sampling state machine for one point.
type Loop = bridge.Loop

// LoopState is the lifecycle state of a Loop.
type LoopState = bridge.State

// LoopStats summarizes a Loop's run so far.
type LoopStats = bridge.Stats

var (
	ErrLoopReused      = bridge.ErrLoopReused
	ErrTooManyFailures = bridge.ErrTooManyFailures
)
