package aegisbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

var (
	// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
	ErrChannelSinkClosed = errors.New("aegisbridge: channel sink closed")
	// ErrMessageRejected, returned from a MessageHandler, reports the envelope
	// as rejected rather than failed.
	ErrMessageRejected = errors.New("aegisbridge: message rejected")
)

// RejectedReturnCode is the broker return code in-process sinks report for a
// rejected envelope.
const RejectedReturnCode = 0x80

// Message is one encoded envelope handed to an in-process sink.
type Message struct {
	Topic    string
	Payload  []byte
	Delivery DeliveryGuarantee
	// Key identifies the publish attempt; a replayed dead letter reuses the
	// key of the attempt that failed. Empty when the publisher set none.
	Key string
}

// MessageHandler consumes envelopes published to a callback sink.
type MessageHandler func(ctx context.Context, msg Message) error

// NewCallbackSink adapts a MessageHandler into a full PublishSink so callers
// can plug arbitrary functions without defining structs. Calls to fn are
// serialized, so one callback sink can be shared by every point.
func NewCallbackSink(name string, fn MessageHandler) PublishSink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes envelopes via a channel; it returns the sink, the
// read-only channel, and a close function that the caller should invoke
// during shutdown.
func NewChannelSink(name string, buffer int) (PublishSink, <-chan Message, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Message, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   MessageHandler
	mu   sync.Mutex
}

func (s *callbackSink) Connect(context.Context, ports.BrokerEndpoint) error {
	if s.fn == nil {
		return domain.NewConnectionError(domain.ErrRefused, s.name, fmt.Errorf("callback sink %q: nil handler", s.name))
	}
	return nil
}

func (s *callbackSink) Publish(ctx context.Context, topic string, payload []byte, g domain.DeliveryGuarantee) (domain.PublishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn == nil {
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrNotConnected, topic, nil)
	}
	err := s.fn(ctx, Message{Topic: topic, Payload: payload, Delivery: g, Key: ports.MessageKey(ctx)})
	switch {
	case err == nil:
		return domain.PublishResult{Accepted: true}, nil
	case errors.Is(err, ErrMessageRejected):
		return domain.PublishResult{Accepted: false, BrokerReturnCode: RejectedReturnCode}, nil
	case errors.Is(err, context.DeadlineExceeded):
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrTimeout, topic, err)
	default:
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrBadStatus, topic, err)
	}
}

func (s *callbackSink) Lost() <-chan error { return nil }

func (s *callbackSink) Close(context.Context) error { return nil }

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	ch     chan Message
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
}

func (s *channelSink) Connect(context.Context, ports.BrokerEndpoint) error {
	select {
	case <-s.closed:
		return domain.NewConnectionError(domain.ErrRefused, s.name, ErrChannelSinkClosed)
	default:
		return nil
	}
}

// Publish blocks until the reader takes the message, ctx ends, or the sink
// is closed.
func (s *channelSink) Publish(ctx context.Context, topic string, payload []byte, g domain.DeliveryGuarantee) (domain.PublishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrNotConnected, topic, ErrChannelSinkClosed)
	default:
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), Delivery: g, Key: ports.MessageKey(ctx)}
	select {
	case <-s.closed:
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrNotConnected, topic, ErrChannelSinkClosed)
	case <-ctx.Done():
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrTimeout, topic, ctx.Err())
	case s.ch <- msg:
		return domain.PublishResult{Accepted: true}, nil
	}
}

func (s *channelSink) Lost() <-chan error { return nil }

// Close leaves the channel open; the function returned by NewChannelSink
// closes it.
func (s *channelSink) Close(context.Context) error { return nil }

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

var (
	_ ports.PublishSink = (*callbackSink)(nil)
	_ ports.PublishSink = (*channelSink)(nil)
)
