// Package natsjs publishes envelopes to NATS, using JetStream acknowledgments
// for the at-least-once and exactly-once guarantees.
package natsjs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ghalamif/AegisBridge/internal/adapters/trust"
	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

// NoRespondersCode is reported when no stream is bound to the subject.
const NoRespondersCode = 503

// DuplicateCode is reported when JetStream drops an exactly-once publish that
// only had a content-derived id, since the stored message may be a different
// sample that happened to encode to the same bytes.
const DuplicateCode = 409

type Config struct {
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// conn is the subset of *nats.Conn the sink drives.
type conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// streamPublisher is the subset of jetstream.JetStream the sink drives.
type streamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type dialFunc func(address string, opts ...nats.Option) (conn, streamPublisher, error)

func dialJetStream(address string, opts ...nats.Option) (conn, streamPublisher, error) {
	nc, err := nats.Connect(address, opts...)
	if err != nil {
		return nil, nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("%w: %w", errJetStream, err)
	}
	return nc, js, nil
}

var errJetStream = errors.New("jetstream")

type Sink struct {
	cfg  Config
	dial dialFunc

	mu       sync.Mutex
	conn     conn
	js       streamPublisher
	address  string
	closing  bool
	lost     chan error
	lostOnce sync.Once
}

func NewSink(cfg Config) *Sink {
	cfg.ApplyDefaults()
	return &Sink{cfg: cfg, dial: dialJetStream, lost: make(chan error, 1)}
}

func (s *Sink) Connect(ctx context.Context, ep ports.BrokerEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("nats sink already connected to %s", s.address)
	}
	if err := ctx.Err(); err != nil {
		return domain.NewConnectionError(domain.ErrTimeout, ep.Address, err)
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}

	address := ep.Address
	opts := []nats.Option{
		nats.Name(ep.ClientID),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.connectionLost(address, err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.connectionLost(address, nats.ErrConnectionClosed)
		}),
	}
	if ep.Username != "" {
		opts = append(opts, nats.UserInfo(ep.Username, ep.Password))
	}
	var verifier *trust.Verifier
	if ep.TLS {
		verifier = trust.NewVerifier(ep.Trust, hostOf(ep.Address))
		opts = append(opts, nats.Secure(verifier.TLSConfig()))
	}

	nc, js, err := s.dial(ep.Address, opts...)
	if err != nil {
		return classifyConnectErr(ep.Address, verifier, err)
	}

	s.conn = nc
	s.js = js
	s.address = ep.Address
	s.closing = false
	return nil
}

func (s *Sink) connectionLost(address string, err error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	s.lostOnce.Do(func() {
		s.lost <- domain.NewConnectionError(domain.ErrConnectionLost, address, err)
	})
}

// Publish sends payload on the subject derived from topic. At-most-once is a
// core NATS publish; the other guarantees wait for the stream's PubAck.
// Exactly-once sets Nats-Msg-Id to the message key from ctx, falling back to
// a content-derived id when the caller set none.
func (s *Sink) Publish(ctx context.Context, topic string, payload []byte, guarantee domain.DeliveryGuarantee) (domain.PublishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrNotConnected, topic, nil)
	}
	subject := Subject(topic)

	if guarantee == domain.AtMostOnce {
		if err := s.conn.Publish(subject, payload); err != nil {
			return classifyPublishErr(topic, err)
		}
		return domain.PublishResult{Accepted: true}, nil
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	keyed := false
	if guarantee == domain.ExactlyOnce {
		id := ports.MessageKey(ctx)
		keyed = id != ""
		if !keyed {
			id = MsgID(topic, payload)
		}
		msg.Header.Set(jetstream.MsgIDHeader, id)
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	ack, err := s.js.PublishMsg(pubCtx, msg)
	if err != nil {
		return classifyPublishErr(topic, err)
	}
	if ack != nil && ack.Duplicate && !keyed {
		return domain.PublishResult{Accepted: false, BrokerReturnCode: DuplicateCode}, nil
	}
	return domain.PublishResult{Accepted: true}, nil
}

func (s *Sink) Lost() <-chan error { return s.lost }

// Close flushes buffered publishes for up to the drain timeout, then closes
// the connection. Calling it again is a no-op.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	nc := s.conn
	s.conn = nil
	s.js = nil
	s.closing = true
	s.mu.Unlock()
	if nc == nil {
		return nil
	}

	flush := s.cfg.DrainTimeout
	if dl, ok := ctx.Deadline(); ok {
		flush = min(flush, time.Until(dl))
	}
	var err error
	if flush > 0 {
		if ferr := nc.FlushTimeout(flush); ferr != nil && !errors.Is(ferr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("nats flush: %w", ferr)
		}
	}
	nc.Close()
	return err
}

// Subject maps a slash-separated topic onto a NATS subject.
func Subject(topic string) string {
	topic = strings.Trim(topic, "/")
	return strings.ReplaceAll(topic, "/", ".")
}

// MsgID is the fallback exactly-once id: stable for identical topic and
// payload.
func MsgID(topic string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func classifyPublishErr(topic string, err error) (domain.PublishResult, error) {
	var apiErr *jetstream.APIError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		return domain.PublishResult{Accepted: false, BrokerReturnCode: apiErr.Code}, nil
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, jetstream.ErrNoStreamResponse):
		return domain.PublishResult{Accepted: false, BrokerReturnCode: NoRespondersCode}, nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout),
		errors.As(err, &netErr) && netErr.Timeout():
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrTimeout, topic, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrConnectionDraining):
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrNotConnected, topic, err)
	default:
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrBadStatus, topic, err)
	}
}

func classifyConnectErr(address string, verifier *trust.Verifier, err error) error {
	var netErr net.Error
	switch {
	case verifier != nil && verifier.Rejected():
		return domain.NewConnectionError(domain.ErrUntrusted, address, err)
	case errors.Is(err, errJetStream):
		return domain.NewConnectionError(domain.ErrRefused, address, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewConnectionError(domain.ErrTimeout, address, err)
	default:
		return domain.NewConnectionError(domain.ErrRefused, address, err)
	}
}

func hostOf(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

var _ ports.PublishSink = (*Sink)(nil)
