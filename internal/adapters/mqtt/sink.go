// Package mqtt implements the PublishSink on top of the Eclipse Paho client.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ghalamif/AegisBridge/internal/adapters/trust"
	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

type Config struct {
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	CleanSession   *bool         `yaml:"clean_session"`
}

func (c *Config) ApplyDefaults() {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.CleanSession == nil {
		clean := true
		c.CleanSession = &clean
	}
}

// client is the subset of paho.Client the sink drives.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

type Sink struct {
	cfg       Config
	newClient func(*paho.ClientOptions) client

	mu       sync.Mutex // serializes Publish so acknowledgments complete in order
	state    sync.Mutex
	client   client
	address  string
	closing  bool
	lost     chan error
	lostOnce sync.Once
}

func NewSink(cfg Config) *Sink {
	cfg.ApplyDefaults()
	return &Sink{
		cfg: cfg,
		newClient: func(opts *paho.ClientOptions) client {
			return paho.NewClient(opts)
		},
		lost: make(chan error, 1),
	}
}

func (s *Sink) Connect(ctx context.Context, ep ports.BrokerEndpoint) error {
	s.state.Lock()
	defer s.state.Unlock()
	if s.client != nil {
		return fmt.Errorf("mqtt sink already connected to %s", s.address)
	}
	if ep.Address == "" {
		return domain.NewConnectionError(domain.ErrRefused, ep.Address, errors.New("broker address is required"))
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(ep.Address).
		SetClientID(ep.ClientID).
		SetCleanSession(*s.cfg.CleanSession).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.connectionLost(ep.Address, err)
		})
	if ep.Username != "" {
		opts.SetUsername(ep.Username)
		opts.SetPassword(ep.Password)
	}
	var verifier *trust.Verifier
	if ep.TLS {
		verifier = trust.NewVerifier(ep.Trust, hostOf(ep.Address))
		opts.SetTLSConfig(verifier.TLSConfig())
	}

	c := s.newClient(opts)
	tok := c.Connect()
	if err := wait(ctx, tok, timeout); err != nil {
		return classifyConnectErr(ep.Address, tok, verifier, err)
	}
	if err := tok.Error(); err != nil {
		return classifyConnectErr(ep.Address, tok, verifier, err)
	}

	s.client = c
	s.address = ep.Address
	s.closing = false
	return nil
}

func (s *Sink) connectionLost(address string, err error) {
	s.state.Lock()
	closing := s.closing
	s.state.Unlock()
	if closing {
		return
	}
	if err == nil {
		err = errors.New("broker connection dropped")
	}
	s.lostOnce.Do(func() {
		s.lost <- domain.NewConnectionError(domain.ErrConnectionLost, address, err)
	})
}

// Publish sends payload with the QoS matching guarantee and waits for the
// broker's acknowledgment before returning. MQTT 3.1.1 has no negative
// acknowledgment for PUBLISH, so every failed token is a PublishError.
func (s *Sink) Publish(ctx context.Context, topic string, payload []byte, guarantee domain.DeliveryGuarantee) (domain.PublishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Lock()
	c := s.client
	s.state.Unlock()
	if c == nil {
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrNotConnected, topic, nil)
	}

	tok := c.Publish(topic, QoS(guarantee), false, payload)
	if err := wait(ctx, tok, s.cfg.PublishTimeout); err != nil {
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrTimeout, topic, err)
	}
	if err := tok.Error(); err != nil {
		return domain.PublishResult{}, domain.NewPublishError(publishErrKind(err), topic, err)
	}
	return domain.PublishResult{Accepted: true}, nil
}

// publishErrKind classifies a failed publish token. Paho fails in-flight
// tokens with an unexported "connection lost before Publish completed" error
// before it runs the connection-lost handler.
func publishErrKind(err error) error {
	switch {
	case errors.Is(err, paho.ErrNotConnected), strings.Contains(err.Error(), "connection lost"):
		return domain.ErrNotConnected
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(err.Error(), "timeout"):
		return domain.ErrTimeout
	default:
		return domain.ErrBadStatus
	}
}

func (s *Sink) Lost() <-chan error { return s.lost }

// Close disconnects after giving in-flight acknowledgments up to the drain
// timeout. Calling it again is a no-op.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Lock()
	c := s.client
	s.client = nil
	s.closing = true
	s.state.Unlock()
	if c == nil {
		return nil
	}

	quiesce := s.cfg.DrainTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < quiesce {
			quiesce = max(left, 0)
		}
	}
	c.Disconnect(uint(quiesce.Milliseconds()))
	return nil
}

// QoS maps a delivery guarantee onto the MQTT quality-of-service level.
func QoS(g domain.DeliveryGuarantee) byte {
	switch g {
	case domain.AtLeastOnce:
		return 1
	case domain.ExactlyOnce:
		return 2
	default:
		return 0
	}
}

var errWaitTimeout = errors.New("timed out waiting for broker")

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errWaitTimeout
	}
}

func classifyConnectErr(address string, tok paho.Token, verifier *trust.Verifier, err error) error {
	switch {
	case verifier != nil && verifier.Rejected():
		return domain.NewConnectionError(domain.ErrUntrusted, address, err)
	case errors.Is(err, errWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.NewConnectionError(domain.ErrTimeout, address, err)
	}
	if ct, ok := tok.(*paho.ConnectToken); ok && ct.ReturnCode() != 0 {
		return domain.NewConnectionError(domain.ErrRefused, address,
			fmt.Errorf("broker return code %d: %w", ct.ReturnCode(), err))
	}
	return domain.NewConnectionError(domain.ErrRefused, address, err)
}

func hostOf(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

var _ ports.PublishSink = (*Sink)(nil)
