package opcua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/AegisBridge/internal/adapters/trust"
	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

// Config captures the client-side details of an OPC UA session that are not
// part of the endpoint itself.
type Config struct {
	ApplicationName string        `yaml:"application_name"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.ApplicationName == "" {
		c.ApplicationName = "AegisBridge"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
}

// uaClient is the subset of *opcua.Client the source uses.
type uaClient interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Close(ctx context.Context) error
}

type discoverFunc func(ctx context.Context, endpoint string) ([]*ua.EndpointDescription, error)

type newClientFunc func(endpoint string, opts ...opcua.Option) (uaClient, error)

// Source is a SourceSession backed by gopcua. Reads are issued as a single
// ReadRequest so the value, display name and both timestamps belong to the
// same round trip.
type Source struct {
	cfg       Config
	discover  discoverFunc
	newClient newClientFunc

	mu       sync.Mutex
	client   uaClient
	endpoint string
	identity string
	closing  bool
	done     chan struct{}
	lost     chan error
	lostOnce sync.Once
}

func NewSource(cfg Config) *Source {
	cfg.ApplyDefaults()
	return &Source{
		cfg: cfg,
		discover: func(ctx context.Context, endpoint string) ([]*ua.EndpointDescription, error) {
			return opcua.GetEndpoints(ctx, endpoint)
		},
		newClient: func(endpoint string, opts ...opcua.Option) (uaClient, error) {
			return opcua.NewClient(endpoint, opts...)
		},
		lost: make(chan error, 1),
	}
}

func (s *Source) Connect(ctx context.Context, ep ports.SourceEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return fmt.Errorf("opcua source already connected to %s", s.endpoint)
	}
	if ep.Address == "" {
		return domain.NewConnectionError(domain.ErrRefused, ep.Address, errors.New("endpoint is required"))
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eps, err := s.discover(ctx, ep.Address)
	if err != nil {
		return classifyConnectErr(ep.Address, err)
	}
	desc := selectEndpoint(eps, ep.SecurityPolicy, ep.SecurityMode)
	if desc == nil {
		return domain.NewConnectionError(domain.ErrRefused, ep.Address,
			fmt.Errorf("no endpoint offers policy %s with mode %s", normalizeSecurityPolicy(ep.SecurityPolicy), normalizeSecurityMode(ep.SecurityMode)))
	}

	if len(desc.ServerCertificate) > 0 {
		v := trust.NewVerifier(ep.Trust, hostOf(ep.Address))
		if err := v.Check(ports.CertificateInfo{Raw: desc.ServerCertificate}); err != nil {
			return domain.NewConnectionError(domain.ErrUntrusted, ep.Address, err)
		}
	}

	states := make(chan opcua.ConnState, 8)
	client, err := s.newClient(ep.Address, s.clientOptions(ep, desc, timeout, states)...)
	if err != nil {
		return domain.NewConnectionError(domain.ErrRefused, ep.Address, fmt.Errorf("opcua new client: %w", err))
	}
	if err := client.Connect(ctx); err != nil {
		return classifyConnectErr(ep.Address, fmt.Errorf("opcua connect: %w", err))
	}

	s.client = client
	s.closing = false
	s.endpoint = ep.Address
	s.identity = ep.Address
	if desc.Server != nil && desc.Server.ApplicationURI != "" {
		s.identity = desc.Server.ApplicationURI
	}
	s.done = make(chan struct{})
	go s.watch(states, s.done)
	return nil
}

func (s *Source) clientOptions(ep ports.SourceEndpoint, desc *ua.EndpointDescription, timeout time.Duration, states chan<- opcua.ConnState) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(ep.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(ep.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.DialTimeout(timeout),
		opcua.RequestTimeout(s.cfg.ReadTimeout),
		opcua.AutoReconnect(false),
		opcua.StateChangedCh(states),
	}
	if len(desc.ServerCertificate) > 0 {
		opts = append(opts, opcua.RemoteCertificate(desc.ServerCertificate))
	}
	if ep.Username != "" {
		opts = append(opts, opcua.AuthUsername(ep.Username, ep.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// watch turns unsolicited disconnects into a ConnectionError on Lost.
func (s *Source) watch(states <-chan opcua.ConnState, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case st := <-states:
			if st != opcua.Disconnected && st != opcua.Closed {
				continue
			}
			s.mu.Lock()
			closing := s.closing
			endpoint := s.endpoint
			s.mu.Unlock()
			if !closing {
				s.signalLost(domain.NewConnectionError(domain.ErrConnectionLost, endpoint,
					fmt.Errorf("session state %v", st)))
			}
		}
	}
}

func (s *Source) signalLost(err error) {
	s.lostOnce.Do(func() {
		s.lost <- err
	})
}

func (s *Source) ReadPoint(ctx context.Context, pointID string) (domain.Sample, error) {
	s.mu.Lock()
	client := s.client
	endpoint := s.endpoint
	s.mu.Unlock()
	if client == nil {
		return domain.Sample{}, domain.NewReadError(domain.ErrNotConnected, pointID, nil)
	}

	nodeID, err := ua.ParseNodeID(pointID)
	if err != nil {
		return domain.Sample{}, domain.NewReadError(domain.ErrNotFound, pointID, fmt.Errorf("parse node id: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
			{NodeID: nodeID, AttributeID: ua.AttributeIDDisplayName},
		},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return domain.Sample{}, classifyReadErr(endpoint, pointID, err)
	}
	if resp == nil || len(resp.Results) == 0 || resp.Results[0] == nil {
		return domain.Sample{}, domain.NewReadError(domain.ErrBadStatus, pointID, errors.New("empty read response"))
	}

	dv := resp.Results[0]
	if dv.Status != ua.StatusOK {
		return domain.Sample{}, statusReadErr(pointID, dv.Status)
	}
	if dv.Value == nil {
		return domain.Sample{}, domain.NewReadError(domain.ErrBadStatus, pointID, errors.New("value missing"))
	}
	value, err := variantToValue(dv.Value)
	if err != nil {
		return domain.Sample{}, domain.NewReadError(domain.ErrUnsupportedType, pointID, err)
	}

	sample := domain.Sample{
		PointID:         pointID,
		DisplayName:     displayName(resp.Results),
		Value:           value,
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: dv.ServerTimestamp,
	}
	if sample.SourceTimestamp.IsZero() {
		sample.SourceTimestamp = sample.ServerTimestamp
	}
	return sample, nil
}

func (s *Source) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Source) Lost() <-chan error { return s.lost }

// Close releases the session. Calling it again, or before Connect, is a no-op.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	done := s.done
	s.client = nil
	s.done = nil
	s.closing = true
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	err := client.Close(ctx)
	if done != nil {
		close(done)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("opcua close: %w", err)
	}
	return nil
}

func displayName(results []*ua.DataValue) string {
	if len(results) < 2 || results[1] == nil || results[1].Status != ua.StatusOK || results[1].Value == nil {
		return ""
	}
	switch v := results[1].Value.Value().(type) {
	case *ua.LocalizedText:
		if v != nil {
			return v.Text
		}
	case string:
		return v
	}
	return ""
}

func selectEndpoint(eps []*ua.EndpointDescription, policy, mode string) *ua.EndpointDescription {
	wantPolicy := strings.ToLower(normalizeSecurityPolicy(policy))
	wantMode := securityMode(mode)
	for _, ep := range eps {
		if ep == nil || ep.SecurityMode != wantMode {
			continue
		}
		uri := ep.SecurityPolicyURI
		if i := strings.LastIndex(uri, "#"); i >= 0 {
			uri = uri[i+1:]
		}
		if strings.ToLower(uri) == wantPolicy {
			return ep
		}
	}
	return nil
}

func classifyConnectErr(endpoint string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ua.StatusBadTimeout),
		errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewConnectionError(domain.ErrTimeout, endpoint, err)
	case errors.Is(err, ua.StatusBadCertificateUntrusted), errors.Is(err, ua.StatusBadSecurityChecksFailed):
		return domain.NewConnectionError(domain.ErrUntrusted, endpoint, err)
	default:
		return domain.NewConnectionError(domain.ErrRefused, endpoint, err)
	}
}

func classifyReadErr(endpoint, pointID string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ua.StatusBadTimeout),
		errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewReadError(domain.ErrTimeout, pointID, err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, ua.StatusBadSessionClosed), errors.Is(err, ua.StatusBadSessionIDInvalid),
		errors.Is(err, ua.StatusBadConnectionClosed), errors.Is(err, ua.StatusBadSecureChannelClosed):
		return domain.NewConnectionError(domain.ErrConnectionLost, endpoint, err)
	default:
		return domain.NewReadError(domain.ErrBadStatus, pointID, err)
	}
}

func statusReadErr(pointID string, status ua.StatusCode) error {
	switch status {
	case ua.StatusBadNodeIDUnknown, ua.StatusBadNodeIDInvalid, ua.StatusBadAttributeIDInvalid:
		return domain.NewReadError(domain.ErrNotFound, pointID, status)
	case ua.StatusBadTimeout:
		return domain.NewReadError(domain.ErrTimeout, pointID, status)
	default:
		return domain.NewReadError(domain.ErrBadStatus, pointID, status)
	}
}

func variantToValue(v *ua.Variant) (domain.Value, error) {
	if v == nil {
		return domain.Value{}, errors.New("nil variant")
	}
	switch val := v.Value().(type) {
	case *ua.LocalizedText:
		if val == nil {
			return domain.Value{}, errors.New("nil localized text")
		}
		return domain.StringValue(val.Text), nil
	default:
		return domain.NewValue(val)
	}
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func securityMode(mode string) ua.MessageSecurityMode {
	switch normalizeSecurityMode(mode) {
	case "Sign":
		return ua.MessageSecurityModeSign
	case "SignAndEncrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	if i := strings.LastIndex(policy, "#"); i >= 0 {
		return policy[i+1:]
	}
	return policy
}

var _ ports.SourceSession = (*Source)(nil)
