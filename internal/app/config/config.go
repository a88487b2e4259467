package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/AegisBridge/internal/adapters/trust"
	"github.com/ghalamif/AegisBridge/internal/domain"
)

const (
	BrokerMQTT = "mqtt"
	BrokerNATS = "nats"

	DefaultTopicTemplate = "devices/{client_id}/messages/events/"
)

type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Broker  BrokerConfig  `yaml:"broker"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Metrics MetricsConfig `yaml:"metrics"`
	Archive ArchiveConfig `yaml:"archive"`
	Spool   SpoolConfig   `yaml:"spool"`
	Log     LogConfig     `yaml:"log"`
}

type SourceConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	SecurityPolicy  string        `yaml:"security_policy"`
	SecurityMode    string        `yaml:"security_mode"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ApplicationName string        `yaml:"application_name"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	Trust           trust.Config  `yaml:"trust"`
}

type BrokerConfig struct {
	Kind           string        `yaml:"kind"`
	Address        string        `yaml:"address"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicTemplate  string        `yaml:"topic_template"`
	Delivery       string        `yaml:"delivery"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	TLS            bool          `yaml:"tls"`
	Trust          trust.Config  `yaml:"trust"`
}

// Topic expands the template for one bridge instance.
func (b BrokerConfig) Topic(clientID, publisherID string) string {
	return strings.NewReplacer(
		"{client_id}", clientID,
		"{publisher_id}", publisherID,
	).Replace(b.TopicTemplate)
}

// Guarantee returns the parsed delivery guarantee. Load has already
// validated it.
func (b BrokerConfig) Guarantee() domain.DeliveryGuarantee {
	g, _ := domain.ParseDeliveryGuarantee(b.Delivery)
	return g
}

type BridgeConfig struct {
	PublisherID      string        `yaml:"publisher_id"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	// Iterations bounds each run; zero runs until cancelled.
	Iterations             int           `yaml:"iterations"`
	MaxConsecutiveFailures *int          `yaml:"max_consecutive_failures"`
	FloatPrecision         *int          `yaml:"float_precision"`
	Points                 []PointConfig `yaml:"points"`
}

type PointConfig struct {
	NodeID string `yaml:"node_id"`
	// DisplayName overrides the server's display name as the payload field.
	DisplayName string `yaml:"display_name"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ArchiveConfig is optional; an empty conn_string disables the archive.
type ArchiveConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

// SpoolConfig is optional; an empty dir disables dead-lettering.
type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.SecurityPolicy == "" {
		c.Source.SecurityPolicy = "None"
	}
	if c.Source.SecurityMode == "" {
		c.Source.SecurityMode = "None"
	}
	if c.Source.ApplicationName == "" {
		c.Source.ApplicationName = "AegisBridge"
	}
	if c.Source.ConnectTimeout == 0 {
		c.Source.ConnectTimeout = 30 * time.Second
	}
	if c.Source.ReadTimeout == 0 {
		c.Source.ReadTimeout = 10 * time.Second
	}

	if c.Broker.Kind == "" {
		c.Broker.Kind = BrokerMQTT
	}
	if c.Broker.TopicTemplate == "" {
		c.Broker.TopicTemplate = DefaultTopicTemplate
	}
	if c.Broker.Delivery == "" {
		c.Broker.Delivery = domain.AtLeastOnce.String()
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = 30 * time.Second
	}
	if c.Broker.PublishTimeout == 0 {
		c.Broker.PublishTimeout = 10 * time.Second
	}
	if c.Broker.DrainTimeout == 0 {
		c.Broker.DrainTimeout = 5 * time.Second
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 30 * time.Second
	}

	if c.Bridge.PublisherID == "" {
		c.Bridge.PublisherID = c.Broker.ClientID
	}
	if c.Bridge.SamplingInterval == 0 {
		c.Bridge.SamplingInterval = time.Second
	}
	if c.Bridge.MaxConsecutiveFailures == nil {
		n := 3
		c.Bridge.MaxConsecutiveFailures = &n
	}
	if c.Bridge.FloatPrecision == nil {
		p := -1
		c.Bridge.FloatPrecision = &p
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Archive.Table == "" {
		c.Archive.Table = "bridge_envelopes"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Source.Endpoint == "" {
		errs = append(errs, errors.New("source.endpoint is required"))
	}
	if c.Source.ConnectTimeout < 0 || c.Source.ReadTimeout < 0 {
		errs = append(errs, errors.New("source timeouts must be positive"))
	}
	if err := c.Source.Trust.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("source.trust: %w", err))
	}

	switch c.Broker.Kind {
	case BrokerMQTT, BrokerNATS:
	default:
		errs = append(errs, fmt.Errorf("broker.kind %q must be %s or %s", c.Broker.Kind, BrokerMQTT, BrokerNATS))
	}
	if c.Broker.Address == "" {
		errs = append(errs, errors.New("broker.address is required"))
	}
	if c.Broker.ClientID == "" {
		errs = append(errs, errors.New("broker.client_id is required"))
	}
	if _, err := domain.ParseDeliveryGuarantee(c.Broker.Delivery); err != nil {
		errs = append(errs, fmt.Errorf("broker.delivery: %w", err))
	}
	if c.Broker.ConnectTimeout < 0 || c.Broker.PublishTimeout < 0 || c.Broker.DrainTimeout < 0 {
		errs = append(errs, errors.New("broker timeouts must be positive"))
	}
	if err := c.Broker.Trust.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("broker.trust: %w", err))
	}

	if c.Bridge.SamplingInterval < 0 {
		errs = append(errs, errors.New("bridge.sampling_interval must be positive"))
	}
	if c.Bridge.Iterations < 0 {
		errs = append(errs, errors.New("bridge.iterations must be >= 0"))
	}
	if *c.Bridge.MaxConsecutiveFailures < 0 {
		errs = append(errs, errors.New("bridge.max_consecutive_failures must be >= 0"))
	}
	if p := *c.Bridge.FloatPrecision; p < -1 || p > 17 {
		errs = append(errs, fmt.Errorf("bridge.float_precision %d out of range [-1, 17]", p))
	}
	if len(c.Bridge.Points) == 0 {
		errs = append(errs, errors.New("bridge.points requires at least one node"))
	}
	seen := make(map[string]struct{}, len(c.Bridge.Points))
	for i, p := range c.Bridge.Points {
		if p.NodeID == "" {
			errs = append(errs, fmt.Errorf("bridge.points[%d].node_id is required", i))
			continue
		}
		if _, dup := seen[p.NodeID]; dup {
			errs = append(errs, fmt.Errorf("bridge.points[%d]: duplicate node_id %q", i, p.NodeID))
		}
		seen[p.NodeID] = struct{}{}
	}

	if c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required"))
	}
	return errors.Join(errs...)
}
