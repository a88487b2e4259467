package aegisbridge

import (
	"github.com/ghalamif/AegisBridge/internal/adapters/trust"
	"github.com/ghalamif/AegisBridge/internal/app/config"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// SourceConfig addresses the OPC UA server.
	SourceConfig = config.SourceConfig
	// BrokerConfig addresses the MQTT broker or NATS server.
	BrokerConfig = config.BrokerConfig
	// BridgeConfig holds the sampling cadence and the points to bridge.
	BridgeConfig = config.BridgeConfig
	// PointConfig describes one bridged node.
	PointConfig = config.PointConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// ArchiveConfig configures the optional TimescaleDB archive.
	ArchiveConfig = config.ArchiveConfig
	// SpoolConfig configures the optional dead-letter spool.
	SpoolConfig = config.SpoolConfig
	// LogConfig selects the slog level and handler.
	LogConfig = config.LogConfig
	// TrustConfig selects a certificate trust policy.
	TrustConfig = trust.Config
)

const (
	BrokerMQTT = config.BrokerMQTT
	BrokerNATS = config.BrokerNATS

	TrustAlwaysAccept = trust.ModeAlwaysAccept
	TrustSystem       = trust.ModeSystem
	TrustPinned       = trust.ModePinned
)

// LoadConfig reads, defaults, and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig is LoadConfig for YAML already in memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
