package ports

import "github.com/ghalamif/AegisBridge/internal/domain"

// Metric names understood by Observability implementations.
const (
	MetricPublishAccepted     = "bridge_publish_accepted_total"
	MetricPublishRejected     = "bridge_publish_rejected_total"
	MetricPublishFailed       = "bridge_publish_failed_total"
	MetricReadFailed          = "bridge_read_failed_total"
	MetricDeadLetters         = "bridge_deadletters_total"
	MetricTickLatency         = "bridge_tick_latency_seconds"
	MetricConsecutiveFailures = "bridge_consecutive_failures"
	MetricSpoolSize           = "bridge_spool_size_bytes"
)

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordDeadLetter(id SpoolEntryID, dl *domain.DeadLetter, err error)
}

type Field struct {
	Key   string
	Value any
}
