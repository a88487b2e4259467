package domain

import (
	"fmt"
	"strings"
	"time"
)

// Sample is one timestamped reading of a single data point.
type Sample struct {
	PointID         string
	DisplayName     string
	Value           Value
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// ValueKind identifies the scalar type carried by a Value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindFloat
	KindInt
	KindUint
	KindString
	KindBool
	KindTime
)

func (k ValueKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "invalid"
	}
}

// Value is an immutable typed scalar read from the source.
type Value struct {
	kind ValueKind
	f    float64
	i    int64
	u    uint64
	s    string
	b    bool
	t    time.Time
}

func FloatValue(v float64) Value  { return Value{kind: KindFloat, f: v} }
func IntValue(v int64) Value      { return Value{kind: KindInt, i: v} }
func UintValue(v uint64) Value    { return Value{kind: KindUint, u: v} }
func StringValue(v string) Value  { return Value{kind: KindString, s: v} }
func BoolValue(v bool) Value      { return Value{kind: KindBool, b: v} }
func TimeValue(v time.Time) Value { return Value{kind: KindTime, t: v} }
func (v Value) Kind() ValueKind   { return v.kind }
func (v Value) Float() float64    { return v.f }
func (v Value) Int() int64        { return v.i }
func (v Value) Uint() uint64      { return v.u }
func (v Value) Str() string       { return v.s }
func (v Value) Bool() bool        { return v.b }
func (v Value) Time() time.Time   { return v.t }
func (v Value) IsValid() bool     { return v.kind != KindInvalid }

// NewValue converts a Go scalar into a Value. Unsupported types are reported
// as an error so callers can surface them as read failures.
func NewValue(raw any) (Value, error) {
	switch val := raw.(type) {
	case float32:
		return FloatValue(float64(val)), nil
	case float64:
		return FloatValue(val), nil
	case int8:
		return IntValue(int64(val)), nil
	case int16:
		return IntValue(int64(val)), nil
	case int32:
		return IntValue(int64(val)), nil
	case int64:
		return IntValue(val), nil
	case int:
		return IntValue(int64(val)), nil
	case uint8:
		return UintValue(uint64(val)), nil
	case uint16:
		return UintValue(uint64(val)), nil
	case uint32:
		return UintValue(uint64(val)), nil
	case uint64:
		return UintValue(val), nil
	case string:
		return StringValue(val), nil
	case bool:
		return BoolValue(val), nil
	case time.Time:
		return TimeValue(val), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// Interface returns the underlying Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	default:
		return nil
	}
}

func (v Value) String() string {
	if v.kind == KindTime {
		return v.t.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v.Interface())
}

// DeliveryGuarantee is the publisher/broker contract for a single publish.
type DeliveryGuarantee uint8

const (
	AtMostOnce DeliveryGuarantee = iota
	AtLeastOnce
	ExactlyOnce
)

func (g DeliveryGuarantee) String() string {
	switch g {
	case AtMostOnce:
		return "at_most_once"
	case AtLeastOnce:
		return "at_least_once"
	case ExactlyOnce:
		return "exactly_once"
	default:
		return fmt.Sprintf("delivery(%d)", uint8(g))
	}
}

// ParseDeliveryGuarantee accepts the config spellings (at_least_once,
// AT_LEAST_ONCE, at-least-once) as well as the MQTT QoS digits.
func ParseDeliveryGuarantee(s string) (DeliveryGuarantee, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch norm {
	case "at_most_once", "0":
		return AtMostOnce, nil
	case "at_least_once", "1":
		return AtLeastOnce, nil
	case "exactly_once", "2":
		return ExactlyOnce, nil
	default:
		return 0, fmt.Errorf("unknown delivery guarantee %q", s)
	}
}

// PublishResult is the broker's answer to one publish. A rejected publish is
// reported here with Accepted=false rather than as an error.
type PublishResult struct {
	Accepted         bool
	BrokerReturnCode int
}

// PublishedEnvelope describes an accepted envelope for archival.
type PublishedEnvelope struct {
	Seq         uint64
	PublisherID string
	PointID     string
	Topic       string
	Payload     []byte
	PublishedAt time.Time
}

// DeadLetter is an envelope that could not be delivered.
type DeadLetter struct {
	Seq uint64 `json:"seq"`
	// Attempt counts earlier failed publishes of the same Seq in the run.
	Attempt     int       `json:"attempt"`
	RunID       string    `json:"run_id,omitempty"`
	WriterID    string    `json:"writer_id,omitempty"`
	PublisherID string    `json:"publisher_id"`
	PointID     string    `json:"point_id"`
	Topic       string    `json:"topic"`
	Delivery    string    `json:"delivery"`
	Payload     []byte    `json:"payload"`
	Reason      string    `json:"reason"`
	FailedAt    time.Time `json:"failed_at"`
}
