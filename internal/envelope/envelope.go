// Package envelope builds the pub/sub JSON message published for each sample.
//
// The wire layout follows the OPC UA PubSub JSON network message:
//
//	{"MessageId":"0","MessageType":"ua-data","PublisherId":"...",
//	 "Messages":[{"DataSetWriterId":"...","Payload":{"<display name>":<value>}}]}
//
// Field order is fixed by the struct declarations below and must not change;
// streaming consumers depend on it.
package envelope

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ghalamif/AegisBridge/internal/domain"
)

// MessageType identifies the envelope schema.
const MessageType = "ua-data"

// DefaultFloatPrecision selects the shortest round-trip decimal form.
const DefaultFloatPrecision = -1

var codec = sonic.ConfigStd

type Envelope struct {
	MessageID   string           `json:"MessageId"`
	MessageType string           `json:"MessageType"`
	PublisherID string           `json:"PublisherId"`
	Messages    []DataSetMessage `json:"Messages"`
}

type DataSetMessage struct {
	DataSetWriterID string  `json:"DataSetWriterId"`
	Payload         Payload `json:"Payload"`
}

// Payload is a single-field object mapping a display name to a value.
type Payload struct {
	Field     string
	Value     domain.Value
	precision int
}

func (p Payload) MarshalJSON() ([]byte, error) {
	key, err := codec.Marshal(p.Field)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(key)+32)
	buf = append(buf, '{')
	buf = append(buf, key...)
	buf = append(buf, ':')
	if buf, err = AppendValue(buf, p.Value, p.precision); err != nil {
		return nil, err
	}
	return append(buf, '}'), nil
}

// Encoder holds the float formatting used for payload values. The zero value
// is not useful; use NewEncoder.
type Encoder struct {
	floatPrecision int
}

func NewEncoder(floatPrecision int) Encoder {
	if floatPrecision < 0 {
		floatPrecision = DefaultFloatPrecision
	}
	return Encoder{floatPrecision: floatPrecision}
}

// Encode renders one envelope. It performs no I/O and returns identical bytes
// for identical arguments.
func (e Encoder) Encode(sample domain.Sample, seq uint64, publisherID, writerID, fieldName string) ([]byte, error) {
	env := Envelope{
		MessageID:   strconv.FormatUint(seq, 10),
		MessageType: MessageType,
		PublisherID: publisherID,
		Messages: []DataSetMessage{{
			DataSetWriterID: writerID,
			Payload: Payload{
				Field:     fieldName,
				Value:     sample.Value,
				precision: e.floatPrecision,
			},
		}},
	}
	return codec.Marshal(env)
}

// Encode uses the default float precision.
func Encode(sample domain.Sample, seq uint64, publisherID, writerID, fieldName string) ([]byte, error) {
	return NewEncoder(DefaultFloatPrecision).Encode(sample, seq, publisherID, writerID, fieldName)
}

// MessageKey identifies one publish attempt of one envelope. It is stable
// across replays of the same attempt and distinct for every other attempt.
func MessageKey(runID, writerID string, seq uint64, attempt int) string {
	return runID + "/" + writerID + "/" + strconv.FormatUint(seq, 10) + "/" + strconv.Itoa(attempt)
}

// ReplayMessageID is the MessageId a dead-lettered envelope carries when it is
// republished. It is never a plain number, so it cannot collide with the
// sequence ids of a live run.
func ReplayMessageID(runID string, seq uint64, attempt int) string {
	return "replay:" + runID + ":" + strconv.FormatUint(seq, 10) + ":" + strconv.Itoa(attempt)
}

var ErrNotEnvelope = errors.New("envelope: payload does not start with MessageId")

var messageIDPrefix = []byte(`{"MessageId":"`)

// WithMessageID returns a copy of an encoded envelope with its MessageId
// replaced. Everything after the first field is left byte for byte.
func WithMessageID(payload []byte, id string) ([]byte, error) {
	if !bytes.HasPrefix(payload, messageIDPrefix) {
		return nil, ErrNotEnvelope
	}
	rest := payload[len(messageIDPrefix):]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return nil, ErrNotEnvelope
	}
	quoted, err := codec.Marshal(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+len(quoted))
	out = append(out, `{"MessageId":`...)
	out = append(out, quoted...)
	return append(out, rest[end+1:]...), nil
}

// WriterID ties a message to its source endpoint and sampling interval.
func WriterID(endpointIdentity string, interval time.Duration) string {
	return endpointIdentity + ":" + strconv.FormatInt(interval.Milliseconds(), 10)
}

// AppendValue appends the canonical JSON form of v. Floats never use exponent
// notation; non-finite floats are written as the strings "NaN", "Infinity"
// and "-Infinity". Times are RFC 3339 in UTC keeping their own precision.
func AppendValue(buf []byte, v domain.Value, precision int) ([]byte, error) {
	switch v.Kind() {
	case domain.KindFloat:
		return appendFloat(buf, v.Float(), precision), nil
	case domain.KindInt:
		return strconv.AppendInt(buf, v.Int(), 10), nil
	case domain.KindUint:
		return strconv.AppendUint(buf, v.Uint(), 10), nil
	case domain.KindBool:
		return strconv.AppendBool(buf, v.Bool()), nil
	case domain.KindString:
		s, err := codec.Marshal(v.Str())
		if err != nil {
			return nil, err
		}
		return append(buf, s...), nil
	case domain.KindTime:
		buf = append(buf, '"')
		buf = v.Time().UTC().AppendFormat(buf, time.RFC3339Nano)
		return append(buf, '"'), nil
	default:
		return append(buf, "null"...), nil
	}
}

func appendFloat(buf []byte, f float64, precision int) []byte {
	switch {
	case math.IsNaN(f):
		return append(buf, `"NaN"`...)
	case math.IsInf(f, 1):
		return append(buf, `"Infinity"`...)
	case math.IsInf(f, -1):
		return append(buf, `"-Infinity"`...)
	}
	start := len(buf)
	buf = strconv.AppendFloat(buf, f, 'f', precision, 64)
	if precision < 0 {
		for _, c := range buf[start:] {
			if c == '.' {
				return buf
			}
		}
		buf = append(buf, '.', '0')
	}
	return buf
}
