package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Each category error (ConnectionError, ReadError, PublishError)
// carries exactly one kind and matches it with errors.Is.
var (
	ErrTimeout         = errors.New("timeout")
	ErrRefused         = errors.New("refused")
	ErrUntrusted       = errors.New("untrusted")
	ErrConnectionLost  = errors.New("connection lost")
	ErrNotFound        = errors.New("not found")
	ErrNotConnected    = errors.New("not connected")
	ErrBadStatus       = errors.New("bad status")
	ErrRejected        = errors.New("rejected")
	ErrUnsupportedType = errors.New("unsupported type")
)

// ConnectionError reports a failed or dropped session against either endpoint.
// It is fatal to a run.
type ConnectionError struct {
	Kind     error
	Endpoint string
	Err      error
}

func NewConnectionError(kind error, endpoint string, err error) *ConnectionError {
	return &ConnectionError{Kind: kind, Endpoint: endpoint, Err: err}
}

func (e *ConnectionError) Error() string {
	return describe("connection", e.Endpoint, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return unwrap(e.Kind, e.Err) }

// ReadError reports a failed point read. It is recovered within a tick.
type ReadError struct {
	Kind    error
	PointID string
	Err     error
}

func NewReadError(kind error, pointID string, err error) *ReadError {
	return &ReadError{Kind: kind, PointID: pointID, Err: err}
}

func (e *ReadError) Error() string {
	return describe("read", e.PointID, e.Kind, e.Err)
}

func (e *ReadError) Unwrap() []error { return unwrap(e.Kind, e.Err) }

// PublishError reports a publish that did not reach a broker verdict.
// Broker rejections are not errors; see PublishResult.
type PublishError struct {
	Kind  error
	Topic string
	Err   error
}

func NewPublishError(kind error, topic string, err error) *PublishError {
	return &PublishError{Kind: kind, Topic: topic, Err: err}
}

func (e *PublishError) Error() string {
	return describe("publish", e.Topic, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() []error { return unwrap(e.Kind, e.Err) }

// IsFatal reports whether err ends a run rather than a single tick.
func IsFatal(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// ErrorKind renders the category and kind of err for structured logs, for
// example "read/not found" or "connection/timeout".
func ErrorKind(err error) string {
	var (
		ce *ConnectionError
		re *ReadError
		pe *PublishError
	)
	switch {
	case errors.As(err, &ce):
		return "connection/" + kindName(ce.Kind)
	case errors.As(err, &re):
		return "read/" + kindName(re.Kind)
	case errors.As(err, &pe):
		return "publish/" + kindName(pe.Kind)
	case err == nil:
		return ""
	default:
		return "unclassified"
	}
}

func kindName(kind error) string {
	if kind == nil {
		return "unknown"
	}
	return kind.Error()
}

func describe(category, subject string, kind, err error) string {
	msg := category
	if subject != "" {
		msg = fmt.Sprintf("%s %s", category, subject)
	}
	msg = fmt.Sprintf("%s: %s", msg, kindName(kind))
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return msg
}

func unwrap(kind, err error) []error {
	out := make([]error, 0, 2)
	if kind != nil {
		out = append(out, kind)
	}
	if err != nil {
		out = append(out, err)
	}
	return out
}
