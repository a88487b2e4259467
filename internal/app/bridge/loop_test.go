package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/AegisBridge/internal/adapters/trust"
	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

// events records calls across both doubles so ordering can be asserted.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeSource struct {
	ev         *events
	connectErr error
	identity   string
	// read is called with the zero-based read index.
	read func(n int) (domain.Sample, error)

	reads    atomic.Int32
	inFlight atomic.Int32
	maxIn    atomic.Int32
	starts   []time.Time
	mu       sync.Mutex
	lost     chan error
}

func newFakeSource(ev *events) *fakeSource {
	return &fakeSource{ev: ev, identity: "urn:milo:server", lost: make(chan error, 1)}
}

func (f *fakeSource) Connect(context.Context, ports.SourceEndpoint) error {
	f.ev.add("source.connect")
	return f.connectErr
}

func (f *fakeSource) ReadPoint(_ context.Context, pointID string) (domain.Sample, error) {
	n := int(f.reads.Add(1)) - 1
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxIn.Load()
		if cur <= m || f.maxIn.CompareAndSwap(m, cur) {
			break
		}
	}
	f.mu.Lock()
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()

	if f.read != nil {
		return f.read(n)
	}
	return constantSample(pointID), nil
}

func (f *fakeSource) Identity() string   { return f.identity }
func (f *fakeSource) Lost() <-chan error { return f.lost }

func (f *fakeSource) Close(context.Context) error {
	f.ev.add("source.close")
	return nil
}

func constantSample(pointID string) domain.Sample {
	now := time.Now()
	return domain.Sample{
		PointID:         pointID,
		DisplayName:     "P1-display-name",
		Value:           domain.FloatValue(42.0),
		SourceTimestamp: now,
		ServerTimestamp: now,
	}
}

type publishCall struct {
	topic     string
	payload   []byte
	guarantee domain.DeliveryGuarantee
	key       string
}

type fakeSink struct {
	ev         *events
	connectErr error
	publish    func(n int) (domain.PublishResult, error)

	mu    sync.Mutex
	calls []publishCall
	lost  chan error
}

func newFakeSink(ev *events) *fakeSink {
	return &fakeSink{ev: ev, lost: make(chan error, 1)}
}

func (f *fakeSink) Connect(context.Context, ports.BrokerEndpoint) error {
	f.ev.add("sink.connect")
	return f.connectErr
}

func (f *fakeSink) Publish(ctx context.Context, topic string, payload []byte, g domain.DeliveryGuarantee) (domain.PublishResult, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, publishCall{topic: topic, payload: payload, guarantee: g, key: ports.MessageKey(ctx)})
	f.mu.Unlock()
	if f.publish != nil {
		return f.publish(n)
	}
	return domain.PublishResult{Accepted: true}, nil
}

func (f *fakeSink) Lost() <-chan error { return f.lost }

func (f *fakeSink) Close(context.Context) error {
	f.ev.add("sink.close")
	return nil
}

func (f *fakeSink) published() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.calls...)
}

type memSpool struct {
	mu      sync.Mutex
	entries []*domain.DeadLetter
}

func (m *memSpool) Append(dl *domain.DeadLetter) (ports.SpoolEntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, dl)
	return ports.SpoolEntryID(len(m.entries)), nil
}

func (m *memSpool) Iterate(ports.SpoolEntryID, func(ports.SpoolEntryID, *domain.DeadLetter) error) error {
	return nil
}

func (m *memSpool) Commit(ports.SpoolEntryID) error { return nil }
func (m *memSpool) TruncateCommitted() error        { return nil }
func (m *memSpool) Stats() ports.SpoolStats         { return ports.SpoolStats{} }

type memArchive struct {
	mu   sync.Mutex
	envs []domain.PublishedEnvelope
}

func (m *memArchive) Record(_ context.Context, env domain.PublishedEnvelope) error {
	m.mu.Lock()
	m.envs = append(m.envs, env)
	m.mu.Unlock()
	return nil
}

func (m *memArchive) Name() string { return "memory" }

type recordingObs struct {
	nopObs
	mu     sync.Mutex
	errors []recordedLog
}

type recordedLog struct {
	msg    string
	err    error
	fields map[string]any
}

func (r *recordingObs) LogError(msg string, err error, fields ...ports.Field) {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	r.mu.Lock()
	r.errors = append(r.errors, recordedLog{msg: msg, err: err, fields: m})
	r.mu.Unlock()
}

func (r *recordingObs) tickFailures() []recordedLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedLog
	for _, e := range r.errors {
		if e.msg == "tick_failed" {
			out = append(out, e)
		}
	}
	return out
}

func runConfig(interval time.Duration, iterations int) RunConfig {
	return RunConfig{
		PointID:                "P1",
		SamplingInterval:       interval,
		Iterations:             iterations,
		PublisherID:            "pub-A",
		Delivery:               domain.AtLeastOnce,
		Topic:                  "devices/pub-A/messages/events/",
		MaxConsecutiveFailures: 3,
		FloatPrecision:         -1,
		Source:                 ports.SourceEndpoint{Address: "opc.tcp://milo:62541/milo", Trust: trust.AlwaysAccept{}},
		Broker:                 ports.BrokerEndpoint{Address: "ssl://hub:8883", ClientID: "pub-A"},
	}
}

type decodedEnvelope struct {
	MessageId   string
	MessageType string
	PublisherId string
	Messages    []struct {
		DataSetWriterId string
		Payload         map[string]float64
	}
}

func decode(t *testing.T, payload []byte) decodedEnvelope {
	t.Helper()
	var env decodedEnvelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

func TestThreeTickScenario(t *testing.T) {
	const interval = 200 * time.Millisecond
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	archive := &memArchive{}

	loop, err := New(runConfig(interval, 3), src, snk, WithArchive(archive))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, loop.Run(context.Background()))
	elapsed := time.Since(start)

	assert.Equal(t, StateStopped, loop.State())
	calls := snk.published()
	require.Len(t, calls, 3)
	for i, c := range calls {
		env := decode(t, c.payload)
		assert.Equal(t, []string{"0", "1", "2"}[i], env.MessageId)
		assert.Equal(t, "pub-A", env.PublisherId)
		require.Len(t, env.Messages, 1)
		assert.Equal(t, "urn:milo:server:200", env.Messages[0].DataSetWriterId)
		assert.Equal(t, map[string]float64{"P1-display-name": 42.0}, env.Messages[0].Payload)
		assert.Contains(t, string(c.payload), `"P1-display-name":42.0`)
		assert.Equal(t, domain.AtLeastOnce, c.guarantee)
	}

	assert.InDelta(t, float64(3*interval), float64(elapsed), float64(100*time.Millisecond))
	assert.Equal(t, uint64(3), loop.Stats().Accepted)
	require.Len(t, archive.envs, 3)
	assert.Equal(t, uint64(2), archive.envs[2].Seq)
}

func TestReadFailureDoesNotConsumeSequenceID(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	src.read = func(n int) (domain.Sample, error) {
		if n == 1 {
			return domain.Sample{}, domain.NewReadError(domain.ErrNotFound, "P1", nil)
		}
		return constantSample("P1"), nil
	}
	obs := &recordingObs{}

	loop, err := New(runConfig(10*time.Millisecond, 3), src, snk, WithObservability(obs))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, StateStopped, loop.State())
	calls := snk.published()
	require.Len(t, calls, 2)
	assert.Equal(t, "0", decode(t, calls[0].payload).MessageId)
	assert.Equal(t, "1", decode(t, calls[1].payload).MessageId)

	failures := obs.tickFailures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].err, domain.ErrNotFound)
	assert.Equal(t, uint64(1), failures[0].fields["seq"])
	assert.Equal(t, "P1", failures[0].fields["point_id"])
	assert.Equal(t, "read/not found", failures[0].fields["error_kind"])
	assert.Equal(t, uint64(1), loop.Stats().ReadFailures)
}

func TestTicksNeverOverlap(t *testing.T) {
	const interval = 100 * time.Millisecond
	const slow = 3 * interval
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	src.read = func(n int) (domain.Sample, error) {
		if n == 1 {
			time.Sleep(slow)
		}
		return constantSample("P1"), nil
	}

	loop, err := New(runConfig(interval, 3), src, snk)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, loop.Run(context.Background()))
	elapsed := time.Since(start)

	assert.Equal(t, int32(1), src.maxIn.Load())
	require.Len(t, src.starts, 3)
	assert.GreaterOrEqual(t, src.starts[2].Sub(src.starts[1]), slow)
	assert.InDelta(t, float64(2*interval+slow), float64(elapsed), float64(80*time.Millisecond))
}

func TestConsecutiveFailuresEscalate(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	src.read = func(int) (domain.Sample, error) {
		return domain.Sample{}, domain.NewReadError(domain.ErrTimeout, "P1", context.DeadlineExceeded)
	}

	loop, err := New(runConfig(time.Millisecond, 10), src, snk)
	require.NoError(t, err)

	err = loop.Run(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, StateFailed, loop.State())
	assert.Equal(t, int32(3), src.reads.Load())
	assert.Equal(t, []string{"source.connect", "sink.connect", "source.close", "sink.close"}, ev.list())
}

func TestEscalationDisabled(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	src.read = func(int) (domain.Sample, error) {
		return domain.Sample{}, domain.NewReadError(domain.ErrNotFound, "P1", nil)
	}
	cfg := runConfig(time.Millisecond, 5)
	cfg.MaxConsecutiveFailures = 0

	loop, err := New(cfg, src, snk)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, StateStopped, loop.State())
	assert.Equal(t, int32(5), src.reads.Load())
}

func TestRejectedPublishIsDeadLetteredAndDoesNotConsumeID(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	snk.publish = func(n int) (domain.PublishResult, error) {
		switch n {
		case 0:
			return domain.PublishResult{Accepted: false, BrokerReturnCode: 0x87}, nil
		case 1:
			return domain.PublishResult{}, domain.NewPublishError(domain.ErrTimeout, "t", nil)
		default:
			return domain.PublishResult{Accepted: true}, nil
		}
	}
	spool := &memSpool{}

	loop, err := New(runConfig(time.Millisecond, 3), src, snk, WithDeadLetters(spool))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	calls := snk.published()
	require.Len(t, calls, 3)
	assert.Equal(t, "0", decode(t, calls[0].payload).MessageId)
	assert.Equal(t, "0", decode(t, calls[2].payload).MessageId)

	require.Len(t, spool.entries, 2)
	assert.Equal(t, "publish/rejected: 135", spool.entries[0].Reason)
	assert.Equal(t, "publish/timeout", spool.entries[1].Reason)
	assert.Equal(t, "at_least_once", spool.entries[0].Delivery)

	stats := loop.Stats()
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(1), stats.PublishFailures)
	assert.Equal(t, uint64(2), stats.DeadLetters)
}

func TestEveryPublishAttemptHasItsOwnKey(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	snk.publish = func(n int) (domain.PublishResult, error) {
		if n == 0 {
			return domain.PublishResult{Accepted: false, BrokerReturnCode: 0x80}, nil
		}
		return domain.PublishResult{Accepted: true}, nil
	}
	spool := &memSpool{}

	loop, err := New(runConfig(time.Millisecond, 2), src, snk, WithDeadLetters(spool))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	calls := snk.published()
	require.Len(t, calls, 2)
	writer := "urn:milo:server:1"
	assert.Equal(t, loop.RunID()+"/"+writer+"/0/0", calls[0].key)
	assert.Equal(t, loop.RunID()+"/"+writer+"/0/1", calls[1].key)

	// The rejected envelope and the accepted one share seq 0; the dead letter
	// carries what replay needs to tell them apart.
	require.Len(t, spool.entries, 1)
	dl := spool.entries[0]
	assert.Equal(t, uint64(0), dl.Seq)
	assert.Equal(t, 0, dl.Attempt)
	assert.Equal(t, loop.RunID(), dl.RunID)
	assert.Equal(t, writer, dl.WriterID)
	assert.Equal(t, "0", decode(t, calls[1].payload).MessageId)
}

func TestSequenceAdvanceResetsAttempt(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	snk.publish = func(n int) (domain.PublishResult, error) {
		if n == 2 {
			return domain.PublishResult{}, domain.NewPublishError(domain.ErrTimeout, "t", nil)
		}
		return domain.PublishResult{Accepted: true}, nil
	}
	spool := &memSpool{}

	loop, err := New(runConfig(time.Millisecond, 4), src, snk, WithDeadLetters(spool))
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	keys := make([]string, 0, 4)
	for _, c := range snk.published() {
		keys = append(keys, c.key[len(loop.RunID()+"/urn:milo:server:1/"):])
	}
	assert.Equal(t, []string{"0/0", "1/0", "2/0", "2/1"}, keys)
	require.Len(t, spool.entries, 1)
	assert.Equal(t, uint64(2), spool.entries[0].Seq)
	assert.Equal(t, 0, spool.entries[0].Attempt)
}

func TestConnectFailuresPreserveError(t *testing.T) {
	t.Run("source", func(t *testing.T) {
		ev := &events{}
		src, snk := newFakeSource(ev), newFakeSink(ev)
		connErr := domain.NewConnectionError(domain.ErrTimeout, "opc.tcp://milo", context.DeadlineExceeded)
		src.connectErr = connErr

		loop, err := New(runConfig(time.Millisecond, 1), src, snk)
		require.NoError(t, err)

		err = loop.Run(context.Background())
		assert.Same(t, connErr, err)
		assert.Equal(t, StateFailed, loop.State())
		assert.Same(t, connErr, loop.Err())
		assert.NotContains(t, ev.list(), "sink.connect")
		assert.Empty(t, snk.published())
	})
	t.Run("sink", func(t *testing.T) {
		ev := &events{}
		src, snk := newFakeSource(ev), newFakeSink(ev)
		snk.connectErr = domain.NewConnectionError(domain.ErrUntrusted, "ssl://hub", errors.New("pin mismatch"))

		loop, err := New(runConfig(time.Millisecond, 1), src, snk)
		require.NoError(t, err)

		err = loop.Run(context.Background())
		assert.ErrorIs(t, err, domain.ErrUntrusted)
		assert.Equal(t, StateFailed, loop.State())
		assert.Contains(t, ev.list(), "source.close")
		assert.Zero(t, src.reads.Load())
	})
}

func TestConnectionLostMidRunFails(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)

	loop, err := New(runConfig(20*time.Millisecond, 0), src, snk)
	require.NoError(t, err)

	go func() {
		time.Sleep(70 * time.Millisecond)
		snk.lost <- domain.NewConnectionError(domain.ErrConnectionLost, "ssl://hub", errors.New("EOF"))
	}()

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrConnectionLost)
		assert.Equal(t, StateFailed, loop.State())
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not fail after connection loss")
	}
}

func TestFatalReadErrorFails(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	src.read = func(int) (domain.Sample, error) {
		return domain.Sample{}, domain.NewConnectionError(domain.ErrConnectionLost, "opc.tcp://milo", errors.New("EOF"))
	}

	loop, err := New(runConfig(time.Millisecond, 5), src, snk)
	require.NoError(t, err)

	err = loop.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
	assert.Equal(t, StateFailed, loop.State())
	assert.Equal(t, int32(1), src.reads.Load())
}

func TestDrainClosesSourceBeforeSink(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)

	loop, err := New(runConfig(time.Millisecond, 2), src, snk)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []string{"source.connect", "sink.connect", "source.close", "sink.close"}, ev.list())
}

func TestCancellationDrains(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)

	loop, err := New(runConfig(10*time.Millisecond, 0), src, snk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(55*time.Millisecond, cancel)

	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, StateStopped, loop.State())
	assert.NotEmpty(t, snk.published())
	assert.Equal(t, []string{"source.close", "sink.close"}, ev.list()[2:])
}

func TestLoopIsSingleUse(t *testing.T) {
	ev := &events{}
	loop, err := New(runConfig(time.Millisecond, 1), newFakeSource(ev), newFakeSink(ev))
	require.NoError(t, err)

	require.NoError(t, loop.Run(context.Background()))
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopReused)
	assert.Equal(t, StateStopped, loop.State())
}

func TestDisplayNameOverride(t *testing.T) {
	ev := &events{}
	src, snk := newFakeSource(ev), newFakeSink(ev)
	cfg := runConfig(time.Millisecond, 1)
	cfg.DisplayName = "Temperature"

	loop, err := New(cfg, src, snk)
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	calls := snk.published()
	require.Len(t, calls, 1)
	assert.Contains(t, string(calls[0].payload), `"Payload":{"Temperature":42.0}`)
}

func TestNewValidatesRunConfig(t *testing.T) {
	ev := &events{}
	_, err := New(RunConfig{}, newFakeSource(ev), newFakeSink(ev))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "point id is required")
	assert.Contains(t, err.Error(), "sampling interval must be positive")
	assert.Contains(t, err.Error(), "source trust policy is required")
}

func TestRunConfigRequiresExplicitTrust(t *testing.T) {
	cfg := runConfig(time.Second, 1)
	require.NoError(t, cfg.Validate())

	cfg.Broker.TLS = true
	assert.ErrorContains(t, cfg.Validate(), "broker trust policy is required with tls")

	cfg.Broker.Trust = trust.NewPinnedFingerprint("00ff")
	require.NoError(t, cfg.Validate())

	cfg.Source.Trust = nil
	assert.ErrorContains(t, cfg.Validate(), "source trust policy is required")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "failed", StateFailed.String())
}
