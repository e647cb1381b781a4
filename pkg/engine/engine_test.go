package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dougsko/sqandr/pkg/config"
	"github.com/dougsko/sqandr/pkg/dsp"
	"github.com/dougsko/sqandr/pkg/hardware"
	"github.com/dougsko/sqandr/pkg/host"
	"github.com/dougsko/sqandr/pkg/monitor"
	"github.com/dougsko/sqandr/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Buffers.RxSamples = 4096
	cfg.Buffers.TxSamples = 4096
	cfg.Buffers.MaxInput = 64
	return cfg
}

type recordingSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (s *recordingSink) Name() string { return "recorder" }

func (s *recordingSink) HandleFrame(f protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSink) all() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames...)
}

func newLoopbackEngine(t *testing.T, cfg *config.Config, input string) (*Engine, *hardware.LoopbackTransport, *bytes.Buffer) {
	t.Helper()
	lb := hardware.NewLoopbackTransport(cfg.Buffers.RxSamples, cfg.Buffers.TxSamples)
	out := &bytes.Buffer{}
	ch := host.NewChannel("test", strings.NewReader(input), out, nil)

	e, err := NewEngine(cfg, lb, ch)
	require.NoError(t, err)
	return e, lb, out
}

func runWithTimeout(t *testing.T, e *Engine) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Run(ctx)
	require.NoError(t, ctx.Err(), "engine did not stop on its own")
	return err
}

func TestEngineTextLoopback(t *testing.T) {
	cfg := testConfig()
	cfg.IO.Blocking = true

	e, _, out := newLoopbackEngine(t, cfg, "*6699414243\ne\n")
	sink := &recordingSink{}
	e.AddSink(sink)

	require.NoError(t, runWithTimeout(t, e))
	assert.Equal(t, "+6699414243\n", out.String())

	status := e.Status()
	assert.EqualValues(t, 2, status.Cycles)
	assert.EqualValues(t, 1, status.TxFrames)
	assert.EqualValues(t, 5, status.TxBytes)
	assert.EqualValues(t, 1, status.RxFrames)
	assert.EqualValues(t, 5, status.RxBytes)
	assert.EqualValues(t, 5, status.HeaderLocks)
	assert.Equal(t, e.Session(), status.Session)

	frames := sink.all()
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.DirectionTX, frames[0].Direction)
	assert.Equal(t, []byte{0x66, 0x99, 0x41, 0x42, 0x43}, frames[0].Data)
	assert.Equal(t, protocol.DirectionRX, frames[1].Direction)
	assert.Equal(t, "6699414243", frames[1].Hex)
	assert.True(t, frames[1].SyncFound)
	assert.Equal(t, e.Session(), frames[1].Session)
}

func TestEngineBinaryLoopback(t *testing.T) {
	cfg := testConfig()
	cfg.IO.Blocking = true
	cfg.IO.BinaryIn = true
	cfg.IO.BinaryOut = true

	var in bytes.Buffer
	in.Write([]byte{0x66, 0x99, 0x40, 0xF5, 0x42, '\n'})
	in.Write([]byte{0x10, 0x10, '\n'})

	e, _, out := newLoopbackEngine(t, cfg, in.String())
	require.NoError(t, runWithTimeout(t, e))

	want := []byte{
		0x01, 0x02, 0x03, 0x04, 0x04, // notification for the 4-byte payload
		0x66, 0x99, 0x40, 0xF5, 0x42, // recovered bytes, escaped for the host
	}
	assert.Equal(t, want, out.Bytes())
}

func TestEngineInvertedLoopback(t *testing.T) {
	cfg := testConfig()
	cfg.IO.Blocking = true

	e, lb, out := newLoopbackEngine(t, cfg, "*66990a7f\ne\n")
	lb.SetInverted(true)

	require.NoError(t, runWithTimeout(t, e))
	assert.Equal(t, "+669940f54080\n", out.String())
	assert.True(t, e.Status().SignalInverted)
	assert.EqualValues(t, 4, e.Status().InvertedLocks)
}

func TestEngineSyncGate(t *testing.T) {
	t.Run("Gate Holds Unmarked Traffic", func(t *testing.T) {
		cfg := testConfig()
		cfg.IO.Blocking = true

		e, _, out := newLoopbackEngine(t, cfg, "*414243\ne\n")
		require.NoError(t, runWithTimeout(t, e))
		assert.Empty(t, out.String())
		assert.EqualValues(t, 3, e.Status().RxBytes)
		assert.Zero(t, e.Status().RxFrames)
	})

	t.Run("Gate Off Passes Everything", func(t *testing.T) {
		cfg := testConfig()
		cfg.IO.Blocking = true
		cfg.Link.SyncGate = false

		e, _, out := newLoopbackEngine(t, cfg, "*414243\ne\n")
		require.NoError(t, runWithTimeout(t, e))
		assert.Equal(t, "+414243\n", out.String())
	})
}

func TestEngineHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.IO.BinaryOut = true
	cfg.IO.ListenOnly = true
	cfg.IO.HeartbeatInterval = 2

	e, _, out := newLoopbackEngine(t, cfg, "")
	defer e.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, e.RunCycle(ctx))
	}
	assert.Equal(t, bytes.Repeat(protocol.Heartbeat, 2), out.Bytes())
	assert.EqualValues(t, 2, e.Status().Heartbeats)
}

func TestEngineRawDump(t *testing.T) {
	cfg := testConfig()
	cfg.Buffers.RxSamples = 16
	cfg.IO.BinaryOut = true
	cfg.IO.RawOut = true
	cfg.IO.ListenOnly = true

	e, _, out := newLoopbackEngine(t, cfg, "")
	defer e.Close()

	require.NoError(t, e.RunCycle(context.Background()))
	want := append(make([]byte, 16*hardware.BytesPerSample), protocol.Heartbeat...)
	assert.Equal(t, want, out.Bytes())
}

func TestEngineTruncatedTransmit(t *testing.T) {
	cfg := testConfig()
	cfg.Buffers.TxSamples = dsp.LeadInSamples + 2*20 + 5
	cfg.IO.Blocking = true
	cfg.Link.SyncGate = false

	e, _, out := newLoopbackEngine(t, cfg, "*414243\ne\n")
	require.NoError(t, runWithTimeout(t, e))

	assert.EqualValues(t, 1, e.Status().TxTruncated)
	assert.EqualValues(t, 2, e.Status().TxBytes)
	assert.Equal(t, "+4142\n", out.String())
}

func TestEngineStops(t *testing.T) {
	t.Run("Cancellation", func(t *testing.T) {
		cfg := testConfig()
		e, lb, _ := newLoopbackEngine(t, cfg, "")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, e.Run(ctx))

		_, err := lb.Refill()
		assert.ErrorIs(t, err, hardware.ErrTransportClosed, "Run closes the transport")
	})

	t.Run("Cancellation While Blocked On Host", func(t *testing.T) {
		cfg := testConfig()
		cfg.IO.Blocking = true

		lb := hardware.NewLoopbackTransport(cfg.Buffers.RxSamples, cfg.Buffers.TxSamples)
		pr, pw := io.Pipe()
		defer pw.Close()
		e, err := NewEngine(cfg, lb, host.NewChannel("pipe", pr, &bytes.Buffer{}, nil))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- e.Run(ctx) }()

		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancellation")
		}
	})

	t.Run("Host EOF", func(t *testing.T) {
		cfg := testConfig()
		cfg.IO.Blocking = true
		e, _, _ := newLoopbackEngine(t, cfg, "")
		assert.NoError(t, runWithTimeout(t, e))
	})

	t.Run("Replay Exhausted", func(t *testing.T) {
		cfg := testConfig()
		cfg.IO.ListenOnly = true
		st := hardware.NewStreamTransport("replay", bytes.NewReader(nil), nil, 8, 8, true)
		e, err := NewEngine(cfg, st, host.NewChannel("test", strings.NewReader(""), &bytes.Buffer{}, nil))
		require.NoError(t, err)
		assert.NoError(t, runWithTimeout(t, e))
	})
}

var errRadioGone = errors.New("radio unplugged")

type faultyTransport struct {
	*hardware.LoopbackTransport
	failPush bool
	closed   bool
}

func (f *faultyTransport) Refill() (int, error) {
	if !f.failPush {
		return 0, errRadioGone
	}
	return f.LoopbackTransport.Refill()
}

func (f *faultyTransport) Push() (int, error) {
	if f.failPush {
		return 0, errRadioGone
	}
	return f.LoopbackTransport.Push()
}

func (f *faultyTransport) Close() error {
	f.closed = true
	return f.LoopbackTransport.Close()
}

func TestEngineTransportFault(t *testing.T) {
	for _, failPush := range []bool{false, true} {
		cfg := testConfig()
		cfg.IO.ListenOnly = true
		ft := &faultyTransport{
			LoopbackTransport: hardware.NewLoopbackTransport(cfg.Buffers.RxSamples, cfg.Buffers.TxSamples),
			failPush:          failPush,
		}
		e, err := NewEngine(cfg, ft, host.NewChannel("test", strings.NewReader(""), &bytes.Buffer{}, nil))
		require.NoError(t, err)

		err = runWithTimeout(t, e)
		assert.ErrorIs(t, err, errRadioGone, "push failure %v", failPush)
		assert.True(t, ft.closed)
	}
}

func TestEngineMonitorAndMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.IO.Blocking = true

	e, _, _ := newLoopbackEngine(t, cfg, "*6699\ne\n")

	metrics := monitor.NewMetrics(prometheus.NewRegistry())
	mon := monitor.NewSignalMonitor(64, metrics)
	e.SetMetrics(metrics)
	e.SetMonitor(mon, hardware.NewSnapshotPool(1024))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	require.NoError(t, runWithTimeout(t, e))
	assert.Eventually(t, func() bool {
		return mon.Latest().Peak == 30000
	}, 2*time.Second, 5*time.Millisecond, "the monitor sees the burst after shifting")
}

func TestNewEngineValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Link.HeaderBits = 10
	lb := hardware.NewLoopbackTransport(8, 8)
	_, err := NewEngine(cfg, lb, host.NewChannel("test", strings.NewReader(""), &bytes.Buffer{}, nil))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Link.Amplitude = "phase"
	_, err = NewEngine(cfg, lb, host.NewChannel("test", strings.NewReader(""), &bytes.Buffer{}, nil))
	assert.Error(t, err)
}
