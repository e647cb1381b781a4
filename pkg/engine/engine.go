package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/sqandr/pkg/config"
	"github.com/dougsko/sqandr/pkg/dsp"
	"github.com/dougsko/sqandr/pkg/hardware"
	"github.com/dougsko/sqandr/pkg/host"
	"github.com/dougsko/sqandr/pkg/logging"
	"github.com/dougsko/sqandr/pkg/monitor"
	"github.com/dougsko/sqandr/pkg/protocol"
	"github.com/google/uuid"
)

// Version is reported in the link status.
const Version = "0.1.0"

// sinkQueueSize is the number of frames buffered per sink.
const sinkQueueSize = 64

// FrameSink receives every frame that crosses the link. HandleFrame runs on
// the sink's own goroutine, never on the cycle loop.
type FrameSink interface {
	Name() string
	HandleFrame(frame protocol.Frame)
}

type sinkWorker struct {
	sink   FrameSink
	frames chan protocol.Frame
}

// Engine runs the receive/transmit cycle: refill and scan the receive
// buffer, frame recovered bytes to the host, take host input, encode it and
// push the transmit buffer.
type Engine struct {
	cfg       *config.Config
	transport hardware.Transport
	channel   *host.Channel
	receiver  *dsp.Receiver
	encoder   *dsp.Encoder
	extractor dsp.AmplitudeExtractor
	framer    *host.OutputFramer
	input     *host.InputReader

	session   string
	startTime time.Time

	sinks  []sinkWorker
	sinkWG sync.WaitGroup

	monitor *monitor.SignalMonitor
	metrics *monitor.Metrics
	pool    *hardware.SnapshotPool

	statsMu sync.RWMutex
	stats   protocol.LinkStatus

	closeOnce sync.Once
}

// NewEngine builds the receive and transmit chains from cfg. The engine takes
// ownership of transport and channel and closes both when Run returns.
func NewEngine(cfg *config.Config, transport hardware.Transport, channel *host.Channel) (*Engine, error) {
	header, err := protocol.NewHeader(cfg.EffectiveHeaderBits())
	if err != nil {
		return nil, err
	}
	policy, err := dsp.ParseAmplitudePolicy(cfg.Link.Amplitude)
	if err != nil {
		return nil, err
	}
	marker, err := cfg.SyncMarkerBytes()
	if err != nil {
		return nil, err
	}

	extractor := dsp.AmplitudeExtractor{Policy: policy, Shift: uint(cfg.Link.AmplitudeShift)}
	receiver, err := dsp.NewReceiver(dsp.ReceiverConfig{
		Amplitude:      extractor,
		PercentLast:    cfg.Link.PercentLast,
		NoiseFloor:     cfg.Link.NoiseFloor,
		Header:         header,
		SyncGate:       cfg.Link.SyncGate,
		SyncMarker:     marker,
		ByteTiming:     cfg.Link.ByteTiming,
		TimingInterval: cfg.Link.TimingInterval,
		Capacity:       cfg.Buffers.RecoveredCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver: %w", err)
	}

	encoder, err := dsp.NewEncoder(dsp.EncoderConfig{
		Header: header,
		Level:  int16(cfg.Link.SignalLevel),
		Repeat: cfg.Link.MessageRepeat,
		Lean:   cfg.Link.Lean,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		channel:   channel,
		receiver:  receiver,
		encoder:   encoder,
		extractor: extractor,
		framer: host.NewOutputFramer(channel, host.FramerConfig{
			Binary:            cfg.IO.BinaryOut,
			HeartbeatInterval: cfg.IO.HeartbeatInterval,
		}),
		input: host.NewInputReader(channel, host.ReaderConfig{
			Binary:     cfg.IO.BinaryIn,
			MaxInput:   cfg.Buffers.MaxInput,
			ListenOnly: cfg.IO.ListenOnly,
		}),
		session:   uuid.New().String(),
		startTime: time.Now(),
	}

	e.stats = protocol.LinkStatus{
		Session:     e.session,
		StartTime:   e.startTime,
		Version:     Version,
		Transport:   transport.Name(),
		HostChannel: channel.Name(),
		HeaderBits:  header.Bits,
		SyncGate:    cfg.Link.SyncGate,
		ByteTiming:  cfg.Link.ByteTiming,
	}

	if limit := encoder.MaxPayload(len(transport.TxBuffer())); limit < cfg.Buffers.MaxInput {
		logging.Warn("engine", "Transmit buffer cannot hold a full host payload", map[string]interface{}{
			"max_input":   cfg.Buffers.MaxInput,
			"max_payload": limit,
		})
	}

	return e, nil
}

// Session returns the identifier stamped on this run's frames.
func (e *Engine) Session() string {
	return e.session
}

// AddSink registers a frame sink and starts its worker. Sinks must be added
// before Run.
func (e *Engine) AddSink(sink FrameSink) {
	w := sinkWorker{
		sink:   sink,
		frames: make(chan protocol.Frame, sinkQueueSize),
	}
	e.sinks = append(e.sinks, w)

	e.sinkWG.Add(1)
	go func() {
		defer e.sinkWG.Done()
		for frame := range w.frames {
			w.sink.HandleFrame(frame)
		}
	}()
}

// SetMonitor attaches a signal monitor that receives an amplitude snapshot
// every cycle.
func (e *Engine) SetMonitor(m *monitor.SignalMonitor, pool *hardware.SnapshotPool) {
	e.monitor = m
	e.pool = pool
}

// SetMetrics attaches Prometheus collectors.
func (e *Engine) SetMetrics(m *monitor.Metrics) {
	e.metrics = m
}

// Run cycles until ctx is cancelled, the host asks to exit, or a replay
// source runs dry; all three return nil. A transport or host I/O failure is
// returned. Run closes the transport and host channel before returning.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()

	logging.Info("engine", "Link running", map[string]interface{}{
		"session":    e.session,
		"transport":  e.transport.Name(),
		"host":       e.channel.Name(),
		"binary_in":  e.cfg.IO.BinaryIn,
		"binary_out": e.cfg.IO.BinaryOut,
	})

	for {
		select {
		case <-ctx.Done():
			logging.Info("engine", "Stopping on cancellation")
			return nil
		default:
		}

		err := e.RunCycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, host.ErrExitRequested):
			logging.Info("engine", "Stopping on host request")
			return nil
		case errors.Is(err, hardware.ErrSourceExhausted):
			logging.Info("engine", "Sample source exhausted")
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			logging.Error("engine", "Cycle failed", map[string]interface{}{"error": err.Error()})
			return err
		}
	}
}

// RunCycle performs one full cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	start := time.Now()

	if _, err := e.transport.Refill(); err != nil {
		return fmt.Errorf("failed to refill receive buffer: %w", err)
	}
	rx := e.transport.RxBuffer()

	var scan dsp.ScanResult
	emitted := false
	if e.cfg.IO.RawOut {
		if err := e.framer.WriteRaw(rx); err != nil {
			return err
		}
	} else {
		scan = e.receiver.Scan(rx)
		if scan.Dropped > 0 {
			logging.Debug("engine", "Recovered bytes dropped", map[string]interface{}{
				"dropped":  scan.Dropped,
				"capacity": e.cfg.Buffers.RecoveredCapacity,
			})
		}
		if scan.Ready {
			if err := e.framer.WriteFrame(scan.Data); err != nil {
				return err
			}
			emitted = true

			frame := protocol.NewFrame(e.session, protocol.DirectionRX, protocol.Unescape(scan.Data))
			frame.SyncFound = scan.SyncFound
			frame.Dropped = scan.Dropped
			e.dispatch(frame)
		}
	}
	e.snapshot(rx)

	cmd, err := e.readHost(ctx)
	if err != nil {
		e.record(scan, emitted, 0, dsp.EncodeResult{}, false, time.Since(start))
		return err
	}

	tx := e.transport.TxBuffer()
	var enc dsp.EncodeResult
	payload := cmd.Payload
	if cmd.Type == protocol.HostSend && len(payload) > 0 {
		enc = e.encoder.Encode(payload, tx)
		if enc.Truncated {
			logging.Warn("engine", "Transmission truncated to fit the transmit buffer", map[string]interface{}{
				"payload":    len(payload),
				"bytes_sent": enc.BytesSent,
			})
		}
		frame := protocol.NewFrame(e.session, protocol.DirectionTX, payload)
		frame.Truncated = enc.Truncated
		e.dispatch(frame)
	} else {
		payload = nil
		dsp.Silence(tx)
	}

	if _, err := e.transport.Push(); err != nil {
		return fmt.Errorf("failed to push transmit buffer: %w", err)
	}

	active := emitted || len(payload) > 0
	heartbeat, err := e.framer.EndCycle(active, len(payload))
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	e.record(scan, emitted, len(payload), enc, heartbeat, elapsed)
	if active {
		logging.Debugf("engine", "Cycle with traffic took %s (rx %d bytes, tx %d bytes)",
			elapsed, scan.Bytes, len(payload))
	}
	return nil
}

func (e *Engine) readHost(ctx context.Context) (protocol.HostCommand, error) {
	if e.cfg.IO.Blocking && !e.cfg.IO.ListenOnly {
		return e.input.Wait(ctx)
	}
	return e.input.Poll()
}

// snapshot hands the monitor the amplitudes starting at the first non-silent
// sample, so a burst shows up in the spectrum rather than its lead-in.
func (e *Engine) snapshot(rx []dsp.Sample) {
	if e.monitor == nil || e.pool == nil || len(rx) == 0 {
		return
	}

	size := e.monitor.SnapshotSize()
	if size > len(rx) {
		size = len(rx)
	}
	offset := 0
	for i, s := range rx {
		if s != (dsp.Sample{}) {
			offset = i
			break
		}
	}
	if offset+size > len(rx) {
		offset = len(rx) - size
	}

	buf := e.pool.Get(size)
	for i := 0; i < size; i++ {
		buf.Data[i] = e.extractor.Amplitude(rx[offset+i])
	}
	e.monitor.Submit(buf)
}

func (e *Engine) record(scan dsp.ScanResult, emitted bool, txBytes int, enc dsp.EncodeResult, heartbeat bool, elapsed time.Duration) {
	e.statsMu.Lock()
	s := &e.stats
	s.Cycles++
	if emitted {
		s.RxFrames++
	}
	s.RxBytes += uint64(scan.Bytes)
	s.RxDropped += uint64(scan.Dropped)
	s.HeaderLocks += uint64(scan.Locks)
	s.InvertedLocks += uint64(scan.InvertedLocks)
	s.SkippedSamples += uint64(scan.Skipped)
	if txBytes > 0 {
		s.TxFrames++
		s.TxBytes += uint64(enc.BytesSent)
	}
	if enc.Truncated {
		s.TxTruncated++
	}
	if heartbeat {
		s.Heartbeats++
	}
	s.Locked = e.receiver.State() == dsp.Locked
	s.SignalInverted = e.receiver.Inverted()
	s.LastCycleMillis = float64(elapsed.Microseconds()) / 1000.0
	e.statsMu.Unlock()

	e.metrics.ObserveCycle(monitor.CycleReport{
		Duration:      elapsed,
		RxBytes:       scan.Bytes,
		RxEmitted:     emitted,
		RxDropped:     scan.Dropped,
		HeaderLocks:   scan.Locks,
		InvertedLocks: scan.InvertedLocks,
		Skipped:       scan.Skipped,
		TxBytes:       enc.BytesSent,
		Truncated:     enc.Truncated,
		Heartbeat:     heartbeat,
		Locked:        e.receiver.State() == dsp.Locked,
		Threshold:     e.receiver.Threshold(),
	})
}

// Status returns a snapshot of the link counters.
func (e *Engine) Status() protocol.LinkStatus {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()

	s := e.stats
	s.Uptime = time.Since(e.startTime).Truncate(time.Second).String()
	return s
}

// dispatch offers a frame to every sink without blocking the cycle.
func (e *Engine) dispatch(frame protocol.Frame) {
	for _, w := range e.sinks {
		select {
		case w.frames <- frame:
		default:
			e.metrics.ObserveSinkDrop(w.sink.Name())
			logging.Debug("engine", "Sink behind, frame dropped", map[string]interface{}{
				"sink": w.sink.Name(),
			})
		}
	}
}

// Close releases the transport and host channel and drains the sinks. It is
// safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.input.Close()
		if cerr := e.transport.Close(); cerr != nil {
			err = fmt.Errorf("failed to close transport: %w", cerr)
		}
		if cerr := e.channel.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close host channel: %w", cerr)
		}
		for _, w := range e.sinks {
			close(w.frames)
		}
		e.sinkWG.Wait()
		logging.Info("engine", "Link stopped", map[string]interface{}{"session": e.session})
	})
	return err
}
