package host

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/dougsko/sqandr/pkg/dsp"
	"github.com/dougsko/sqandr/pkg/hardware"
	"github.com/dougsko/sqandr/pkg/protocol"
)

// FramerConfig selects the host output format.
type FramerConfig struct {
	// Binary writes recovered bytes as-is and enables the end-of-cycle
	// status packets. Otherwise frames are "+<hex>\n" lines.
	Binary bool
	// HeartbeatInterval is the number of idle cycles between heartbeats.
	HeartbeatInterval int
}

// OutputFramer writes recovered data and status packets to the host. Every
// write is flushed before returning.
type OutputFramer struct {
	cfg FramerConfig
	w   *bufio.Writer
	mu  sync.Mutex

	idleCycles int
	scratch    []byte
}

// NewOutputFramer wraps w.
func NewOutputFramer(w io.Writer, cfg FramerConfig) *OutputFramer {
	if cfg.HeartbeatInterval < 1 {
		cfg.HeartbeatInterval = 1
	}
	return &OutputFramer{
		cfg: cfg,
		w:   bufio.NewWriter(w),
	}
}

// WriteFrame writes one scan's recovered bytes.
func (f *OutputFramer) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.Binary {
		return f.write(data)
	}
	f.scratch = protocol.AppendTextFrame(f.scratch[:0], data)
	return f.write(f.scratch)
}

// WriteRaw dumps a sample buffer as interleaved little-endian int16 bytes,
// with the bytes the host's serial stack would mangle substituted.
func (f *OutputFramer) WriteRaw(samples []dsp.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	need := len(samples) * hardware.BytesPerSample
	if cap(f.scratch) < need {
		f.scratch = make([]byte, need)
	}
	buf := f.scratch[:need]
	hardware.EncodeSamples(buf, samples)
	for i, b := range buf {
		buf[i] = protocol.RawSubstitute(b)
	}
	return f.write(buf)
}

// EndCycle writes the binary status packet for a finished cycle. An active
// cycle gets a send notification carrying hostBytes; idle cycles get a
// heartbeat every HeartbeatInterval cycles. It reports whether a heartbeat
// went out. Text mode writes nothing.
func (f *OutputFramer) EndCycle(active bool, hostBytes int) (bool, error) {
	if !f.cfg.Binary {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if active {
		f.idleCycles = 0
		return false, f.write(protocol.SendNotification(hostBytes))
	}

	f.idleCycles++
	if f.idleCycles < f.cfg.HeartbeatInterval {
		return false, nil
	}
	f.idleCycles = 0
	return true, f.write(protocol.Heartbeat)
}

// Binary reports whether the framer is in binary mode.
func (f *OutputFramer) Binary() bool {
	return f.cfg.Binary
}

func (f *OutputFramer) write(p []byte) error {
	if _, err := f.w.Write(p); err != nil {
		return fmt.Errorf("failed to write to host: %w", err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush host output: %w", err)
	}
	return nil
}
