package hardware

import (
	"sync"

	"github.com/dougsko/sqandr/pkg/dsp"
	"github.com/dougsko/sqandr/pkg/logging"
)

// ADCShift is the number of low bits the 12-bit converter drops from a
// full-scale 16-bit sample.
const ADCShift = 4

// maxQueuedBuffers bounds how many transmitted bursts the loopback holds
// before it starts discarding the oldest.
const maxQueuedBuffers = 8

// LoopbackTransport feeds every transmitted burst back into the receive
// path, scaled the way the radio's converters would scale it. Silent pushes
// are not queued, so an idle link reads back silence.
type LoopbackTransport struct {
	mu sync.Mutex

	rx []dsp.Sample
	tx []dsp.Sample

	queue    []dsp.Sample
	bursts   int
	inverted bool
	closed   bool

	pushed   uint64
	overruns uint64
}

// NewLoopbackTransport creates a loopback transport with the given buffer
// sizes.
func NewLoopbackTransport(rxSamples, txSamples int) *LoopbackTransport {
	return &LoopbackTransport{
		rx: make([]dsp.Sample, rxSamples),
		tx: make([]dsp.Sample, txSamples),
	}
}

// Name returns "loopback".
func (l *LoopbackTransport) Name() string {
	return "loopback"
}

// SetInverted flips the sign of looped-back samples, as a receiver with the
// opposite phase would see them.
func (l *LoopbackTransport) SetInverted(inverted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inverted = inverted
}

// RxBuffer returns the receive buffer.
func (l *LoopbackTransport) RxBuffer() []dsp.Sample {
	return l.rx
}

// TxBuffer returns the transmit buffer.
func (l *LoopbackTransport) TxBuffer() []dsp.Sample {
	return l.tx
}

// Refill moves queued samples into the receive buffer and zero-pads the rest.
func (l *LoopbackTransport) Refill() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrTransportClosed
	}

	n := copy(l.rx, l.queue)
	dsp.Silence(l.rx[n:])
	l.queue = l.queue[n:]
	if len(l.queue) == 0 {
		l.queue = nil
		l.bursts = 0
	}
	return len(l.rx), nil
}

// Push queues the transmit buffer for a later Refill.
func (l *LoopbackTransport) Push() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrTransportClosed
	}

	end := lastNonZero(l.tx) + 1
	if end == 0 {
		return len(l.tx), nil
	}

	if l.bursts >= maxQueuedBuffers {
		l.overruns++
		logging.Warn("hardware", "Loopback queue full, dropping queued samples", map[string]interface{}{
			"queued": len(l.queue),
		})
		l.queue = nil
		l.bursts = 0
	}

	for _, s := range l.tx[:end] {
		s = dsp.Sample{I: s.I >> ADCShift, Q: s.Q >> ADCShift}
		if l.inverted {
			s = dsp.Sample{I: -s.I, Q: -s.Q}
		}
		l.queue = append(l.queue, s)
	}
	l.bursts++
	l.pushed++
	return len(l.tx), nil
}

// Pending returns the number of samples waiting to be received.
func (l *LoopbackTransport) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stats returns the number of bursts looped back and the number of times the
// queue overflowed.
func (l *LoopbackTransport) Stats() (pushed, overruns uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pushed, l.overruns
}

// Close releases the transport. Further calls fail with ErrTransportClosed.
func (l *LoopbackTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.queue = nil
	return nil
}

func lastNonZero(buf []dsp.Sample) int {
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] != (dsp.Sample{}) {
			return i
		}
	}
	return -1
}
