package hardware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/dougsko/sqandr/pkg/dsp"
)

// BytesPerSample is the wire size of one interleaved I/Q pair.
const BytesPerSample = 4

// StreamTransport exchanges samples as interleaved little-endian int16 I/Q
// pairs over a byte stream: a TCP connection to an SDR bridge, or a pair of
// capture and output files.
type StreamTransport struct {
	name string
	r    io.Reader
	w    io.Writer

	closers []io.Closer
	// endOnEOF marks a finite source whose end is not a fault.
	endOnEOF bool

	rx    []dsp.Sample
	tx    []dsp.Sample
	rxRaw []byte
	txRaw []byte

	mu     sync.Mutex
	closed bool
}

// NewStreamTransport wraps an existing reader and writer. Closers are closed,
// in order, by Close.
func NewStreamTransport(name string, r io.Reader, w io.Writer, rxSamples, txSamples int, endOnEOF bool, closers ...io.Closer) *StreamTransport {
	if w == nil {
		w = io.Discard
	}
	return &StreamTransport{
		name:     name,
		r:        r,
		w:        w,
		closers:  closers,
		endOnEOF: endOnEOF,
		rx:       make([]dsp.Sample, rxSamples),
		tx:       make([]dsp.Sample, txSamples),
		rxRaw:    make([]byte, rxSamples*BytesPerSample),
		txRaw:    make([]byte, txSamples*BytesPerSample),
	}
}

// DialStream connects to a sample server at addr.
func DialStream(ctx context.Context, addr string, rxSamples, txSamples int) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewStreamTransport("tcp:"+addr, conn, conn, rxSamples, txSamples, false, conn), nil
}

// OpenFileStream replays samples from rxPath and records transmitted samples
// to txPath. An empty txPath discards transmit buffers.
func OpenFileStream(rxPath, txPath string, rxSamples, txSamples int) (*StreamTransport, error) {
	in, err := os.Open(rxPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open rx file: %w", err)
	}
	if txPath == "" {
		return NewStreamTransport("file:"+rxPath, in, nil, rxSamples, txSamples, true, in), nil
	}

	out, err := os.Create(txPath)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("failed to create tx file: %w", err)
	}
	return NewStreamTransport("file:"+rxPath, in, out, rxSamples, txSamples, true, in, out), nil
}

// Name describes the stream.
func (s *StreamTransport) Name() string {
	return s.name
}

// RxBuffer returns the receive buffer.
func (s *StreamTransport) RxBuffer() []dsp.Sample {
	return s.rx
}

// TxBuffer returns the transmit buffer.
func (s *StreamTransport) TxBuffer() []dsp.Sample {
	return s.tx
}

// Refill reads one receive buffer. A short final read is zero-padded. A
// stream that ends is a fault unless it is a finite replay source, which
// reports ErrSourceExhausted instead.
func (s *StreamTransport) Refill() (int, error) {
	if s.isClosed() {
		return 0, ErrTransportClosed
	}

	n, err := io.ReadFull(s.r, s.rxRaw)
	samples := n / BytesPerSample
	DecodeSamples(s.rx[:samples], s.rxRaw[:samples*BytesPerSample])
	dsp.Silence(s.rx[samples:])

	switch {
	case err == nil:
		return samples, nil
	case errors.Is(err, io.ErrUnexpectedEOF) && samples > 0:
		return samples, nil
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		if s.endOnEOF {
			return 0, ErrSourceExhausted
		}
		return 0, fmt.Errorf("%s: sample stream ended: %w", s.name, err)
	default:
		return samples, fmt.Errorf("%s: failed to read samples: %w", s.name, err)
	}
}

// Push writes the whole transmit buffer.
func (s *StreamTransport) Push() (int, error) {
	if s.isClosed() {
		return 0, ErrTransportClosed
	}

	EncodeSamples(s.txRaw, s.tx)
	if _, err := s.w.Write(s.txRaw); err != nil {
		return 0, fmt.Errorf("%s: failed to write samples: %w", s.name, err)
	}
	return len(s.tx), nil
}

// Close closes the underlying stream.
func (s *StreamTransport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *StreamTransport) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EncodeSamples writes samples into dst as interleaved little-endian int16
// I/Q pairs. dst must hold len(samples)*BytesPerSample bytes.
func EncodeSamples(dst []byte, samples []dsp.Sample) {
	for i, smp := range samples {
		binary.LittleEndian.PutUint16(dst[i*BytesPerSample:], uint16(smp.I))
		binary.LittleEndian.PutUint16(dst[i*BytesPerSample+2:], uint16(smp.Q))
	}
}

// DecodeSamples is the inverse of EncodeSamples.
func DecodeSamples(dst []dsp.Sample, src []byte) {
	for i := range dst {
		dst[i] = dsp.Sample{
			I: int16(binary.LittleEndian.Uint16(src[i*BytesPerSample:])),
			Q: int16(binary.LittleEndian.Uint16(src[i*BytesPerSample+2:])),
		}
	}
}
