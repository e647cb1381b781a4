package dsp

import (
	"fmt"

	"github.com/dougsko/sqandr/pkg/protocol"
)

// LeadInSamples is the run of silence written ahead of the first byte. The
// receiver needs at least this much to settle between bursts.
const LeadInSamples = 21

// EncoderConfig configures the transmit framer.
type EncoderConfig struct {
	Header protocol.Header
	// Level is the magnitude written on both rails for every bit.
	Level int16
	// Repeat sends the whole payload this many times back to back.
	Repeat int
	// Lean leaves out the per-byte headers.
	Lean bool
}

// EncodeResult describes one Encode call.
type EncodeResult struct {
	// Samples is the number of leading samples carrying the burst; the rest
	// of the buffer is silence.
	Samples   int
	BytesSent int
	Truncated bool
}

// Encoder turns payload bytes into a burst of bipolar samples: a header
// ahead of every byte, then the byte MSB first, +Level for a one and -Level
// for a zero.
type Encoder struct {
	cfg EncoderConfig
}

// NewEncoder validates cfg and returns an encoder.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if !cfg.Lean && cfg.Header.Bits == 0 {
		return nil, fmt.Errorf("encoder header is not set")
	}
	if cfg.Level <= 0 {
		return nil, fmt.Errorf("encoder level must be positive, got %d", cfg.Level)
	}
	if cfg.Repeat < 1 {
		cfg.Repeat = 1
	}
	return &Encoder{cfg: cfg}, nil
}

// UnitSamples returns the samples one byte occupies on the air.
func (e *Encoder) UnitSamples() int {
	if e.cfg.Lean {
		return 8
	}
	return e.cfg.Header.Bits + 8
}

// SamplesFor returns the buffer length needed to send n bytes untruncated.
func (e *Encoder) SamplesFor(n int) int {
	return LeadInSamples + e.cfg.Repeat*n*e.UnitSamples()
}

// MaxPayload returns the largest payload that fits a buffer of the given
// length.
func (e *Encoder) MaxPayload(bufLen int) int {
	room := bufLen - LeadInSamples
	if room <= 0 {
		return 0
	}
	return room / (e.cfg.Repeat * e.UnitSamples())
}

// Encode writes payload into buf and fills what is left with silence. If
// the burst does not fit, it stops at the end of the buffer and reports the
// truncation; the buffer is still valid to push.
func (e *Encoder) Encode(payload []byte, buf []Sample) EncodeResult {
	var res EncodeResult
	if len(payload) == 0 {
		Silence(buf)
		return res
	}

	w := sampleWriter{buf: buf}
	for i := 0; i < LeadInSamples; i++ {
		w.put(Sample{})
	}

	pos := Sample{I: e.cfg.Level, Q: e.cfg.Level}
	neg := Sample{I: -e.cfg.Level, Q: -e.cfg.Level}

encode:
	for rep := 0; rep < e.cfg.Repeat; rep++ {
		for _, b := range payload {
			if !e.cfg.Lean {
				for i := 0; i < e.cfg.Header.Bits; i++ {
					if e.cfg.Header.Bit(i) {
						w.put(pos)
					} else {
						w.put(neg)
					}
				}
			}
			for bit := 7; bit >= 0; bit-- {
				if b&(1<<bit) != 0 {
					w.put(pos)
				} else {
					w.put(neg)
				}
			}
			if w.full {
				break encode
			}
			res.BytesSent++
		}
	}

	res.Samples = w.n
	res.Truncated = w.full
	Silence(buf[w.n:])
	return res
}

// Silence zeroes buf.
func Silence(buf []Sample) {
	for i := range buf {
		buf[i] = Sample{}
	}
}

// sampleWriter appends into a fixed buffer and latches full once a write
// misses the end.
type sampleWriter struct {
	buf  []Sample
	n    int
	full bool
}

func (w *sampleWriter) put(s Sample) {
	if w.n >= len(w.buf) {
		w.full = true
		return
	}
	w.buf[w.n] = s
	w.n++
}
