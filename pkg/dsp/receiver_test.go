package dsp

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/dougsko/sqandr/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testLevel = 30000

type linkOptions struct {
	headerBits     int
	repeat         int
	capacity       int
	syncGate       bool
	byteTiming     bool
	timingInterval int
	noiseFloor     int
}

func defaultLinkOptions() linkOptions {
	return linkOptions{headerBits: 12, repeat: 1, capacity: 4096, timingInterval: 20}
}

func newTestLink(t testing.TB, opts linkOptions) (*Encoder, *Receiver) {
	h, err := protocol.NewHeader(opts.headerBits)
	require.NoError(t, err)

	enc, err := NewEncoder(EncoderConfig{Header: h, Level: testLevel, Repeat: opts.repeat})
	require.NoError(t, err)

	rx, err := NewReceiver(ReceiverConfig{
		Amplitude:      AmplitudeExtractor{Policy: AmplitudeI, Shift: 4},
		PercentLast:    5,
		NoiseFloor:     opts.noiseFloor,
		Header:         h,
		SyncGate:       opts.syncGate,
		SyncMarker:     protocol.DefaultSyncMarker,
		ByteTiming:     opts.byteTiming,
		TimingInterval: opts.timingInterval,
		Capacity:       opts.capacity,
	})
	require.NoError(t, err)
	return enc, rx
}

// adc drops the low four bits the way the 12-bit front end does.
func adc(in []Sample) []Sample {
	out := make([]Sample, len(in))
	for i, s := range in {
		out[i] = Sample{I: s.I >> 4, Q: s.Q >> 4}
	}
	return out
}

func invert(in []Sample) []Sample {
	out := make([]Sample, len(in))
	for i, s := range in {
		out[i] = Sample{I: -s.I, Q: -s.Q}
	}
	return out
}

func encodeBurst(t testing.TB, enc *Encoder, payload []byte) []Sample {
	buf := make([]Sample, enc.SamplesFor(len(payload)))
	res := enc.Encode(payload, buf)
	require.False(t, res.Truncated)
	require.Equal(t, len(payload)*enc.cfg.Repeat, res.BytesSent)
	return adc(buf)
}

func lastByte(data []byte) byte {
	dec := protocol.Unescape(data)
	if len(dec) == 0 {
		return 0
	}
	return dec[len(dec)-1]
}

func TestLoopback(t *testing.T) {
	random := func(n int) []byte {
		r := rand.New(rand.NewSource(int64(n)))
		b := make([]byte, n)
		r.Read(b)
		return b
	}

	for _, n := range []int{1, 16, 1024} {
		patterns := map[string][]byte{
			"zeros":  make([]byte, n),
			"ones":   bytes.Repeat([]byte{0xFF}, n),
			"random": random(n),
		}
		for name, payload := range patterns {
			payload := payload
			t.Run(name, func(t *testing.T) {
				enc, rx := newTestLink(t, defaultLinkOptions())
				res := rx.Scan(encodeBurst(t, enc, payload))

				assert.True(t, res.Ready)
				assert.Equal(t, len(payload), res.Bytes)
				assert.Zero(t, res.Dropped)
				assert.Equal(t, payload, protocol.Unescape(res.Data), "length %d", n)
				assert.Equal(t, protocol.Escape(payload), res.Data)
			})
		}
	}
}

func TestLoopbackHeaderWidths(t *testing.T) {
	payload := []byte{0x00, 0xFF, 0x53, 0xAC, 0x0A, 0x40, 0x7F, 0x66, 0x99}
	for _, bits := range []int{8, 9, 11, 12} {
		opts := defaultLinkOptions()
		opts.headerBits = bits
		enc, rx := newTestLink(t, opts)

		res := rx.Scan(encodeBurst(t, enc, payload))
		assert.Equal(t, payload, protocol.Unescape(res.Data), "header width %d", bits)
	}
}

func TestLoopbackRepeat(t *testing.T) {
	opts := defaultLinkOptions()
	opts.repeat = 3
	enc, rx := newTestLink(t, opts)

	payload := []byte("sqan")
	res := rx.Scan(encodeBurst(t, enc, payload))
	assert.Equal(t, bytes.Repeat(payload, 3), protocol.Unescape(res.Data))
}

func TestLoopbackProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "payload")
		bits := rapid.SampledFrom([]int{8, 9, 11, 12}).Draw(rt, "bits")

		opts := defaultLinkOptions()
		opts.headerBits = bits
		enc, rx := newTestLink(t, opts)

		samples := encodeBurst(t, enc, payload)
		split := rapid.IntRange(0, len(samples)).Draw(rt, "split")

		// State carries across buffers, so a burst split over two scans
		// decodes the same as one.
		first := append([]byte(nil), rx.Scan(samples[:split]).Data...)
		second := rx.Scan(samples[split:]).Data
		got := protocol.Unescape(append(first, second...))
		if !bytes.Equal(got, payload) {
			rt.Fatalf("expected % x, got % x", payload, got)
		}
	})
}

func TestPolaritySymmetry(t *testing.T) {
	payload := []byte{0x66, 0x99, 0x01, 0xFE, 0x5A}

	enc, rx := newTestLink(t, defaultLinkOptions())
	normal := rx.Scan(encodeBurst(t, enc, payload))
	assert.False(t, rx.Inverted())
	assert.Equal(t, len(payload), normal.Locks)
	assert.Zero(t, normal.InvertedLocks)

	enc, rx = newTestLink(t, defaultLinkOptions())
	inverted := rx.Scan(invert(encodeBurst(t, enc, payload)))
	assert.True(t, rx.Inverted())
	assert.Equal(t, len(payload), inverted.InvertedLocks)

	assert.Equal(t, normal.Data, inverted.Data)
	assert.Equal(t, payload, protocol.Unescape(inverted.Data))
}

func TestResyncAfterNoise(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		noise := func(label string) []Sample {
			vals := rapid.SliceOfN(rapid.Int16(), 0, 300).Draw(rt, label)
			out := make([]Sample, len(vals))
			for i, v := range vals {
				out[i] = Sample{I: v, Q: v}
			}
			return out
		}

		enc, rx := newTestLink(t, defaultLinkOptions())
		first := rapid.Byte().Draw(rt, "first")
		second := rapid.Byte().Draw(rt, "second")

		rx.Scan(noise("noise1"))
		res := rx.Scan(encodeBurst(t, enc, []byte{first}))
		if got := lastByte(res.Data); got != first {
			rt.Fatalf("first byte: expected %#02x, got %#02x (% x)", first, got, res.Data)
		}

		rx.Scan(noise("noise2"))
		res = rx.Scan(encodeBurst(t, enc, []byte{second}))
		if got := lastByte(res.Data); got != second {
			rt.Fatalf("second byte: expected %#02x, got %#02x (% x)", second, got, res.Data)
		}
	})
}

func TestSyncGate(t *testing.T) {
	opts := defaultLinkOptions()
	opts.syncGate = true

	t.Run("No Marker No Output", func(t *testing.T) {
		enc, rx := newTestLink(t, opts)
		res := rx.Scan(encodeBurst(t, enc, []byte{0x01, 0x66, 0x42, 0x99}))
		assert.Equal(t, 4, res.Bytes)
		assert.NotEmpty(t, res.Data)
		assert.False(t, res.SyncFound)
		assert.False(t, res.Ready)
	})

	t.Run("Marker At Any Offset", func(t *testing.T) {
		for offset := 0; offset < 5; offset++ {
			payload := append(bytes.Repeat([]byte{0x31}, offset), 0x66, 0x99, 0x20, 0x21)
			enc, rx := newTestLink(t, opts)
			res := rx.Scan(encodeBurst(t, enc, payload))
			assert.True(t, res.SyncFound, "offset %d", offset)
			assert.True(t, res.Ready, "offset %d", offset)
			assert.Equal(t, payload, protocol.Unescape(res.Data))
		}
	})

	t.Run("Marker State Resets Each Scan", func(t *testing.T) {
		enc, rx := newTestLink(t, opts)
		res := rx.Scan(encodeBurst(t, enc, []byte{0x66, 0x99}))
		require.True(t, res.Ready)

		res = rx.Scan(encodeBurst(t, enc, []byte{0x20, 0x21}))
		assert.False(t, res.SyncFound)
		assert.False(t, res.Ready)
	})

	t.Run("Split Marker Across Scans Is Missed", func(t *testing.T) {
		enc, rx := newTestLink(t, opts)
		rx.Scan(encodeBurst(t, enc, []byte{0x66}))
		res := rx.Scan(encodeBurst(t, enc, []byte{0x99}))
		assert.False(t, res.SyncFound)
	})
}

func TestCapacityBoundary(t *testing.T) {
	t.Run("Exactly Capacity Bytes Kept", func(t *testing.T) {
		opts := defaultLinkOptions()
		opts.capacity = 8
		enc, rx := newTestLink(t, opts)

		payload := []byte("ABCDEFGHIJKL")
		res := rx.Scan(encodeBurst(t, enc, payload))
		assert.Equal(t, 12, res.Bytes)
		assert.Equal(t, 4, res.Dropped)
		assert.Equal(t, payload[:8], res.Data)
		assert.True(t, res.Ready)
	})

	t.Run("Escaped Pair Does Not Straddle The Limit", func(t *testing.T) {
		opts := defaultLinkOptions()
		opts.capacity = 3
		enc, rx := newTestLink(t, opts)

		res := rx.Scan(encodeBurst(t, enc, []byte{0x41, 0x42, 0x0A, 0x43}))
		assert.Equal(t, []byte{0x41, 0x42, 0x43}, res.Data)
		assert.Equal(t, 1, res.Dropped)
	})

	t.Run("Receiver Keeps Working After Overflow", func(t *testing.T) {
		opts := defaultLinkOptions()
		opts.capacity = 8
		opts.syncGate = true
		opts.byteTiming = true
		opts.timingInterval = 50
		enc, rx := newTestLink(t, opts)

		first := rx.Scan(encodeBurst(t, enc, append([]byte{0x66, 0x99}, bytes.Repeat([]byte{0x55}, 12)...)))
		require.Equal(t, 6, first.Dropped)

		// The receiver is still mid-interval and skipping headers when the
		// scan ends, so the next scan may open with one stray byte.
		res := rx.Scan(encodeBurst(t, enc, []byte{0x66, 0x99, 0x21}))
		assert.True(t, res.SyncFound)
		got := protocol.Unescape(res.Data)
		assert.True(t, bytes.HasSuffix(got, []byte{0x66, 0x99, 0x21}), "got % x", got)
		assert.LessOrEqual(t, len(got), 4)
	})
}

func TestByteTiming(t *testing.T) {
	payload := []byte{0x66, 0x99, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5}

	corrupt := func(enc *Encoder, samples []Sample) []Sample {
		// Flatten the header in front of 0xA1.
		start := LeadInSamples + 2*enc.UnitSamples()
		for i := start; i < start+enc.cfg.Header.Bits; i++ {
			samples[i] = Sample{I: testLevel >> 4, Q: testLevel >> 4}
		}
		return samples
	}

	t.Run("Clean Stream", func(t *testing.T) {
		opts := defaultLinkOptions()
		opts.syncGate = true
		opts.byteTiming = true
		opts.timingInterval = 3
		enc, rx := newTestLink(t, opts)

		res := rx.Scan(encodeBurst(t, enc, payload))
		assert.Equal(t, payload, protocol.Unescape(res.Data))
	})

	t.Run("Skipped Header Is Not Needed", func(t *testing.T) {
		opts := defaultLinkOptions()
		opts.syncGate = true
		opts.byteTiming = true
		opts.timingInterval = 3
		enc, rx := newTestLink(t, opts)

		res := rx.Scan(corrupt(enc, encodeBurst(t, enc, payload)))
		assert.Equal(t, payload, protocol.Unescape(res.Data))
	})

	t.Run("Without Timing The Byte Is Lost", func(t *testing.T) {
		opts := defaultLinkOptions()
		opts.syncGate = true
		enc, rx := newTestLink(t, opts)

		res := rx.Scan(corrupt(enc, encodeBurst(t, enc, payload)))
		assert.NotEqual(t, payload, protocol.Unescape(res.Data))
	})

	t.Run("Short Header Slots", func(t *testing.T) {
		opts := defaultLinkOptions()
		opts.headerBits = 8
		opts.syncGate = true
		opts.byteTiming = true
		opts.timingInterval = 2
		enc, rx := newTestLink(t, opts)

		res := rx.Scan(encodeBurst(t, enc, payload))
		assert.Equal(t, payload, protocol.Unescape(res.Data))
	})
}

func TestNoiseFloor(t *testing.T) {
	payload := []byte{0x66, 0x99, 0x3C, 0xC3}

	// Interleave a weak sample after every burst sample.
	withWeakSamples := func(in []Sample) []Sample {
		out := make([]Sample, 0, 2*len(in))
		for i, s := range in {
			weak := int16(10)
			if i%2 == 0 {
				weak = -10
			}
			out = append(out, s, Sample{I: weak, Q: weak})
		}
		return out
	}

	t.Run("Floor Enabled", func(t *testing.T) {
		opts := defaultLinkOptions()
		opts.noiseFloor = 5000
		enc, rx := newTestLink(t, opts)

		burst := encodeBurst(t, enc, payload)
		nonZero := 0
		for _, s := range burst {
			if s.I != 0 {
				nonZero++
			}
		}
		res := rx.Scan(withWeakSamples(burst))
		assert.Equal(t, payload, protocol.Unescape(res.Data))
		assert.Equal(t, 2*len(burst)-nonZero, res.Skipped, "weak and silent samples are skipped")
	})

	t.Run("Floor Disabled", func(t *testing.T) {
		enc, rx := newTestLink(t, defaultLinkOptions())

		res := rx.Scan(withWeakSamples(encodeBurst(t, enc, payload)))
		assert.Zero(t, res.Skipped)
		assert.NotEqual(t, payload, protocol.Unescape(res.Data))
	})
}

func TestNewReceiverValidation(t *testing.T) {
	h, _ := protocol.NewHeader(12)

	_, err := NewReceiver(ReceiverConfig{Capacity: 10})
	assert.Error(t, err)

	_, err = NewReceiver(ReceiverConfig{Header: h, Capacity: 1})
	assert.Error(t, err)

	_, err = NewReceiver(ReceiverConfig{Header: h, Capacity: 10, SyncGate: true})
	assert.Error(t, err)

	_, err = NewReceiver(ReceiverConfig{Header: h, Capacity: 10, ByteTiming: true})
	assert.Error(t, err)
}
