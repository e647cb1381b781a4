package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dougsko/sqandr/pkg/hardware"
	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/stat"
)

// silenceDB is reported for an all-zero input.
const silenceDB = -100.0

// SignalLevels is one analysed snapshot of receive amplitudes.
type SignalLevels struct {
	Timestamp int64     `json:"timestamp"`
	Samples   int       `json:"samples"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	RMSLevel  float64   `json:"rms_db"`  // RMS relative to full scale
	PeakLevel float64   `json:"peak_db"` // Peak relative to full scale
	Peak      int16     `json:"peak"`
	Clipping  bool      `json:"clipping"`
	Spectrum  []float64 `json:"spectrum,omitempty"` // Magnitude spectrum in dB
	PeakBin   int       `json:"peak_bin"`
}

// Analyze computes levels and, when at least fftSize samples are present, a
// Hann-windowed magnitude spectrum of the first fftSize samples.
func Analyze(amplitudes []int16, fftSize int) SignalLevels {
	levels := SignalLevels{
		Timestamp: time.Now().UnixMilli(),
		Samples:   len(amplitudes),
		RMSLevel:  silenceDB,
		PeakLevel: silenceDB,
	}
	if len(amplitudes) == 0 {
		return levels
	}

	values := make([]float64, len(amplitudes))
	var sumSquares float64
	for i, a := range amplitudes {
		v := float64(a)
		values[i] = v
		sumSquares += v * v

		mag := a
		if mag < 0 {
			if mag == math.MinInt16 {
				mag = math.MaxInt16
			} else {
				mag = -mag
			}
		}
		if mag > levels.Peak {
			levels.Peak = mag
		}
		if mag >= 32000 {
			levels.Clipping = true
		}
	}

	levels.Mean, levels.StdDev = stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		levels.StdDev = 0
	}

	if rms := math.Sqrt(sumSquares / float64(len(values))); rms > 0 {
		levels.RMSLevel = 20.0 * math.Log10(rms/32768.0)
	}
	if levels.Peak > 0 {
		levels.PeakLevel = 20.0 * math.Log10(float64(levels.Peak)/32768.0)
	}

	if fftSize > 1 && len(values) >= fftSize {
		levels.Spectrum, levels.PeakBin = spectrum(values[:fftSize])
	}
	return levels
}

func spectrum(samples []float64) ([]float64, int) {
	buf := make([]float64, len(samples))
	for i, s := range samples {
		buf[i] = s / 32768.0
	}
	window.Apply(buf, window.Hann)
	out := fft.FFTReal(buf)

	mags := make([]float64, len(samples)/2)
	peakBin := 0
	for i := range mags {
		mag := math.Hypot(real(out[i]), imag(out[i]))
		if mag > 0 {
			mags[i] = 20.0 * math.Log10(mag)
		} else {
			mags[i] = silenceDB
		}
		if mags[i] > mags[peakBin] {
			peakBin = i
		}
	}
	return mags, peakBin
}

// SignalMonitor analyses amplitude snapshots off the cycle loop. Snapshots
// that arrive while it is busy are dropped.
type SignalMonitor struct {
	fftSize   int
	snapshots chan *hardware.SnapshotBuffer
	metrics   *Metrics

	mu       sync.RWMutex
	latest   SignalLevels
	analysed int64
	dropped  int64
}

// NewSignalMonitor creates a monitor. metrics may be nil.
func NewSignalMonitor(fftSize int, metrics *Metrics) *SignalMonitor {
	return &SignalMonitor{
		fftSize:   fftSize,
		snapshots: make(chan *hardware.SnapshotBuffer, 4),
		metrics:   metrics,
		latest: SignalLevels{
			RMSLevel:  silenceDB,
			PeakLevel: silenceDB,
		},
	}
}

// SnapshotSize returns the number of amplitudes the monitor wants per cycle.
func (m *SignalMonitor) SnapshotSize() int {
	return m.fftSize
}

// Submit hands a snapshot to the monitor, which releases it when done. It
// returns false, releasing the buffer itself, if the monitor is behind.
func (m *SignalMonitor) Submit(buf *hardware.SnapshotBuffer) bool {
	select {
	case m.snapshots <- buf:
		return true
	default:
		buf.Release()
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		return false
	}
}

// Run analyses snapshots until ctx is done.
func (m *SignalMonitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-m.snapshots:
			m.process(buf)
		}
	}
}

func (m *SignalMonitor) process(buf *hardware.SnapshotBuffer) {
	levels := Analyze(buf.Data[:buf.Size], m.fftSize)
	buf.Release()
	m.metrics.ObserveSignal(levels)

	m.mu.Lock()
	m.latest = levels
	m.analysed++
	m.mu.Unlock()
}

// Latest returns the most recent analysis.
func (m *SignalMonitor) Latest() SignalLevels {
	m.mu.RLock()
	defer m.mu.RUnlock()

	levels := m.latest
	if levels.Spectrum != nil {
		levels.Spectrum = append([]float64(nil), levels.Spectrum...)
	}
	return levels
}

// GetStatistics returns monitoring statistics
func (m *SignalMonitor) GetStatistics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"analysed": m.analysed,
		"dropped":  m.dropped,
		"fft_size": m.fftSize,
	}
}
