package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CycleReport summarises one engine cycle for the metrics collectors.
type CycleReport struct {
	Duration time.Duration

	RxBytes       int
	RxEmitted     bool
	RxDropped     int
	HeaderLocks   int
	InvertedLocks int
	Skipped       int

	TxBytes   int
	Truncated bool
	Heartbeat bool
	Locked    bool
	Threshold int16
}

// Metrics holds the Prometheus collectors for the link. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram

	rxFrames      prometheus.Counter
	rxBytes       prometheus.Counter
	rxDropped     prometheus.Counter
	headerLocks   *prometheus.CounterVec // by polarity
	skipped       prometheus.Counter
	txFrames      prometheus.Counter
	txBytes       prometheus.Counter
	txTruncated   prometheus.Counter
	heartbeats    prometheus.Counter
	sinkDrops     *prometheus.CounterVec // by sink
	locked        prometheus.Gauge
	threshold     prometheus.Gauge
	signalRMS     prometheus.Gauge
	signalPeak    prometheus.Gauge
	signalStdDev  prometheus.Gauge
	signalClipped prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_cycles_total",
			Help: "Receive/transmit cycles completed",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqandr_cycle_duration_seconds",
			Help:    "Time spent in one cycle",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		rxFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_rx_frames_total",
			Help: "Scans whose recovered bytes were sent to the host",
		}),
		rxBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_rx_bytes_total",
			Help: "Bytes recovered by the receiver",
		}),
		rxDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_rx_dropped_bytes_total",
			Help: "Recovered bytes dropped because the scan buffer was full",
		}),
		headerLocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sqandr_header_locks_total",
			Help: "Header locks by signal polarity",
		}, []string{"polarity"}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_skipped_samples_total",
			Help: "Samples below the noise floor",
		}),
		txFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_tx_frames_total",
			Help: "Host payloads encoded and pushed",
		}),
		txBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_tx_bytes_total",
			Help: "Payload bytes put on the air, counting repeats",
		}),
		txTruncated: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_tx_truncated_total",
			Help: "Transmissions cut short by the buffer size",
		}),
		heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_heartbeats_total",
			Help: "Heartbeat packets sent to the host",
		}),
		sinkDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sqandr_sink_dropped_frames_total",
			Help: "Frames not delivered to a sink because it was behind",
		}, []string{"sink"}),
		locked: f.NewGauge(prometheus.GaugeOpts{
			Name: "sqandr_receiver_locked",
			Help: "1 while the receiver is inside a byte after a header lock",
		}),
		threshold: f.NewGauge(prometheus.GaugeOpts{
			Name: "sqandr_receiver_threshold",
			Help: "Current adaptive threshold reference",
		}),
		signalRMS: f.NewGauge(prometheus.GaugeOpts{
			Name: "sqandr_signal_rms_dbfs",
			Help: "RMS amplitude of the last monitor snapshot in dBFS",
		}),
		signalPeak: f.NewGauge(prometheus.GaugeOpts{
			Name: "sqandr_signal_peak_dbfs",
			Help: "Peak amplitude of the last monitor snapshot in dBFS",
		}),
		signalStdDev: f.NewGauge(prometheus.GaugeOpts{
			Name: "sqandr_signal_stddev",
			Help: "Amplitude standard deviation of the last monitor snapshot",
		}),
		signalClipped: f.NewCounter(prometheus.CounterOpts{
			Name: "sqandr_signal_clipped_snapshots_total",
			Help: "Monitor snapshots with clipped samples",
		}),
	}
}

// ObserveCycle records one engine cycle.
func (m *Metrics) ObserveCycle(r CycleReport) {
	if m == nil {
		return
	}

	m.cycles.Inc()
	m.cycleDuration.Observe(r.Duration.Seconds())

	if r.RxEmitted {
		m.rxFrames.Inc()
	}
	m.rxBytes.Add(float64(r.RxBytes))
	m.rxDropped.Add(float64(r.RxDropped))
	m.headerLocks.WithLabelValues("normal").Add(float64(r.HeaderLocks - r.InvertedLocks))
	m.headerLocks.WithLabelValues("inverted").Add(float64(r.InvertedLocks))
	m.skipped.Add(float64(r.Skipped))

	if r.TxBytes > 0 {
		m.txFrames.Inc()
		m.txBytes.Add(float64(r.TxBytes))
	}
	if r.Truncated {
		m.txTruncated.Inc()
	}
	if r.Heartbeat {
		m.heartbeats.Inc()
	}

	if r.Locked {
		m.locked.Set(1)
	} else {
		m.locked.Set(0)
	}
	m.threshold.Set(float64(r.Threshold))
}

// ObserveSinkDrop counts a frame a sink missed.
func (m *Metrics) ObserveSinkDrop(sink string) {
	if m == nil {
		return
	}
	m.sinkDrops.WithLabelValues(sink).Inc()
}

// ObserveSignal records a monitor snapshot.
func (m *Metrics) ObserveSignal(levels SignalLevels) {
	if m == nil {
		return
	}
	m.signalRMS.Set(levels.RMSLevel)
	m.signalPeak.Set(levels.PeakLevel)
	m.signalStdDev.Set(levels.StdDev)
	if levels.Clipping {
		m.signalClipped.Inc()
	}
}
