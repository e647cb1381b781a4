package dsp

import (
	"fmt"

	"github.com/dougsko/sqandr/pkg/protocol"
	"github.com/dougsko/sqandr/pkg/verbose"
)

// ReceiverConfig configures the receive chain.
type ReceiverConfig struct {
	Amplitude   AmplitudeExtractor
	PercentLast int
	NoiseFloor  int
	Header      protocol.Header

	// SyncGate holds back a scan's bytes unless the marker shows up in it.
	SyncGate   bool
	SyncMarker []byte

	// ByteTiming skips header searches for TimingInterval bytes once the
	// marker has been seen.
	ByteTiming     bool
	TimingInterval int

	// Capacity bounds the escaped bytes kept per scan.
	Capacity int
}

// ScanResult describes one buffer scan.
type ScanResult struct {
	// Data holds the escaped bytes recovered this scan. It aliases the
	// receiver's buffer and is only valid until the next Scan.
	Data []byte
	// Ready is set when Data should go to the host.
	Ready     bool
	SyncFound bool

	Bytes         int
	Dropped       int
	Locks         int
	InvertedLocks int
	Skipped       int
}

// Receiver runs the amplitude, threshold, header and byte stages over sample
// buffers. Threshold, header search and polarity state survive between
// scans; the recovered buffer and marker state do not.
type Receiver struct {
	cfg       ReceiverConfig
	tracker   ThresholdTracker
	sync      *Synchronizer
	assembler *ByteAssembler
	matcher   *SyncMatcher
	dataout   []byte
}

// NewReceiver validates cfg and returns a receiver in the searching state.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Header.Bits == 0 {
		return nil, fmt.Errorf("receiver header is not set")
	}
	if cfg.Capacity < 2 {
		return nil, fmt.Errorf("receiver capacity %d cannot hold an escaped byte", cfg.Capacity)
	}
	if cfg.SyncGate && len(cfg.SyncMarker) == 0 {
		return nil, fmt.Errorf("sync gate needs a marker")
	}
	if cfg.ByteTiming && cfg.TimingInterval < 1 {
		return nil, fmt.Errorf("timing interval must be at least 1")
	}

	return &Receiver{
		cfg: cfg,
		tracker: ThresholdTracker{
			PercentLast: cfg.PercentLast,
			NoiseFloor:  cfg.NoiseFloor,
		},
		sync:      NewSynchronizer(cfg.Header),
		assembler: NewByteAssembler(cfg.Header.Bits),
		matcher:   NewSyncMatcher(cfg.SyncMarker),
		dataout:   make([]byte, 0, cfg.Capacity),
	}, nil
}

// Scan processes one buffer of samples.
func (r *Receiver) Scan(samples []Sample) ScanResult {
	r.dataout = r.dataout[:0]
	r.matcher.Reset()
	r.assembler.ResetTiming()

	var res ScanResult
	trace := verbose.IsEnabled()

	for _, s := range samples {
		a := r.cfg.Amplitude.Amplitude(s)
		if !r.tracker.Admit(a) {
			res.Skipped++
			continue
		}

		bit := r.tracker.Bit(a, r.sync.Locked() && r.sync.Inverted())
		if !r.sync.Locked() {
			if r.sync.Push(bit) {
				r.assembler.Start()
				res.Locks++
				if r.sync.Inverted() {
					res.InvertedLocks++
				}
			}
		} else if b, done := r.assembler.Push(bit); done {
			r.completeByte(b, &res)
		}

		if trace {
			verbose.Printf("rx", "bit %d amplitude %d state %s", b2i(bit), a, r.sync.State())
		}
		r.tracker.Update(a)
	}

	res.Data = r.dataout
	res.SyncFound = r.matcher.Found()
	res.Ready = len(res.Data) > 0 && (!r.cfg.SyncGate || res.SyncFound)
	return res
}

func (r *Receiver) completeByte(b byte, res *ScanResult) {
	res.Bytes++
	if len(r.dataout)+protocol.EscapedLen(b) <= r.cfg.Capacity {
		r.dataout = protocol.AppendEscaped(r.dataout, b)
	} else {
		res.Dropped++
	}

	if r.cfg.SyncGate && !r.matcher.Found() {
		r.matcher.Feed(b)
	}

	if r.matcher.Found() && r.cfg.ByteTiming {
		r.assembler.SkipHeaders()
	}
	if r.assembler.SkippingHeaders() {
		if r.assembler.CountSkipped(r.cfg.TimingInterval) {
			r.sync.Resume()
		}
		return
	}
	r.sync.Resume()
}

// State returns the synchronizer state.
func (r *Receiver) State() SyncState {
	return r.sync.State()
}

// Inverted reports the polarity of the last header lock.
func (r *Receiver) Inverted() bool {
	return r.sync.Inverted()
}

// Threshold returns the current reference level.
func (r *Receiver) Threshold() int16 {
	return r.tracker.Last()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
