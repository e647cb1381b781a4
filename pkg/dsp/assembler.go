package dsp

// ByteAssembler collects payload bits after a header lock. A slot is 8 bits,
// or 8 plus the header width while headers are being skipped; the
// accumulator is only 8 bits wide, so the tail of a long slot is the byte.
type ByteAssembler struct {
	headerBits int

	bitIndex      int
	acc           byte
	ignoreHeaders bool
	headerCounter int
}

// NewByteAssembler returns an assembler for the given header width.
func NewByteAssembler(headerBits int) *ByteAssembler {
	return &ByteAssembler{headerBits: headerBits}
}

// Start clears the accumulator for a new slot.
func (a *ByteAssembler) Start() {
	a.bitIndex = 0
	a.acc = 0
}

// SlotBits returns the bits needed to finish the current slot.
func (a *ByteAssembler) SlotBits() int {
	if a.ignoreHeaders {
		return 8 + a.headerBits
	}
	return 8
}

// Push adds one bit, MSB first, and returns the byte when the slot is full.
// The bit index is cleared on completion whatever the caller does with the
// byte. The >= test also closes a long slot that outlived its mode.
func (a *ByteAssembler) Push(bit bool) (byte, bool) {
	a.bitIndex++
	a.acc <<= 1
	if bit {
		a.acc |= 1
	}
	if a.bitIndex < a.SlotBits() {
		return 0, false
	}
	b := a.acc
	a.bitIndex = 0
	return b, true
}

// SkipHeaders enters the counted header-skipping mode.
func (a *ByteAssembler) SkipHeaders() {
	a.ignoreHeaders = true
}

// SkippingHeaders reports whether slots currently include a header.
func (a *ByteAssembler) SkippingHeaders() bool {
	return a.ignoreHeaders
}

// CountSkipped counts one skipped-header slot and reports whether interval
// slots have passed, which ends the mode.
func (a *ByteAssembler) CountSkipped(interval int) bool {
	a.headerCounter++
	if a.headerCounter < interval {
		return false
	}
	a.headerCounter = 0
	a.ignoreHeaders = false
	return true
}

// ResetTiming leaves header-skipping mode. In-progress bits are kept.
func (a *ByteAssembler) ResetTiming() {
	a.ignoreHeaders = false
	a.headerCounter = 0
}

// SyncMatcher looks for the application marker in the byte stream. It is a
// plain linear scan: a mismatch drops any partial match, including a
// mismatching byte that would itself start the marker.
type SyncMatcher struct {
	marker []byte
	index  int
	found  bool
}

// NewSyncMatcher returns a matcher for marker.
func NewSyncMatcher(marker []byte) *SyncMatcher {
	m := make([]byte, len(marker))
	copy(m, marker)
	return &SyncMatcher{marker: m}
}

// Feed checks one byte and reports whether the marker is now complete.
func (m *SyncMatcher) Feed(b byte) bool {
	if m.found || len(m.marker) == 0 {
		return m.found
	}
	if m.marker[m.index] == b {
		m.index++
		if m.index >= len(m.marker) {
			m.found = true
		}
	} else {
		m.index = 0
	}
	return m.found
}

// Found reports whether the marker has been seen since the last Reset.
func (m *SyncMatcher) Found() bool {
	return m.found
}

// Reset forgets any progress.
func (m *SyncMatcher) Reset() {
	m.index = 0
	m.found = false
}
