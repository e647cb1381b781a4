package dsp

import "github.com/dougsko/sqandr/pkg/protocol"

// SyncState is the header synchronizer state.
type SyncState int

const (
	Searching SyncState = iota
	Locked
)

func (s SyncState) String() string {
	if s == Locked {
		return "LOCKED"
	}
	return "SEARCHING"
}

// Synchronizer slides incoming bits through a header-wide window until it
// sees the header or its complement. The window is cleared on every lock, so
// the search that follows a byte starts from zeros rather than stale bits.
type Synchronizer struct {
	header   protocol.Header
	window   uint16
	state    SyncState
	inverted bool
}

// NewSynchronizer returns a synchronizer searching for h.
func NewSynchronizer(h protocol.Header) *Synchronizer {
	return &Synchronizer{header: h}
}

// Push shifts one bit into the window while searching and reports whether it
// completed a header. Calls made while locked are ignored.
func (s *Synchronizer) Push(bit bool) bool {
	if s.state == Locked {
		return false
	}

	s.window <<= 1
	if bit {
		s.window |= 1
	}
	s.window &= s.header.Mask()

	switch s.window {
	case s.header.Pattern:
		s.inverted = false
	case s.header.Inverse:
		s.inverted = true
	default:
		return false
	}

	s.window = 0
	s.state = Locked
	return true
}

// Resume returns to searching. The inversion flag is kept until the next lock.
func (s *Synchronizer) Resume() {
	s.state = Searching
}

// State returns the current state.
func (s *Synchronizer) State() SyncState {
	return s.state
}

// Locked reports whether a header has been found and payload bits follow.
func (s *Synchronizer) Locked() bool {
	return s.state == Locked
}

// Inverted reports the polarity recorded at the last lock.
func (s *Synchronizer) Inverted() bool {
	return s.inverted
}

// Header returns the pattern being searched for.
func (s *Synchronizer) Header() protocol.Header {
	return s.header
}
