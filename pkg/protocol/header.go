package protocol

import "fmt"

// CanonicalHeader is the 12-bit pattern sent ahead of every byte. Narrower
// headers use its low bits.
const CanonicalHeader uint16 = 0xB53

// DefaultSyncMarker is the application marker that opens a real frame.
var DefaultSyncMarker = []byte{0x66, 0x99}

// Header describes the per-byte header pattern for one header width.
type Header struct {
	Bits    int
	Pattern uint16
	Inverse uint16
}

// NewHeader returns the header for the given width (8, 9, 11 or 12 bits).
func NewHeader(bits int) (Header, error) {
	switch bits {
	case 8, 9, 11, 12:
	default:
		return Header{}, fmt.Errorf("unsupported header width %d", bits)
	}
	mask := uint16(1)<<bits - 1
	pattern := CanonicalHeader & mask
	return Header{
		Bits:    bits,
		Pattern: pattern,
		Inverse: ^pattern & mask,
	}, nil
}

// Mask returns the window mask for this header width.
func (h Header) Mask() uint16 {
	return uint16(1)<<h.Bits - 1
}

// Bit returns header bit i, counting from the most significant (first sent).
func (h Header) Bit(i int) bool {
	return h.Pattern&(1<<(h.Bits-1-i)) != 0
}

func (h Header) String() string {
	return fmt.Sprintf("%0*b", h.Bits, h.Pattern)
}
