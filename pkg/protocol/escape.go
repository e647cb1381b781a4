package protocol

// EscapeMarker precedes a byte that was XORed with 0xFF so it can cross the
// host channel. Control bytes, the marker itself and DEL are escaped.
const EscapeMarker byte = 0x40

const (
	escapeXOR byte = 0xFF
	charDEL   byte = 0x7F
)

// NeedsEscape reports whether b cannot travel raw over the host channel.
func NeedsEscape(b byte) bool {
	return b < 32 || b == EscapeMarker || b == charDEL
}

// AppendEscaped appends the host-channel form of b to dst.
func AppendEscaped(dst []byte, b byte) []byte {
	if NeedsEscape(b) {
		return append(dst, EscapeMarker, b^escapeXOR)
	}
	return append(dst, b)
}

// EscapedLen returns how many bytes b occupies once escaped.
func EscapedLen(b byte) int {
	if NeedsEscape(b) {
		return 2
	}
	return 1
}

// Escape returns the host-channel form of data.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/4)
	for _, b := range data {
		out = AppendEscaped(out, b)
	}
	return out
}

// Unescape reverses Escape. A trailing marker with nothing after it is
// dropped.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	escNext := false
	for _, b := range data {
		if escNext {
			out = append(out, b^escapeXOR)
			escNext = false
			continue
		}
		if b == EscapeMarker {
			escNext = true
			continue
		}
		out = append(out, b)
	}
	return out
}
