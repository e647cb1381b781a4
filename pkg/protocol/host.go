package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Host channel packets in binary output mode.
var (
	Heartbeat = []byte{0x01, 0x02, 0x03, 0x04}
	ExitBytes = []byte{0x10, 0x10}
)

// Host line markers.
const (
	LineTerminator byte = '\n'
	TextSendPrefix byte = '*'
	TextExitPrefix byte = 'e'
	TextOutPrefix  byte = '+'
)

// SendNotification returns the 5-byte packet that follows an active cycle in
// binary mode. The last byte is the host payload length, capped at 255.
func SendNotification(n int) []byte {
	if n > 255 {
		n = 255
	}
	if n < 0 {
		n = 0
	}
	return []byte{0x01, 0x02, 0x03, 0x04, byte(n)}
}

// HostCommandType classifies one line read from the host.
type HostCommandType int

const (
	HostNone HostCommandType = iota
	HostSend
	HostExit
)

func (t HostCommandType) String() string {
	switch t {
	case HostSend:
		return "SEND"
	case HostExit:
		return "EXIT"
	default:
		return "NONE"
	}
}

// HostCommand is a parsed host line.
type HostCommand struct {
	Type    HostCommandType
	Payload []byte
}

// ParseTextLine parses a text-mode host line (terminator already removed).
// "*" followed by hex pairs is a payload, "e" asks for shutdown, anything else
// means nothing to send. An odd trailing digit is ignored.
func ParseTextLine(line []byte, maxInput int) (HostCommand, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return HostCommand{}, nil
	}
	switch line[0] {
	case TextExitPrefix:
		return HostCommand{Type: HostExit}, nil
	case TextSendPrefix:
	default:
		return HostCommand{}, nil
	}

	digits := line[1:]
	n := len(digits) / 2
	if n > maxInput {
		n = maxInput
	}
	if n == 0 {
		return HostCommand{}, nil
	}
	payload := make([]byte, n)
	if _, err := hex.Decode(payload, digits[:n*2]); err != nil {
		return HostCommand{}, fmt.Errorf("malformed hex payload: %w", err)
	}
	return HostCommand{Type: HostSend, Payload: payload}, nil
}

// ParseBinaryLine parses a binary-mode host line (terminator already
// removed). Lines of one byte or less carry nothing; a line opening with the
// exit pair asks for shutdown; anything else is unescaped into a payload.
func ParseBinaryLine(line []byte, maxInput int) HostCommand {
	if len(line) <= 1 {
		return HostCommand{}
	}
	if line[0] == ExitBytes[0] && line[1] == ExitBytes[1] {
		return HostCommand{Type: HostExit}
	}
	payload := Unescape(line)
	if len(payload) > maxInput {
		payload = payload[:maxInput]
	}
	if len(payload) == 0 {
		return HostCommand{}
	}
	return HostCommand{Type: HostSend, Payload: payload}
}

// AppendTextFrame appends "+<hex>\n" for data to dst.
func AppendTextFrame(dst, data []byte) []byte {
	dst = append(dst, TextOutPrefix)
	dst = hex.AppendEncode(dst, data)
	return append(dst, LineTerminator)
}

// RawSubstitute maps bytes the host serial stack would mangle onto nearby
// safe values for the raw sample dump.
func RawSubstitute(b byte) byte {
	switch b {
	case 10, 9:
		return 11
	case 8:
		return 7
	case 127:
		return 126
	default:
		return b
	}
}
