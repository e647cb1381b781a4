package protocol

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// Frame directions
const (
	DirectionRX = "RX"
	DirectionTX = "TX"
)

// Response represents a response from the status API
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Frame is one unit of traffic crossing the link in a single cycle: the bytes
// recovered from one RX scan, or the payload encoded for one TX push.
type Frame struct {
	ID        int64     `json:"id,omitempty"`
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	Data      []byte    `json:"-"`
	Hex       string    `json:"hex"`
	Length    int       `json:"length"`
	SyncFound bool      `json:"sync_found"`
	Dropped   int       `json:"dropped,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

// NewFrame builds a frame stamped with the current time.
func NewFrame(session, direction string, data []byte) Frame {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Frame{
		Session:   session,
		Timestamp: time.Now(),
		Direction: direction,
		Data:      buf,
		Hex:       hex.EncodeToString(buf),
		Length:    len(buf),
	}
}

// LinkStatus represents the current daemon status
type LinkStatus struct {
	Session         string    `json:"session"`
	Uptime          string    `json:"uptime"`
	StartTime       time.Time `json:"start_time"`
	Version         string    `json:"version"`
	Transport       string    `json:"transport"`
	HostChannel     string    `json:"host_channel"`
	HeaderBits      int       `json:"header_bits"`
	SyncGate        bool      `json:"sync_gate"`
	ByteTiming      bool      `json:"byte_timing"`
	Cycles          uint64    `json:"cycles"`
	RxFrames        uint64    `json:"rx_frames"`
	RxBytes         uint64    `json:"rx_bytes"`
	RxDropped       uint64    `json:"rx_dropped"`
	HeaderLocks     uint64    `json:"header_locks"`
	InvertedLocks   uint64    `json:"inverted_locks"`
	SkippedSamples  uint64    `json:"skipped_samples"`
	TxFrames        uint64    `json:"tx_frames"`
	TxBytes         uint64    `json:"tx_bytes"`
	TxTruncated     uint64    `json:"tx_truncated"`
	Heartbeats      uint64    `json:"heartbeats"`
	Locked          bool      `json:"locked"`
	SignalInverted  bool      `json:"signal_inverted"`
	LastCycleMillis float64   `json:"last_cycle_ms"`
}

// String converts a Response to its JSON form
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}
