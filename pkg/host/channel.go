package host

import (
	"fmt"
	"io"
	"os"

	"github.com/dougsko/sqandr/pkg/logging"
	"go.bug.st/serial"
)

// ChannelConfig selects the byte stream that connects the daemon to its host.
type ChannelConfig struct {
	// Type is "stdio" or "serial".
	Type     string
	Device   string
	BaudRate int
}

// Channel is an open host connection.
type Channel struct {
	io.Reader
	io.Writer

	name   string
	closer io.Closer
}

// OpenChannel opens the configured host channel.
func OpenChannel(cfg ChannelConfig) (*Channel, error) {
	switch cfg.Type {
	case "", "stdio":
		return NewChannel("stdio", os.Stdin, os.Stdout, nil), nil

	case "serial":
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.Device, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
		}
		logging.Info("host", "Serial host channel open", map[string]interface{}{
			"device": cfg.Device,
			"baud":   cfg.BaudRate,
		})
		return NewChannel("serial:"+cfg.Device, port, port, port), nil

	default:
		return nil, fmt.Errorf("unknown host channel type %q", cfg.Type)
	}
}

// NewChannel builds a channel over an existing reader and writer. closer may
// be nil.
func NewChannel(name string, r io.Reader, w io.Writer, closer io.Closer) *Channel {
	return &Channel{Reader: r, Writer: w, name: name, closer: closer}
}

// Name describes the channel for status reporting.
func (c *Channel) Name() string {
	return c.name
}

// Close releases the underlying port, if any.
func (c *Channel) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
