package hardware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dougsko/sqandr/pkg/config"
	"github.com/dougsko/sqandr/pkg/dsp"
	"github.com/dougsko/sqandr/pkg/logging"
)

// ErrTransportClosed is returned by transport operations after Close.
var ErrTransportClosed = errors.New("transport closed")

// ErrSourceExhausted is returned by Refill when a finite sample source (a
// replay file) has nothing left. It is the normal end of a replay run.
var ErrSourceExhausted = errors.New("sample source exhausted")

// Transport moves sample buffers to and from the radio. The engine owns both
// buffers between calls: it scans RxBuffer after Refill and fills TxBuffer
// before Push.
type Transport interface {
	// Name describes the transport for status reporting.
	Name() string
	// RxBuffer returns the receive buffer filled by the last Refill.
	RxBuffer() []dsp.Sample
	// TxBuffer returns the transmit buffer sent by the next Push.
	TxBuffer() []dsp.Sample
	// Refill blocks until the receive buffer holds a fresh batch of samples
	// and returns how many were received; the rest are zero.
	Refill() (int, error)
	// Push sends the whole transmit buffer and returns the samples sent.
	Push() (int, error)
	Close() error
}

// TransportConfig sizes and selects a transport.
type TransportConfig struct {
	// Type is "loopback", "tcp" or "file".
	Type      string
	Address   string
	RxFile    string
	TxFile    string
	RxSamples int
	TxSamples int
}

// ConfigFromSettings builds a TransportConfig from the daemon configuration.
func ConfigFromSettings(cfg *config.Config) TransportConfig {
	return TransportConfig{
		Type:      cfg.Transport.Type,
		Address:   cfg.Transport.Address,
		RxFile:    cfg.Transport.RxFile,
		TxFile:    cfg.Transport.TxFile,
		RxSamples: cfg.Buffers.RxSamples,
		TxSamples: cfg.Buffers.TxSamples,
	}
}

// Open creates the configured transport. Buffer creation failing here is a
// startup error; the caller has nothing to tear down.
func Open(ctx context.Context, cfg TransportConfig) (Transport, error) {
	if cfg.RxSamples < 1 || cfg.TxSamples < 1 {
		return nil, fmt.Errorf("invalid buffer sizes: rx %d, tx %d", cfg.RxSamples, cfg.TxSamples)
	}

	logging.Info("hardware", "Opening transport", map[string]interface{}{
		"type":       cfg.Type,
		"rx_samples": cfg.RxSamples,
		"tx_samples": cfg.TxSamples,
	})

	switch cfg.Type {
	case "", "loopback":
		return NewLoopbackTransport(cfg.RxSamples, cfg.TxSamples), nil

	case "tcp":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		t, err := DialStream(dialCtx, cfg.Address, cfg.RxSamples, cfg.TxSamples)
		if err != nil {
			return nil, fmt.Errorf("failed to open tcp transport: %w", err)
		}
		return t, nil

	case "file":
		t, err := OpenFileStream(cfg.RxFile, cfg.TxFile, cfg.RxSamples, cfg.TxSamples)
		if err != nil {
			return nil, fmt.Errorf("failed to open file transport: %w", err)
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}
