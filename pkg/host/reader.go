package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dougsko/sqandr/pkg/logging"
	"github.com/dougsko/sqandr/pkg/protocol"
)

// ErrExitRequested is returned once the host has asked the daemon to stop,
// either with an exit command or by closing its end of the channel.
var ErrExitRequested = errors.New("host requested exit")

// ReaderConfig selects how host lines are parsed.
type ReaderConfig struct {
	Binary     bool
	MaxInput   int
	ListenOnly bool
}

type hostLine struct {
	data []byte
	err  error
}

// InputReader reads host lines on its own goroutine so the cycle loop can
// poll for input without stalling the radio.
type InputReader struct {
	cfg   ReaderConfig
	lines chan hostLine
	done  chan struct{}
	once  sync.Once

	exited bool
}

// NewInputReader starts reading lines from r. In listen-only mode nothing is
// read.
func NewInputReader(r io.Reader, cfg ReaderConfig) *InputReader {
	ir := &InputReader{
		cfg:   cfg,
		lines: make(chan hostLine, 16),
		done:  make(chan struct{}),
	}
	if !cfg.ListenOnly {
		go ir.readLoop(r)
	}
	return ir
}

func (ir *InputReader) readLoop(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes(protocol.LineTerminator)
		if len(line) > 0 {
			if line[len(line)-1] == protocol.LineTerminator {
				line = line[:len(line)-1]
			}
			if !ir.send(hostLine{data: line}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				err = fmt.Errorf("failed to read from host: %w", err)
			}
			ir.send(hostLine{err: err})
			return
		}
	}
}

func (ir *InputReader) send(l hostLine) bool {
	select {
	case ir.lines <- l:
		return true
	case <-ir.done:
		return false
	}
}

// Poll returns the next host command without blocking. HostNone means there
// was nothing usable. A closed host or exit command yields ErrExitRequested.
func (ir *InputReader) Poll() (protocol.HostCommand, error) {
	if ir.cfg.ListenOnly {
		return protocol.HostCommand{}, nil
	}
	if ir.exited {
		return protocol.HostCommand{Type: protocol.HostExit}, ErrExitRequested
	}
	select {
	case l := <-ir.lines:
		return ir.handle(l)
	default:
		return protocol.HostCommand{}, nil
	}
}

// Wait blocks until a host line arrives or ctx is done.
func (ir *InputReader) Wait(ctx context.Context) (protocol.HostCommand, error) {
	if ir.cfg.ListenOnly {
		return protocol.HostCommand{}, nil
	}
	if ir.exited {
		return protocol.HostCommand{Type: protocol.HostExit}, ErrExitRequested
	}
	select {
	case l := <-ir.lines:
		return ir.handle(l)
	case <-ctx.Done():
		return protocol.HostCommand{}, ctx.Err()
	}
}

func (ir *InputReader) handle(l hostLine) (protocol.HostCommand, error) {
	if l.err != nil {
		ir.exited = true
		if errors.Is(l.err, io.EOF) {
			logging.Info("host", "Host closed its input")
			return protocol.HostCommand{Type: protocol.HostExit}, ErrExitRequested
		}
		return protocol.HostCommand{Type: protocol.HostExit}, fmt.Errorf("%w: %v", ErrExitRequested, l.err)
	}

	var cmd protocol.HostCommand
	if ir.cfg.Binary {
		cmd = protocol.ParseBinaryLine(l.data, ir.cfg.MaxInput)
	} else {
		var err error
		cmd, err = protocol.ParseTextLine(l.data, ir.cfg.MaxInput)
		if err != nil {
			logging.Warn("host", "Ignoring host line", map[string]interface{}{"error": err.Error()})
			return protocol.HostCommand{}, nil
		}
	}

	if cmd.Type == protocol.HostExit {
		ir.exited = true
		logging.Info("host", "Exit command received")
		return cmd, ErrExitRequested
	}
	return cmd, nil
}

// Close stops the reader goroutine at its next line. A read already in
// progress on the underlying stream completes only when that stream is
// closed.
func (ir *InputReader) Close() {
	ir.once.Do(func() { close(ir.done) })
}
