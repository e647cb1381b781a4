package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dougsko/sqandr/pkg/config"
	"github.com/dougsko/sqandr/pkg/engine"
	"github.com/dougsko/sqandr/pkg/logging"
	"github.com/dougsko/sqandr/pkg/verbose"
	flag "github.com/spf13/pflag"
)

// Process exit codes.
const (
	exitOK     = 0
	exitFault  = 1
	exitConfig = 2
)

const Build = "development"

var (
	configPath  = flag.StringP("config", "c", "", "Configuration file path (built-in defaults when empty)")
	showVersion = flag.Bool("version", false, "Show version information")

	rxSamples      = flag.Int("rx", 0, "Receive buffer size in samples")
	txSamples      = flag.Int("tx", 0, "Transmit buffer size in samples")
	perLast        = flag.Int("perLast", 0, "Threshold as a percentage of the previous amplitude")
	messageRepeat  = flag.Int("messageRepeat", 0, "Times each payload is sent back to back")
	timingInterval = flag.Int("timingInterval", 0, "Bytes decoded without header search after the sync marker")
	noiseFloor     = flag.Int("noiseFloor", 0, "Skip samples whose amplitude magnitude is below this (0 disables)")
	amplitude      = flag.String("amplitude", "", "Amplitude policy: i, q, max or sum")

	binI        = flag.Bool("binI", false, "Binary host input")
	binO        = flag.Bool("binO", false, "Binary host output with heartbeats")
	block       = flag.Bool("block", false, "Wait for a host line every cycle")
	lean        = flag.Bool("lean", false, "Lean transmit: no per-byte headers, preset buffer sizes")
	rawOut      = flag.Bool("rawOut", false, "Dump raw receive samples instead of decoding")
	shortHeader = flag.Bool("shortHeader", false, "Use the 8-bit header")
	useTiming   = flag.Bool("useTiming", false, "Skip header search for a run of bytes after the sync marker")
	noHeader    = flag.Bool("noHeader", false, "Send recovered bytes without waiting for the sync marker")
	listen      = flag.Bool("listen", false, "Listen only, ignore host input")

	transportType = flag.String("transport", "", "Sample transport: loopback, tcp or file")
	address       = flag.String("address", "", "Sample server address for the tcp transport")
	rxFile        = flag.String("rxFile", "", "I/Q capture to replay for the file transport")
	txFile        = flag.String("txFile", "", "File receiving transmitted I/Q for the file transport")
	serialDevice  = flag.String("serial", "", "Use this serial device as the host channel instead of stdio")
	baudRate      = flag.Int("baud", 0, "Serial host channel baud rate")

	verboseFlag  = flag.BoolP("verbose", "v", false, "Debug logging")
	superVerbose = flag.Bool("superVerbose", false, "Trace every received bit")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sqandr version %s (%s)\n", engine.Version, Build)
		return exitOK
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfig
	}
	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return exitConfig
	}

	if err := logging.InitGlobalLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return exitConfig
	}
	defer logging.CloseGlobalLogger()
	verbose.SetEnabled(cfg.Logging.SuperVerbose)

	logging.Info("main", fmt.Sprintf("sqandr version %s starting...", engine.Version))
	logging.Info("main", "Link settings", map[string]interface{}{
		"header_bits": cfg.EffectiveHeaderBits(),
		"sync_gate":   cfg.Link.SyncGate,
		"byte_timing": cfg.Link.ByteTiming,
		"lean":        cfg.Link.Lean,
		"rx_samples":  cfg.Buffers.RxSamples,
		"tx_samples":  cfg.Buffers.TxSamples,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := NewDaemon(ctx, cfg)
	if err != nil {
		logging.Error("main", fmt.Sprintf("Failed to create daemon: %v", err))
		return exitFault
	}

	if err := daemon.Run(ctx); err != nil {
		logging.Error("main", fmt.Sprintf("Link failed: %v", err))
		return exitFault
	}

	logging.Info("main", "sqandr stopped")
	return exitOK
}

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s does not exist", *configPath)
		}
		return nil, err
	}
	return cfg, nil
}

// applyFlags overrides configuration values with the flags that were set on
// the command line.
func applyFlags(cfg *config.Config) {
	set := flag.CommandLine.Changed

	// Lean resizes the buffers, so explicit sizes are applied after it.
	if set("lean") && *lean {
		cfg.ApplyLean()
	}
	if set("rx") {
		cfg.Buffers.RxSamples = *rxSamples
	}
	if set("tx") {
		cfg.Buffers.TxSamples = *txSamples
	}
	if set("perLast") {
		cfg.Link.PercentLast = *perLast
	}
	if set("messageRepeat") {
		cfg.Link.MessageRepeat = *messageRepeat
	}
	if set("timingInterval") {
		cfg.Link.TimingInterval = *timingInterval
	}
	if set("noiseFloor") {
		cfg.Link.NoiseFloor = *noiseFloor
	}
	if set("amplitude") {
		cfg.Link.Amplitude = *amplitude
	}

	if set("binI") {
		cfg.IO.BinaryIn = *binI
	}
	if set("binO") {
		cfg.IO.BinaryOut = *binO
	}
	if set("block") {
		cfg.IO.Blocking = *block
	}
	if set("rawOut") {
		cfg.IO.RawOut = *rawOut
	}
	if set("shortHeader") {
		cfg.Link.ShortHeader = *shortHeader
	}
	if set("useTiming") {
		cfg.Link.ByteTiming = *useTiming
	}
	if set("noHeader") {
		cfg.Link.SyncGate = !*noHeader
	}
	if set("listen") {
		cfg.IO.ListenOnly = *listen
	}

	if set("transport") {
		cfg.Transport.Type = *transportType
	}
	if set("address") {
		cfg.Transport.Address = *address
	}
	if set("rxFile") {
		cfg.Transport.RxFile = *rxFile
	}
	if set("txFile") {
		cfg.Transport.TxFile = *txFile
	}
	if set("serial") {
		cfg.Host.Type = "serial"
		cfg.Host.Device = *serialDevice
	}
	if set("baud") {
		cfg.Host.BaudRate = *baudRate
	}

	if set("verbose") && *verboseFlag {
		cfg.Logging.Level = "debug"
	}
	if set("superVerbose") && *superVerbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.SuperVerbose = true
	}
}
