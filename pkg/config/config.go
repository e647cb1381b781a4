package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Lean preset sizes. Lean transmit drops the per-byte headers, so a byte costs
// eight samples and the buffers can shrink accordingly.
const (
	LeanMaxInput  = 1024
	LeanTxPadding = 48
	LeanTxSamples = (LeanMaxInput << 3) + LeanTxPadding
	LeanRxSamples = LeanMaxInput << 4
)

// Config represents the sqandr configuration
type Config struct {
	Link struct {
		// Receive path
		Amplitude      string `yaml:"amplitude"`
		AmplitudeShift int    `yaml:"amplitude_shift"`
		PercentLast    int    `yaml:"percent_last"`
		NoiseFloor     int    `yaml:"noise_floor"`

		// Framing
		HeaderBits     int    `yaml:"header_bits"`
		ShortHeader    bool   `yaml:"short_header"`
		SyncGate       bool   `yaml:"sync_gate"`
		SyncMarker     string `yaml:"sync_marker"`
		ByteTiming     bool   `yaml:"byte_timing"`
		TimingInterval int    `yaml:"timing_interval"`

		// Transmit path
		SignalLevel   int  `yaml:"signal_level"`
		MessageRepeat int  `yaml:"message_repeat"`
		Lean          bool `yaml:"lean"`
	} `yaml:"link"`

	Buffers struct {
		RxSamples         int `yaml:"rx_samples"`
		TxSamples         int `yaml:"tx_samples"`
		RecoveredCapacity int `yaml:"recovered_capacity"`
		MaxInput          int `yaml:"max_input"`
	} `yaml:"buffers"`

	IO struct {
		BinaryIn          bool `yaml:"binary_in"`
		BinaryOut         bool `yaml:"binary_out"`
		Blocking          bool `yaml:"blocking"`
		ListenOnly        bool `yaml:"listen_only"`
		RawOut            bool `yaml:"raw_out"`
		HeartbeatInterval int  `yaml:"heartbeat_interval"`
	} `yaml:"io"`

	Transport struct {
		// loopback, tcp or file
		Type    string `yaml:"type"`
		Address string `yaml:"address"`
		RxFile  string `yaml:"rx_file"`
		TxFile  string `yaml:"tx_file"`
	} `yaml:"transport"`

	Host struct {
		// stdio or serial
		Type     string `yaml:"type"`
		Device   string `yaml:"device"`
		BaudRate int    `yaml:"baud_rate"`
	} `yaml:"host"`

	Web struct {
		Enabled     bool   `yaml:"enabled"`
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	Storage struct {
		Enabled      bool   `yaml:"enabled"`
		DatabasePath string `yaml:"database_path"`
		MaxFrames    int    `yaml:"max_frames"`
	} `yaml:"storage"`

	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		QoS         int    `yaml:"qos"`
	} `yaml:"mqtt"`

	Monitor struct {
		FFTSize int `yaml:"fft_size"`
	} `yaml:"monitor"`

	Logging struct {
		Level        string `yaml:"level"`
		File         string `yaml:"file"`
		Console      bool   `yaml:"console"`
		Structured   bool   `yaml:"structured"`
		MaxSize      int    `yaml:"max_size"`
		MaxBackups   int    `yaml:"max_backups"`
		MaxAge       int    `yaml:"max_age"`
		Compress     bool   `yaml:"compress"`
		SuperVerbose bool   `yaml:"super_verbose"`
	} `yaml:"logging"`
}

// Default returns a configuration with every default applied, as used when
// the daemon runs without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.Link.SyncGate = true
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Sync gating is on unless the file turns it off
	config := Config{}
	config.Link.SyncGate = true
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Link.Amplitude == "" {
		c.Link.Amplitude = "i"
	}
	if c.Link.AmplitudeShift == 0 {
		c.Link.AmplitudeShift = 4
	}
	if c.Link.PercentLast == 0 {
		c.Link.PercentLast = 5
	}
	if c.Link.HeaderBits == 0 {
		c.Link.HeaderBits = 12
	}
	if c.Link.SyncMarker == "" {
		c.Link.SyncMarker = "6699"
	}
	if c.Link.TimingInterval == 0 {
		c.Link.TimingInterval = 20
	}
	if c.Link.SignalLevel == 0 {
		c.Link.SignalLevel = 30000
	}
	if c.Link.MessageRepeat == 0 {
		c.Link.MessageRepeat = 1
	}
	if c.Buffers.RxSamples == 0 {
		c.Buffers.RxSamples = 100000
	}
	if c.Buffers.TxSamples == 0 {
		c.Buffers.TxSamples = 108000
	}
	if c.Buffers.RecoveredCapacity == 0 {
		c.Buffers.RecoveredCapacity = 511
	}
	if c.Buffers.MaxInput == 0 {
		c.Buffers.MaxInput = 1024
	}
	if c.IO.HeartbeatInterval == 0 {
		c.IO.HeartbeatInterval = 1
	}
	if c.Transport.Type == "" {
		c.Transport.Type = "loopback"
	}
	if c.Host.Type == "" {
		c.Host.Type = "stdio"
	}
	if c.Host.BaudRate == 0 {
		c.Host.BaudRate = 115200
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "127.0.0.1"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./sqandr.db"
	}
	if c.Storage.MaxFrames == 0 {
		c.Storage.MaxFrames = 10000
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "sqandr"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "sqandr"
	}
	if c.Monitor.FFTSize == 0 {
		c.Monitor.FFTSize = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 28
	}
}

// ApplyLean switches the link to the lean transmit preset: no per-byte
// headers on the air and buffers sized for a full input line.
func (c *Config) ApplyLean() {
	c.Link.Lean = true
	c.Buffers.TxSamples = LeanTxSamples
	c.Buffers.RxSamples = LeanRxSamples
	c.Buffers.MaxInput = c.Buffers.TxSamples >> 3
	if c.Buffers.MaxInput > LeanMaxInput {
		c.Buffers.MaxInput = LeanMaxInput
	}
}

// EffectiveHeaderBits returns the header width in use, honoring short_header.
func (c *Config) EffectiveHeaderBits() int {
	if c.Link.ShortHeader {
		return 8
	}
	return c.Link.HeaderBits
}

// SyncMarkerBytes decodes the configured application sync marker.
func (c *Config) SyncMarkerBytes() ([]byte, error) {
	marker, err := hex.DecodeString(strings.TrimSpace(c.Link.SyncMarker))
	if err != nil {
		return nil, fmt.Errorf("invalid sync marker %q: %w", c.Link.SyncMarker, err)
	}
	return marker, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.EffectiveHeaderBits() {
	case 8, 9, 11, 12:
	default:
		return fmt.Errorf("header bits must be 8, 9, 11 or 12, got %d", c.Link.HeaderBits)
	}
	switch strings.ToLower(c.Link.Amplitude) {
	case "i", "q", "max", "sum":
	default:
		return fmt.Errorf("unknown amplitude policy %q", c.Link.Amplitude)
	}
	if c.Link.AmplitudeShift < 0 || c.Link.AmplitudeShift > 15 {
		return fmt.Errorf("amplitude shift must be between 0 and 15, got %d", c.Link.AmplitudeShift)
	}
	if c.Link.PercentLast < 0 || c.Link.PercentLast > 100 {
		return fmt.Errorf("percent last must be between 0 and 100, got %d", c.Link.PercentLast)
	}
	if c.Link.NoiseFloor < 0 {
		return fmt.Errorf("noise floor cannot be negative")
	}
	if c.Link.SignalLevel <= 0 || c.Link.SignalLevel > 32767 {
		return fmt.Errorf("signal level must be between 1 and 32767, got %d", c.Link.SignalLevel)
	}
	if c.Link.MessageRepeat < 1 {
		return fmt.Errorf("message repeat must be at least 1")
	}
	if c.Link.TimingInterval < 1 {
		return fmt.Errorf("timing interval must be at least 1")
	}
	marker, err := c.SyncMarkerBytes()
	if err != nil {
		return err
	}
	if len(marker) == 0 {
		return fmt.Errorf("sync marker cannot be empty")
	}
	if c.Buffers.RxSamples < 1 || c.Buffers.TxSamples < 2 {
		return fmt.Errorf("sample buffers are too small (rx %d, tx %d)", c.Buffers.RxSamples, c.Buffers.TxSamples)
	}
	if c.Buffers.RecoveredCapacity < 2 {
		return fmt.Errorf("recovered capacity must hold at least one escaped byte")
	}
	if c.Buffers.MaxInput < 1 {
		return fmt.Errorf("max input must be at least 1")
	}
	if c.IO.HeartbeatInterval < 1 {
		return fmt.Errorf("heartbeat interval must be at least 1")
	}

	switch c.Transport.Type {
	case "loopback":
	case "tcp":
		if c.Transport.Address == "" {
			return fmt.Errorf("transport address is required for tcp transport")
		}
	case "file":
		if c.Transport.RxFile == "" {
			return fmt.Errorf("rx file is required for file transport")
		}
	default:
		return fmt.Errorf("unknown transport type %q", c.Transport.Type)
	}

	switch c.Host.Type {
	case "stdio":
	case "serial":
		if c.Host.Device == "" {
			return fmt.Errorf("host device is required for serial host channel")
		}
	default:
		return fmt.Errorf("unknown host channel type %q", c.Host.Type)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.Monitor.FFTSize&(c.Monitor.FFTSize-1) != 0 {
		return fmt.Errorf("monitor fft size must be a power of two, got %d", c.Monitor.FFTSize)
	}
	return nil
}
