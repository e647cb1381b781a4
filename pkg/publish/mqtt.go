package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dougsko/sqandr/pkg/config"
	"github.com/dougsko/sqandr/pkg/logging"
	"github.com/dougsko/sqandr/pkg/protocol"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publishTimeout bounds how long one publish may wait for the broker.
const publishTimeout = 5 * time.Second

// MQTTConfig holds the broker settings for the publisher.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// ConfigFromSettings extracts the publisher settings from the daemon config.
func ConfigFromSettings(cfg *config.Config) MQTTConfig {
	return MQTTConfig{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: strings.TrimRight(cfg.MQTT.TopicPrefix, "/"),
		QoS:         byte(cfg.MQTT.QoS),
	}
}

// FramePayload is the JSON body published for each frame.
type FramePayload struct {
	Session   string `json:"session"`
	Timestamp int64  `json:"timestamp"`
	Direction string `json:"direction"`
	Hex       string `json:"hex"`
	Length    int    `json:"length"`
	SyncFound bool   `json:"sync_found"`
	Dropped   int    `json:"dropped,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Publisher sends link frames and periodic status to an MQTT broker. It is
// an engine frame sink.
type Publisher struct {
	client mqtt.Client
	cfg    MQTTConfig

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher connects to the broker and returns a publisher.
func NewPublisher(cfg MQTTConfig) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logging.Info("mqtt", "Connected to broker", map[string]interface{}{"broker": cfg.Broker})
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logging.Warn("mqtt", "Connection lost", map[string]interface{}{"error": err.Error()})
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logging.Info("mqtt", "Attempting to reconnect")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30*time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return NewPublisherWithClient(client, cfg), nil
}

// NewPublisherWithClient wraps an already configured client.
func NewPublisherWithClient(client mqtt.Client, cfg MQTTConfig) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sqandr"
	}
	return &Publisher{client: client, cfg: cfg}
}

// FrameTopic returns the topic a frame is published on, e.g. sqandr/frames/rx.
func (p *Publisher) FrameTopic(frame protocol.Frame) string {
	return fmt.Sprintf("%s/frames/%s", p.cfg.TopicPrefix, strings.ToLower(frame.Direction))
}

// StatusTopic returns the retained link status topic.
func (p *Publisher) StatusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

// Name identifies the publisher as a frame sink.
func (p *Publisher) Name() string {
	return "mqtt"
}

// HandleFrame publishes one frame. Failures are logged and counted.
func (p *Publisher) HandleFrame(frame protocol.Frame) {
	payload := FramePayload{
		Session:   frame.Session,
		Timestamp: frame.Timestamp.UnixMilli(),
		Direction: frame.Direction,
		Hex:       frame.Hex,
		Length:    frame.Length,
		SyncFound: frame.SyncFound,
		Dropped:   frame.Dropped,
		Truncated: frame.Truncated,
	}
	if err := p.publish(p.FrameTopic(frame), false, payload); err != nil {
		logging.Error("mqtt", "Failed to publish frame", map[string]interface{}{"error": err.Error()})
	}
}

// PublishStatus publishes the link status as a retained message.
func (p *Publisher) PublishStatus(status protocol.LinkStatus) error {
	return p.publish(p.StatusTopic(), true, status)
}

// RunStatus publishes status() every interval until ctx is done.
func (p *Publisher) RunStatus(ctx context.Context, interval time.Duration, status func() protocol.LinkStatus) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishStatus(status()); err != nil {
				logging.Warn("mqtt", "Failed to publish status", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (p *Publisher) publish(topic string, retained bool, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.cfg.QoS, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.published.Add(1)
	return nil
}

// GetStatistics returns publish counters.
func (p *Publisher) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"published": p.published.Load(),
		"failed":    p.failed.Load(),
		"connected": p.client.IsConnected(),
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	logging.Info("mqtt", "Disconnected from broker")
}
