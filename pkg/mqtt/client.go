// Package mqtt publishes resolved location estimates to an MQTT broker so
// downstream consumers can follow position changes without polling.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/locationd/pkg/locate"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "locationd",
		TopicPrefix: "locationd",
		QoS:         1,
		Retain:      true,
		Enabled:     false,
	}
}

// Publisher pushes estimates and health snapshots to the broker. A rate
// limiter bounds the tracking topic so a fast-moving fix stream cannot
// flood the broker.
type Publisher struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config

	// connected is written by paho's callback goroutines.
	connected atomic.Bool

	mu          sync.Mutex
	lastPublish time.Time

	limiter *rateLimiter
}

// NewPublisher creates a publisher. Connect must be called before use.
func NewPublisher(config *Config, logger *logx.Logger) *Publisher {
	if config == nil {
		config = DefaultConfig()
	}
	return &Publisher{
		logger: logger,
		config: config,
		limiter: &rateLimiter{
			maxMessages: 10,
			windowSize:  time.Second,
		},
	}
}

// Connect establishes the broker connection. Disabled publishers no-op.
func (p *Publisher) Connect() error {
	if !p.config.Enabled {
		p.logger.Debug("mqtt_disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	opts.SetClientID(p.config.ClientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	p.client = MQTT.NewClient(opts)

	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	if p.client != nil && p.connected.Load() {
		p.client.Disconnect(250)
		p.connected.Store(false)
		p.logger.Info("mqtt_disconnected")
	}
	return nil
}

func (p *Publisher) onConnect(client MQTT.Client) {
	p.connected.Store(true)
	p.logger.Info("mqtt_connected",
		"broker", p.config.Broker,
		"port", p.config.Port,
	)
}

func (p *Publisher) onConnectionLost(client MQTT.Client, err error) {
	p.connected.Store(false)
	p.logger.Error("mqtt_connection_lost", "error", err.Error())
}

// PublishEstimate publishes a resolved estimate on <prefix>/location.
func (p *Publisher) PublishEstimate(est *locate.LocationEstimate) error {
	if !p.config.Enabled || !p.connected.Load() {
		return nil
	}
	topic := fmt.Sprintf("%s/location", p.config.TopicPrefix)
	return p.publishJSON(topic, est)
}

// PublishTrackingUpdate publishes a live-tracking fix on
// <prefix>/tracking, dropping updates past the rate limit.
func (p *Publisher) PublishTrackingUpdate(est *locate.LocationEstimate) error {
	if !p.config.Enabled || !p.connected.Load() {
		return nil
	}
	if !p.limiter.allow() {
		p.logger.Debug("mqtt_tracking_rate_limited")
		return nil
	}
	topic := fmt.Sprintf("%s/tracking", p.config.TopicPrefix)
	return p.publishJSON(topic, est)
}

// PublishHealth publishes the per-strategy health map on <prefix>/health.
func (p *Publisher) PublishHealth(health map[string]locate.StrategyHealth) error {
	if !p.config.Enabled || !p.connected.Load() {
		return nil
	}
	topic := fmt.Sprintf("%s/health", p.config.TopicPrefix)
	payload := map[string]interface{}{
		"timestamp":  time.Now(),
		"strategies": health,
	}
	return p.publishJSON(topic, payload)
}

// IsConnected reports broker connectivity.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load() && p.client != nil && p.client.IsConnected()
}

// LastPublish returns the time of the most recent successful publish.
func (p *Publisher) LastPublish() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPublish
}

func (p *Publisher) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := p.client.Publish(topic, byte(p.config.QoS), p.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	p.mu.Lock()
	p.lastPublish = time.Now()
	p.mu.Unlock()

	p.logger.Debug("mqtt_published",
		"topic", topic,
		"size", len(data),
	)
	return nil
}

type rateLimiter struct {
	mu           sync.Mutex
	lastCheck    time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCheck) >= rl.windowSize {
		rl.messageCount = 0
		rl.lastCheck = now
	}
	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
