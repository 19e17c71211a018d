// Package mqtt connects safetrackd to the broker: device fixes come in on
// per-device topics and pipeline events, walk intents, scores and notices
// go out under the configured prefix.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/markus-lassfolk/safetrack/pkg/geofence"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/notify"
	"github.com/markus-lassfolk/safetrack/pkg/safety"
	"golang.org/x/time/rate"
)

// Config holds MQTT configuration
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
	// MaxPublishRate is messages per second; queued beyond that
	MaxPublishRate float64 `json:"max_publish_rate"`
	MaxQueueSize   int     `json:"max_queue_size"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "safetrackd",
		TopicPrefix:    "safetrack",
		QoS:            1,
		Retain:         false,
		Enabled:        false,
		MaxPublishRate: 10,
		MaxQueueSize:   100,
	}
}

// MessageHandler receives raw payloads for a subscribed topic
type MessageHandler func(topic string, payload []byte)

// Stats counts publish outcomes
type Stats struct {
	Published int64 `json:"published"`
	Queued    int64 `json:"queued"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Received  int64 `json:"received"`
}

// QueuedMessage is a message waiting for the connection or the rate limit
type QueuedMessage struct {
	Topic   string
	Payload []byte
	Time    time.Time
}

// Client wraps the paho client
type Client struct {
	config    *Config
	logger    *logx.Logger
	newClient func(*MQTT.ClientOptions) MQTT.Client

	client    MQTT.Client
	connected atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]MessageHandler
	queue         []*QueuedMessage
	limiter       *rate.Limiter
	lastPublish   time.Time
	stats         Stats
}

// NewClient creates a client; Connect must be called before publishing
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 100
	}
	limit := rate.Inf
	if config.MaxPublishRate > 0 {
		limit = rate.Limit(config.MaxPublishRate)
	}
	burst := int(config.MaxPublishRate)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		config:        config,
		logger:        logger,
		newClient:     MQTT.NewClient,
		subscriptions: make(map[string]MessageHandler),
		limiter:       rate.NewLimiter(limit, burst),
	}
}

// Topic joins suffix onto the configured prefix
func (c *Client) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, suffix)
}

// Prefix returns the topic prefix
func (c *Client) Prefix() string {
	return c.config.TopicPrefix
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	clientID := c.config.ClientID
	if clientID == "" {
		clientID = "safetrackd-" + uuid.NewString()[:8]
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(clientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = c.newClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
		"client_id", clientID)

	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected.Load() {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

// onConnect restores subscriptions and drains the offline queue. It runs
// on every reconnect.
func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)

	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, h := range c.subscriptions {
		subs[topic] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		if err := c.subscribe(topic, h); err != nil {
			c.logger.Warn("Failed to restore MQTT subscription", "topic", topic, "error", err)
		}
	}

	c.logger.Info("MQTT connection established", "subscriptions", len(subs))
	c.flushQueue()
}

// onConnectionLost handles MQTT disconnection events
func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

// Stats returns a copy of the counters
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Subscribe registers handler for topic. The subscription is remembered
// and re-established after reconnects.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.config.Enabled || !c.connected.Load() {
		c.logger.Debug("MQTT subscription deferred until connected", "topic", topic)
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, byte(c.config.QoS), func(_ MQTT.Client, msg MQTT.Message) {
		c.mu.Lock()
		c.stats.Received++
		c.mu.Unlock()
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("MQTT subscription created", "topic", topic)
	return nil
}

// Unsubscribe unsubscribes from an MQTT topic
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()

	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, token.Error())
	}

	c.logger.Info("MQTT subscription removed", "topic", topic)
	return nil
}

// PublishJSON marshals payload and publishes it, queueing while offline or
// over the publish rate
func (c *Client) PublishJSON(topic string, payload interface{}) error {
	if !c.config.Enabled {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if !c.connected.Load() || !c.limiter.Allow() {
		c.enqueue(topic, data)
		return nil
	}

	if err := c.publishDirect(topic, data); err != nil {
		return err
	}
	c.flushQueue()
	return nil
}

func (c *Client) enqueue(topic string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= c.config.MaxQueueSize {
		// oldest messages are the least useful
		c.queue = c.queue[1:]
		c.stats.Dropped++
	}
	c.queue = append(c.queue, &QueuedMessage{Topic: topic, Payload: data, Time: time.Now()})
	c.stats.Queued++
}

// flushQueue publishes queued messages while the rate limit allows
func (c *Client) flushQueue() {
	for c.connected.Load() {
		c.mu.Lock()
		if len(c.queue) == 0 || !c.limiter.Allow() {
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.publishDirect(msg.Topic, msg.Payload); err != nil {
			c.logger.Error("Failed to publish queued message", "topic", msg.Topic, "error", err)
		}
	}
}

// QueueLength returns the number of messages waiting
func (c *Client) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) publishDirect(topic string, payload []byte) error {
	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, payload)
	if token.Wait() && token.Error() != nil {
		c.mu.Lock()
		c.stats.Failed++
		c.mu.Unlock()
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.stats.Published++
	c.lastPublish = time.Now()
	c.mu.Unlock()

	c.logger.Debug("MQTT message published", "topic", topic, "size", len(payload))
	return nil
}

// RaiseIntent publishes a walk intent for the walk-session collaborator
func (c *Client) RaiseIntent(intent geofence.Intent) error {
	return c.PublishJSON(c.Topic("walk/intents"), intent)
}

// PublishGeofenceEvent publishes an opened or closed geofence event
func (c *Client) PublishGeofenceEvent(ev geofence.GeofenceEvent) error {
	return c.PublishJSON(c.Topic("geofence/events"), ev)
}

// Record lets the client act as a geofence.Recorder
func (c *Client) Record(ev geofence.GeofenceEvent) error {
	return c.PublishGeofenceEvent(ev)
}

// PublishScore publishes a freshly computed safety score
func (c *Client) PublishScore(res safety.Result) error {
	return c.PublishJSON(c.Topic("safety/score"), res)
}

// PublishNotice publishes a user-facing notice
func (c *Client) PublishNotice(n notify.Notice) error {
	return c.PublishJSON(c.Topic("notices"), n)
}

// PublishStatus publishes daemon status
func (c *Client) PublishStatus(status map[string]interface{}) error {
	return c.PublishJSON(c.Topic("status"), map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	})
}
