package location

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
)

// MessageSubscriber is the slice of the MQTT client the source needs
type MessageSubscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

// fixMessage is the JSON the companion app publishes for every position
// callback. A non-zero ErrorCode carries a platform error instead of a fix.
type fixMessage struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorCode    int       `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type listener struct {
	onFix   FixHandler
	onError ErrorHandler
}

// MQTTSource receives device fixes published by the companion app on
// <prefix>/devices/<device>/fix. One broker subscription is shared by all
// watches and one-shot requests.
type MQTTSource struct {
	subscriber MessageSubscriber
	topic      string
	logger     *logx.Logger

	subMu      sync.Mutex
	subscribed bool

	mu        sync.Mutex
	listeners map[uint64]listener
	nextID    uint64
	lastFix   RawFix
}

// NewMQTTSource creates a source for one device
func NewMQTTSource(subscriber MessageSubscriber, topicPrefix, deviceID string, logger *logx.Logger) *MQTTSource {
	return &MQTTSource{
		subscriber: subscriber,
		topic:      fmt.Sprintf("%s/devices/%s/fix", topicPrefix, deviceID),
		logger:     logger,
		listeners:  make(map[uint64]listener),
	}
}

func (m *MQTTSource) Name() string {
	return "mqtt"
}

// Topic returns the fix topic this source listens on
func (m *MQTTSource) Topic() string {
	return m.topic
}

func (m *MQTTSource) CurrentFix(ctx context.Context, req FixRequest) (RawFix, error) {
	requested := time.Now()

	m.mu.Lock()
	last := m.lastFix
	m.mu.Unlock()
	if req.MaxAge > 0 && !last.CapturedAt.IsZero() && time.Since(last.CapturedAt) <= req.MaxAge {
		return last, nil
	}

	fixes := make(chan RawFix, 1)
	errs := make(chan error, 1)
	id, err := m.addListener(listener{
		onFix: func(fix RawFix) {
			if fix.CapturedAt.Before(requested) {
				return
			}
			select {
			case fixes <- fix:
			default:
			}
		},
		onError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})
	if err != nil {
		return RawFix{}, err
	}
	defer m.removeListener(id)

	select {
	case <-ctx.Done():
		return RawFix{}, ctx.Err()
	case err := <-errs:
		return RawFix{}, err
	case fix := <-fixes:
		return fix, nil
	}
}

func (m *MQTTSource) Watch(req FixRequest, onFix FixHandler, onError ErrorHandler) (StopFunc, error) {
	id, err := m.addListener(listener{onFix: onFix, onError: onError})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { m.removeListener(id) }) }, nil
}

func (m *MQTTSource) addListener(l listener) (uint64, error) {
	// broker calls happen outside mu so message delivery never waits on them
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if !m.subscribed {
		if err := m.subscriber.Subscribe(m.topic, m.handleMessage); err != nil {
			return 0, fmt.Errorf("failed to subscribe to %s: %w", m.topic, err)
		}
		m.subscribed = true
		m.logger.Debug("Subscribed to device fixes", "topic", m.topic)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = l
	m.mu.Unlock()

	return id, nil
}

func (m *MQTTSource) removeListener(id uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	_, ok := m.listeners[id]
	delete(m.listeners, id)
	remaining := len(m.listeners)
	m.mu.Unlock()

	if !ok || remaining > 0 || !m.subscribed {
		return
	}
	m.subscribed = false
	if err := m.subscriber.Unsubscribe(m.topic); err != nil {
		m.logger.Warn("Failed to unsubscribe from device fixes", "topic", m.topic, "error", err)
	}
}

func (m *MQTTSource) handleMessage(topic string, payload []byte) {
	var msg fixMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.logger.Debug("Dropping malformed fix message", "topic", topic, "error", err)
		return
	}

	m.mu.Lock()
	targets := make([]listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		targets = append(targets, l)
	}
	var fix RawFix
	if msg.ErrorCode == 0 {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		fix = RawFix{
			Latitude:       msg.Latitude,
			Longitude:      msg.Longitude,
			AccuracyMeters: msg.Accuracy,
			CapturedAt:     msg.Timestamp,
			Source:         m.Name(),
		}
		m.lastFix = fix
	}
	m.mu.Unlock()

	if msg.ErrorCode != 0 {
		err := ErrorFromCode(msg.ErrorCode, msg.ErrorMessage)
		for _, l := range targets {
			l.onError(err)
		}
		return
	}

	for _, l := range targets {
		l.onFix(fix)
	}
}
