// Package notify delivers user-facing notices (location problems, fix
// quality, safety warnings) with per-kind rate limiting.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"golang.org/x/time/rate"
)

// Level is the severity shown to the user
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice kinds raised by the pipeline
const (
	KindLocationError   = "location_error"
	KindOutlierRejected = "outlier_rejected"
	KindFixQuality      = "fix_quality"
	KindSafetyAlert     = "safety_alert"
	KindWalkIntent      = "walk_intent"
)

// Notice is one user-facing message
type Notice struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Publisher forwards notices to an outer surface (MQTT, webhooks)
type Publisher interface {
	PublishNotice(Notice) error
}

// Config controls rate limiting and retention
type Config struct {
	// DefaultInterval applies to kinds without an explicit interval; zero
	// disables limiting for them
	DefaultInterval time.Duration            `json:"default_interval"`
	Intervals       map[string]time.Duration `json:"intervals"`
	HistorySize     int                      `json:"history_size" default:"50"`
}

// DefaultConfig returns the standard limits
func DefaultConfig() *Config {
	return &Config{
		Intervals: map[string]time.Duration{
			KindLocationError:   30 * time.Second,
			KindOutlierRejected: 30 * time.Second,
		},
		HistorySize: 50,
	}
}

// Stats counts delivered and suppressed notices
type Stats struct {
	Sent       int64 `json:"sent"`
	Suppressed int64 `json:"suppressed"`
	Failed     int64 `json:"failed"`
}

// Center rate limits notices and fans them out to the log and publishers
type Center struct {
	config *Config
	logger *logx.Logger
	clock  func() time.Time

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	publishers []Publisher
	recent     []Notice
	stats      Stats
}

// NewCenter creates a notice center; nil config uses the defaults
func NewCenter(config *Config, logger *logx.Logger) *Center {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 50
	}
	return &Center{
		config:   config,
		logger:   logger,
		clock:    time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetClock overrides the time source
func (c *Center) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// AddPublisher registers an outer surface
func (c *Center) AddPublisher(p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishers = append(c.publishers, p)
}

// Notify delivers n unless its kind is over its rate. It reports whether
// the notice was delivered.
func (c *Center) Notify(n Notice) bool {
	c.mu.Lock()
	now := c.clock()
	if n.At.IsZero() {
		n.At = now
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}

	if lim := c.limiterLocked(n.Kind); lim != nil && !lim.AllowN(now, 1) {
		c.stats.Suppressed++
		c.mu.Unlock()
		c.logger.Debug("Notice suppressed", "kind", n.Kind, "message", n.Message)
		return false
	}

	c.stats.Sent++
	c.recent = append(c.recent, n)
	if over := len(c.recent) - c.config.HistorySize; over > 0 {
		c.recent = append([]Notice(nil), c.recent[over:]...)
	}
	publishers := append([]Publisher(nil), c.publishers...)
	c.mu.Unlock()

	switch n.Level {
	case LevelError:
		c.logger.Error("Notice", "kind", n.Kind, "message", n.Message)
	case LevelWarning:
		c.logger.Warn("Notice", "kind", n.Kind, "message", n.Message)
	default:
		c.logger.Info("Notice", "kind", n.Kind, "message", n.Message)
	}

	for _, p := range publishers {
		if err := p.PublishNotice(n); err != nil {
			c.mu.Lock()
			c.stats.Failed++
			c.mu.Unlock()
			c.logger.Warn("Failed to publish notice", "kind", n.Kind, "error", err)
		}
	}
	return true
}

// Warn is shorthand for a warning-level notice
func (c *Center) Warn(kind, message string) bool {
	return c.Notify(Notice{Kind: kind, Level: LevelWarning, Message: message})
}

func (c *Center) limiterLocked(kind string) *rate.Limiter {
	if lim, ok := c.limiters[kind]; ok {
		return lim
	}
	interval, ok := c.config.Intervals[kind]
	if !ok {
		interval = c.config.DefaultInterval
	}
	if interval <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	c.limiters[kind] = lim
	return lim
}

// Recent returns up to limit notices, newest first
func (c *Center) Recent(limit int) []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.recent) {
		limit = len(c.recent)
	}
	out := make([]Notice, 0, limit)
	for i := len(c.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.recent[i])
	}
	return out
}

// Stats returns a copy of the counters
func (c *Center) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
