package geofence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
)

// GeofenceEvent is one stay inside a safe zone. Only the event for the
// currently occupied zone is active.
type GeofenceEvent struct {
	ID           string     `json:"id"`
	SafeZoneID   string     `json:"safe_zone_id"`
	SafeZoneName string     `json:"safe_zone_name"`
	EnteredAt    time.Time  `json:"entered_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}

// IntentKind is a request to the walk-session collaborator
type IntentKind string

const (
	StartWalk IntentKind = "start_walk"
	StopWalk  IntentKind = "stop_walk"
)

// Intent is raised when a zone's auto start/stop policy applies
type Intent struct {
	Kind IntentKind        `json:"kind"`
	Zone safezone.SafeZone `json:"zone"`
	At   time.Time         `json:"at"`
}

// IntentSink consumes walk intents; the engine never calls the walk API
// itself.
type IntentSink interface {
	RaiseIntent(Intent) error
}

// Recorder persists events as they open and close
type Recorder interface {
	Record(GeofenceEvent) error
}

// Recorders fans an event out to several recorders. All are called; the
// first error is returned.
type Recorders []Recorder

// Record implements Recorder
func (rs Recorders) Record(ev GeofenceEvent) error {
	var first error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.Record(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Config holds the engine settings
type Config struct {
	CheckInterval time.Duration `json:"check_interval" default:"60s"`
	HistoryLimit  int           `json:"history_limit" default:"20"`
}

// DefaultConfig returns the standard engine settings
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 60 * time.Second,
		HistoryLimit:  20,
	}
}

// Status is a snapshot of the engine for API readers
type Status struct {
	State          string         `json:"state"`
	ZoneID         string         `json:"zone_id,omitempty"`
	ZoneName       string         `json:"zone_name,omitempty"`
	NearestZone    string         `json:"nearest_zone,omitempty"`
	DistanceMeters float64        `json:"distance_meters"`
	ZoneCount      int            `json:"zone_count"`
	LastCheck      time.Time      `json:"last_check"`
	ActiveEvent    *GeofenceEvent `json:"active_event,omitempty"`
}

// Engine owns the geofence state machine and the in-memory event history
type Engine struct {
	config   *Config
	logger   *logx.Logger
	recorder Recorder

	mu        sync.RWMutex
	state     State
	current   safezone.SafeZone
	zones     []safezone.SafeZone
	history   []GeofenceEvent // oldest first
	lastCheck time.Time
	lastDist  float64
	nearestID string
}

// NewEngine creates an engine in the Outside state
func NewEngine(config *Config, logger *logx.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 20
	}
	return &Engine{
		config: config,
		logger: logger,
		state:  OutsideState(),
	}
}

// SetRecorder attaches long-term storage for events
func (e *Engine) SetRecorder(r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = r
}

// SetZones replaces the zone set used by Check
func (e *Engine) SetZones(zones []safezone.SafeZone) {
	cp := make([]safezone.SafeZone, len(zones))
	copy(cp, zones)

	e.mu.Lock()
	e.zones = cp
	e.mu.Unlock()

	e.logger.Debug("Safe zones updated", "zones", len(cp), "active", len(safezone.Active(cp)))
}

// Zones returns a copy of the zone set
func (e *Engine) Zones() []safezone.SafeZone {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]safezone.SafeZone, len(e.zones))
	copy(out, e.zones)
	return out
}

// State returns the current state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Check classifies loc against the zone set and applies the resulting
// transition at now.
func (e *Engine) Check(loc filter.TrustedLocation, now time.Time) []Intent {
	e.mu.RLock()
	state := e.state
	zones := e.zones
	e.mu.RUnlock()

	p := loc.Point()
	next, tr := Evaluate(state, p, zones)

	e.mu.Lock()
	e.lastCheck = now
	e.nearestID = ""
	e.lastDist = 0
	if z, d, ok := nearest(p, zones); ok {
		e.nearestID = z.ID
		e.lastDist = d
	}
	e.mu.Unlock()

	return e.Apply(next, tr, now)
}

// Apply commits a transition computed elsewhere (Evaluate or a remote
// checker) and returns the walk intents it raises.
func (e *Engine) Apply(next State, tr Transition, now time.Time) []Intent {
	if tr.Kind == None {
		return nil
	}

	e.mu.Lock()
	prev := e.state
	left := e.current
	var changed []GeofenceEvent
	var intents []Intent

	if tr.Kind == Exit || tr.Kind == Switch {
		if ev, ok := e.closeActiveLocked(now); ok {
			changed = append(changed, ev)
		}
		if left.AutoStartWalk {
			intents = append(intents, Intent{Kind: StartWalk, Zone: left, At: now})
		}
		e.current = safezone.SafeZone{}
	}

	if tr.Kind == Enter || tr.Kind == Switch {
		ev := GeofenceEvent{
			ID:           uuid.NewString(),
			SafeZoneID:   tr.To.ID,
			SafeZoneName: tr.To.Name,
			EnteredAt:    now,
			IsActive:     true,
		}
		e.appendLocked(ev)
		changed = append(changed, ev)
		e.current = tr.To
		if tr.To.AutoStopWalk {
			intents = append(intents, Intent{Kind: StopWalk, Zone: tr.To, At: now})
		}
	}

	e.state = next
	recorder := e.recorder
	e.mu.Unlock()

	e.logger.LogStateChange("geofence", prev.String(), next.String(), tr.Kind.String(), map[string]interface{}{
		"zone_id":   tr.To.ID,
		"zone_name": tr.To.Name,
		"intents":   len(intents),
	})

	if recorder != nil {
		for _, ev := range changed {
			if err := recorder.Record(ev); err != nil {
				e.logger.Warn("Failed to record geofence event", "event_id", ev.ID, "error", err)
			}
		}
	}

	return intents
}

// Leave closes the active event without raising intents; used when tracking
// stops while inside a zone.
func (e *Engine) Leave(now time.Time) {
	e.mu.Lock()
	ev, ok := e.closeActiveLocked(now)
	e.state = OutsideState()
	e.current = safezone.SafeZone{}
	recorder := e.recorder
	e.mu.Unlock()

	if ok && recorder != nil {
		if err := recorder.Record(ev); err != nil {
			e.logger.Warn("Failed to record geofence event", "event_id", ev.ID, "error", err)
		}
	}
}

func (e *Engine) closeActiveLocked(now time.Time) (GeofenceEvent, bool) {
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].IsActive {
			left := now
			e.history[i].LeftAt = &left
			e.history[i].IsActive = false
			return e.history[i], true
		}
	}
	return GeofenceEvent{}, false
}

func (e *Engine) appendLocked(ev GeofenceEvent) {
	e.history = append(e.history, ev)
	if over := len(e.history) - e.config.HistoryLimit; over > 0 {
		e.history = append([]GeofenceEvent(nil), e.history[over:]...)
	}
}

// History returns the events newest first
func (e *Engine) History() []GeofenceEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]GeofenceEvent, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		ev := e.history[i]
		if ev.LeftAt != nil {
			left := *ev.LeftAt
			ev.LeftAt = &left
		}
		out = append(out, ev)
	}
	return out
}

// Status returns a snapshot for API readers
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		State:          e.state.Kind.String(),
		ZoneID:         e.state.ZoneID,
		ZoneName:       e.current.Name,
		NearestZone:    e.nearestID,
		DistanceMeters: e.lastDist,
		ZoneCount:      len(safezone.Active(e.zones)),
		LastCheck:      e.lastCheck,
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].IsActive {
			ev := e.history[i]
			st.ActiveEvent = &ev
			break
		}
	}
	return st
}

// Reset returns to Outside and drops the in-memory history
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = OutsideState()
	e.current = safezone.SafeZone{}
	e.history = nil
	e.lastCheck = time.Time{}
	e.lastDist = 0
	e.nearestID = ""
}
