package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/geo"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/notify"
)

// Config holds the cache policy and call limits
type Config struct {
	MaxAge            time.Duration `json:"max_age" default:"3m"`
	MaxDistanceMeters float64       `json:"max_distance_meters" default:"50"`
	RefreshInterval   time.Duration `json:"refresh_interval" default:"3m"`
	Timeout           time.Duration `json:"timeout" default:"30s"`
	// SessionID keys the persisted cache entry
	SessionID string `json:"session_id"`
}

// DefaultConfig returns the standard cache policy
func DefaultConfig() *Config {
	return &Config{
		MaxAge:            3 * time.Minute,
		MaxDistanceMeters: 50,
		RefreshInterval:   3 * time.Minute,
		Timeout:           30 * time.Second,
		SessionID:         "default",
	}
}

// Notifier receives the alert warning raised by a fresh computation
type Notifier interface {
	Notify(notify.Notice) bool
}

// ZoneFunc reports the occupied safe zone name, empty when outside
type ZoneFunc func() string

// Evaluation outcomes reported to the Observer
const (
	OutcomeComputed = "computed"
	OutcomeCached   = "cached"
	OutcomeFailed   = "failed"
)

// Outcome describes one evaluation made for a known location
type Outcome struct {
	Kind     string
	Result   Result
	Duration time.Duration
}

// Observer is called after every evaluation with a location, while the
// engine still holds its compute lock. It must not call back into the engine.
type Observer func(Outcome)

// Stats counts engine outcomes
type Stats struct {
	Computations int64     `json:"computations"`
	CacheHits    int64     `json:"cache_hits"`
	Failures     int64     `json:"failures"`
	Alerts       int64     `json:"alerts"`
	NoLocation   int64     `json:"no_location"`
	LastDuration string    `json:"last_duration"`
	LastComputed time.Time `json:"last_computed"`
}

// Engine owns the single cache entry and orchestrates score computation
type Engine struct {
	config   *Config
	scorer   Scorer
	notifier Notifier
	observer Observer
	zone     ZoneFunc
	logger   *logx.Logger
	perf     *logx.PerformanceLogger
	clock    func() time.Time

	// computeMu serializes GetScore so concurrent callers share one call
	computeMu sync.Mutex

	mu    sync.RWMutex
	store CacheStore
	entry *CacheEntry
	last  *Result
	stats Stats
}

// NewEngine creates an engine; nil config uses the defaults
func NewEngine(config *Config, scorer Scorer, logger *logx.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SessionID == "" {
		config.SessionID = "default"
	}
	return &Engine{
		config: config,
		scorer: scorer,
		logger: logger,
		perf:   logx.NewPerformanceLogger(logger, 10*time.Second),
		clock:  time.Now,
	}
}

// SetNotifier attaches the sink for alert warnings
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// SetObserver attaches the evaluation observer
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

// SetZoneFunc attaches the geofence status passed to the scoring service
func (e *Engine) SetZoneFunc(f ZoneFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zone = f
}

// SetClock overrides the time source
func (e *Engine) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// Config returns the active policy
func (e *Engine) Config() Config {
	return *e.config
}

// Warm attaches store and loads its entry when still within the freshness
// window. Distance is checked on every use.
func (e *Engine) Warm(store CacheStore) error {
	e.mu.Lock()
	e.store = store
	now := e.clock()
	e.mu.Unlock()

	if store == nil {
		return nil
	}

	entry, ok, err := store.Load(e.config.SessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if age := now.Sub(entry.ComputedAt); age < 0 || age >= e.config.MaxAge {
		e.logger.Debug("Discarding stale persisted safety score", "age", age.String())
		if err := store.Delete(e.config.SessionID); err != nil {
			e.logger.Warn("Failed to delete stale safety score", "error", err)
		}
		return nil
	}

	e.mu.Lock()
	e.entry = &entry
	res := entry.Result.clone()
	e.last = &res
	e.mu.Unlock()

	e.logger.Info("Restored persisted safety score",
		"status", entry.Result.Status,
		"computed_at", entry.ComputedAt)
	return nil
}

// GetScore returns the score for loc. A nil loc yields an unknown result
// without any network call. A valid cache entry is returned verbatim;
// otherwise the score is recomputed and the entry replaced.
func (e *Engine) GetScore(ctx context.Context, loc *filter.TrustedLocation) Result {
	e.computeMu.Lock()
	defer e.computeMu.Unlock()

	e.mu.RLock()
	now := e.clock()
	entry := e.entry
	observer := e.observer
	e.mu.RUnlock()

	if loc == nil {
		res := unknownResult(PromptEnableLocation, now)
		e.mu.Lock()
		e.stats.NoLocation++
		e.last = &res
		e.mu.Unlock()
		return res.clone()
	}

	if entry != nil {
		err := e.validate(entry, *loc, now)
		if err == nil {
			e.mu.Lock()
			e.stats.CacheHits++
			e.mu.Unlock()
			if observer != nil {
				observer(Outcome{Kind: OutcomeCached, Result: entry.Result.clone()})
			}
			return entry.Result.clone()
		}
		e.logger.Debug("Safety score cache invalid", "reason", err)
	}

	return e.compute(ctx, *loc, now)
}

// validate returns ErrCacheStale when entry may not be served for loc
func (e *Engine) validate(entry *CacheEntry, loc filter.TrustedLocation, now time.Time) error {
	age := now.Sub(entry.ComputedAt)
	if age < 0 || age >= e.config.MaxAge {
		return fmt.Errorf("%w: age %s", ErrCacheStale, age)
	}
	anchor := geo.Point{Lat: entry.ComputedAtLocation.Lat, Lng: entry.ComputedAtLocation.Lng}
	if d := geo.ApproxDistance(anchor, loc.Point()); d >= e.config.MaxDistanceMeters {
		return fmt.Errorf("%w: moved %.1fm", ErrCacheStale, d)
	}
	return nil
}

func (e *Engine) compute(ctx context.Context, loc filter.TrustedLocation, now time.Time) Result {
	e.mu.RLock()
	zone := e.zone
	notifier := e.notifier
	observer := e.observer
	store := e.store
	e.mu.RUnlock()

	req := Request{Latitude: loc.Latitude, Longitude: loc.Longitude}
	if zone != nil {
		req.SafeZone = zone()
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	timer := e.perf.Start("safety_score")
	res, err := e.scorer.Score(callCtx, req)

	// caller cancellation leaves the cache, counters and latest result untouched
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		e.logger.Debug("Safety score computation aborted", "error", err)
		return unknownResult(PromptUnavailable, now)
	}
	elapsed := timer.Done(err)

	if err != nil {
		if !errors.Is(err, ErrScoreServiceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrScoreServiceUnavailable, err)
		}
		failed := unknownResult(PromptUnavailable, now)

		e.mu.Lock()
		e.entry = nil
		e.last = &failed
		e.stats.Failures++
		e.stats.LastDuration = elapsed.String()
		e.mu.Unlock()

		if store != nil {
			if derr := store.Delete(e.config.SessionID); derr != nil {
				e.logger.Warn("Failed to invalidate persisted safety score", "error", derr)
			}
		}
		e.logger.Warn("Safety score computation failed", "error", err, "duration", elapsed.String())
		if observer != nil {
			observer(Outcome{Kind: OutcomeFailed, Result: failed.clone(), Duration: elapsed})
		}
		return failed.clone()
	}

	res.LocationAvailable = true
	if res.AnalyzedAt.IsZero() {
		res.AnalyzedAt = now
	}
	entry := &CacheEntry{
		Result:             res.clone(),
		ComputedAt:         now,
		ComputedAtLocation: Anchor{Lat: loc.Latitude, Lng: loc.Longitude},
	}

	alert := res.Status == StatusAlert && len(res.Factors) > 0

	e.mu.Lock()
	e.entry = entry
	last := entry.Result
	e.last = &last
	e.stats.Computations++
	e.stats.LastDuration = elapsed.String()
	e.stats.LastComputed = now
	if alert {
		e.stats.Alerts++
	}
	e.mu.Unlock()

	if store != nil {
		if err := store.Save(e.config.SessionID, *entry); err != nil {
			e.logger.Warn("Failed to persist safety score", "error", err)
		}
	}

	score := 0
	if res.Score != nil {
		score = *res.Score
	}
	e.logger.Info("Safety score computed",
		"score", score,
		"status", res.Status,
		"factors", len(res.Factors),
		"safe_zone", req.SafeZone,
		"duration", elapsed.String())

	if alert && notifier != nil {
		notifier.Notify(notify.Notice{
			Kind:    notify.KindSafetyAlert,
			Level:   notify.LevelWarning,
			Message: res.Factors[0],
			At:      now,
		})
	}
	if observer != nil {
		observer(Outcome{Kind: OutcomeComputed, Result: entry.Result.clone(), Duration: elapsed})
	}

	return entry.Result.clone()
}

// Latest returns the most recent result without computing; ok is false
// before the first evaluation.
func (e *Engine) Latest() (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.last == nil {
		return Result{}, false
	}
	return e.last.clone(), true
}

// Cached returns the live cache entry, if any
func (e *Engine) Cached() (CacheEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.entry == nil {
		return CacheEntry{}, false
	}
	entry := *e.entry
	entry.Result = entry.Result.clone()
	return entry, true
}

// Invalidate drops the in-memory entry and the persisted copy
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.entry = nil
	store := e.store
	e.mu.Unlock()

	if store != nil {
		if err := store.Delete(e.config.SessionID); err != nil {
			e.logger.Warn("Failed to invalidate persisted safety score", "error", err)
		}
	}
}

// Stats returns a copy of the counters
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}
