// Package tracker runs a tracking session: it watches the sampler, feeds
// fixes through the filter and drives the periodic geofence and safety
// score evaluations until the session is stopped.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/geofence"
	"github.com/markus-lassfolk/safetrack/pkg/location"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/metrics"
	"github.com/markus-lassfolk/safetrack/pkg/notify"
	"github.com/markus-lassfolk/safetrack/pkg/safety"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
	"github.com/robfig/cron/v3"
)

// Geofence evaluation modes
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Config holds the session timers
type Config struct {
	GeofenceInterval   time.Duration `json:"geofence_interval" default:"60s"`
	ScoreInterval      time.Duration `json:"score_interval" default:"3m"`
	ZoneRefresh        time.Duration `json:"zone_refresh" default:"10m"`
	GeofenceMode       string        `json:"geofence_mode" default:"local"`
	QueueSize          int           `json:"queue_size" default:"64"`
	ScoreOnFirstFix    bool          `json:"score_on_first_fix" default:"true"`
	DisablePeriodicJob bool          `json:"-"`
}

// DefaultConfig returns the standard timers
func DefaultConfig() *Config {
	return &Config{
		GeofenceInterval: 60 * time.Second,
		ScoreInterval:    3 * time.Minute,
		ZoneRefresh:      10 * time.Minute,
		GeofenceMode:     ModeLocal,
		QueueSize:        64,
		ScoreOnFirstFix:  true,
	}
}

// ZoneLister loads the user's zones from the store
type ZoneLister interface {
	List(ctx context.Context, includeInactive bool) ([]safezone.SafeZone, error)
}

// ScorePublisher receives fresh safety scores
type ScorePublisher interface {
	PublishScore(safety.Result) error
}

// Deps are the pipeline components a session drives. Sampler, Filter,
// Geofence and Safety are required.
type Deps struct {
	Sampler  *location.Sampler
	Filter   *filter.Filter
	Geofence *geofence.Engine
	Safety   *safety.Engine

	Remote  *geofence.RemoteChecker
	Zones   ZoneLister
	Notices *notify.Center
	Intents geofence.IntentSink
	Scores  ScorePublisher
	Metrics *metrics.Pipeline
}

type eventKind int

const (
	evFix eventKind = iota
	evError
	evGeofence
	evScore
	evZones
)

// loopState is swapped as a whole on every Start so late callbacks never
// see a half-initialized session
type loopState struct {
	events chan event
	ctx    context.Context
}

type event struct {
	kind eventKind
	gen  uint64
	fix  location.RawFix
	err  error
	done chan struct{}
}

// Session is one tracking session. All pipeline mutations happen on the
// session's event loop goroutine, one event at a time.
type Session struct {
	config *Config
	deps   Deps
	logger *logx.Logger

	clockMu sync.RWMutex
	clock   func() time.Time

	mu      sync.Mutex
	active  atomic.Bool
	gen     atomic.Uint64
	state   atomic.Pointer[loopState]
	sub     *location.Subscription
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
}

// NewSession validates deps and creates a stopped session
func NewSession(config *Config, deps Deps, logger *logx.Logger) (*Session, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Sampler == nil || deps.Filter == nil || deps.Geofence == nil || deps.Safety == nil {
		return nil, fmt.Errorf("session requires sampler, filter, geofence and safety components")
	}
	if config.GeofenceMode == ModeRemote && deps.Remote == nil {
		return nil, fmt.Errorf("remote geofence mode requires a remote checker")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	s := &Session{
		config: config,
		deps:   deps,
		logger: logger,
		clock:  time.Now,
	}

	deps.Safety.SetZoneFunc(func() string {
		return deps.Geofence.Status().ZoneName
	})
	if deps.Notices != nil {
		deps.Safety.SetNotifier(s)
	}
	deps.Safety.SetObserver(s.observeScore)

	return s, nil
}

// SetClock overrides the time used for geofence transitions
func (s *Session) SetClock(clock func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.clock = clock
}

func (s *Session) now() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.clock()
}

// Active reports whether the session is running
func (s *Session) Active() bool {
	return s.active.Load()
}

// StartedAt returns when the running session started
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start loads the zones, starts the watch, the periodic jobs and the event
// loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() {
		return fmt.Errorf("session already running")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ls := &loopState{events: make(chan event, s.config.QueueSize), ctx: loopCtx}
	s.state.Store(ls)
	gen := s.gen.Add(1)
	s.cancel = cancel
	s.active.Store(true)

	s.wg.Add(1)
	go s.loop(loopCtx, ls.events)

	if s.deps.Zones != nil {
		s.refreshZones(ctx)
	}

	sub, err := s.deps.Sampler.Watch(
		func(fix location.RawFix) { s.post(event{kind: evFix, gen: gen, fix: fix}) },
		func(err error) { s.post(event{kind: evError, gen: gen, err: err}) },
	)
	if err != nil {
		s.active.Store(false)
		cancel()
		s.wg.Wait()
		return fmt.Errorf("failed to start location watch: %w", err)
	}
	s.sub = sub

	if !s.config.DisablePeriodicJob {
		s.cron = cron.New()
		jobs := []struct {
			name     string
			interval time.Duration
			kind     eventKind
		}{
			{"geofence_check", s.config.GeofenceInterval, evGeofence},
			{"safety_score", s.config.ScoreInterval, evScore},
			{"zone_refresh", s.config.ZoneRefresh, evZones},
		}
		for _, job := range jobs {
			if job.interval <= 0 || (job.kind == evZones && s.deps.Zones == nil) {
				continue
			}
			kind := job.kind
			if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.interval), func() {
				s.post(event{kind: kind, gen: gen})
			}); err != nil {
				s.logger.Error("Failed to schedule job", "job", job.name, "error", err)
			}
		}
		s.cron.Start()
	}

	s.started = s.now()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsActive.Inc()
	}

	s.logger.Info("Tracking session started",
		"source", s.deps.Sampler.SourceName(),
		"geofence_interval", s.config.GeofenceInterval.String(),
		"score_interval", s.config.ScoreInterval.String(),
		"geofence_mode", s.config.GeofenceMode)
	return nil
}

// Stop tears the session down: the watch is released, the periodic jobs
// and the event loop end, and the fix history is discarded. Callbacks that
// arrive afterwards are dropped.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Swap(false) {
		return
	}

	if s.sub != nil {
		s.sub.Stop()
		s.sub = nil
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	s.cancel()
	s.wg.Wait()

	s.deps.Geofence.Leave(s.now())
	s.deps.Filter.Reset()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsActive.Dec()
		s.deps.Metrics.InsideZone.Set(0)
	}

	s.logger.Info("Tracking session stopped", "duration", s.now().Sub(s.started).String())
}

// post hands an event to the loop. It blocks while the queue is full
// unless the session ends.
func (s *Session) post(ev event) bool {
	if !s.active.Load() || ev.gen != s.gen.Load() {
		return false
	}

	ls := s.state.Load()
	select {
	case ls.events <- ev:
		return true
	case <-ls.ctx.Done():
		return false
	}
}

// run posts an event and waits until the loop has handled it
func (s *Session) run(kind eventKind) error {
	done := make(chan struct{})
	if !s.post(event{kind: kind, gen: s.gen.Load(), done: done}) {
		return fmt.Errorf("session not running")
	}

	select {
	case <-done:
		return nil
	case <-s.state.Load().ctx.Done():
		return fmt.Errorf("session stopped")
	}
}

// CheckGeofence runs a geofence evaluation now and waits for it
func (s *Session) CheckGeofence() error {
	return s.run(evGeofence)
}

// RefreshScore runs a safety score evaluation now and waits for it
func (s *Session) RefreshScore() error {
	return s.run(evScore)
}

// RefreshZones reloads the zones from the store and waits for it
func (s *Session) RefreshZones() error {
	return s.run(evZones)
}

func (s *Session) loop(ctx context.Context, events <-chan event) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			// a late callback from a stopped watch must not touch state
			if s.active.Load() && ev.gen == s.gen.Load() {
				s.handle(ctx, ev)
			}
			if ev.done != nil {
				close(ev.done)
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evFix:
		s.handleFix(ctx, ev.fix)
	case evError:
		s.handleError(ev.err)
	case evGeofence:
		s.checkGeofence(ctx)
	case evScore:
		s.refreshScore(ctx)
	case evZones:
		s.refreshZones(ctx)
	}
}

func (s *Session) handleFix(ctx context.Context, fix location.RawFix) {
	_, hadLocation := s.deps.Filter.TrustedLocation()
	upd := s.deps.Filter.Process(fix)

	if m := s.deps.Metrics; m != nil {
		m.ObserveFix(upd.Accepted, string(upd.Quality), len(s.deps.Filter.Window()))
		if upd.Accepted {
			m.ObserveTrusted(upd.Location.AccuracyMeters, upd.Location.ComputedAt)
		}
	}

	if upd.InitialQuality {
		s.notice(notify.Notice{
			Kind:    notify.KindFixQuality,
			Level:   qualityLevel(upd.Quality),
			Message: fmt.Sprintf("Location accuracy is %s (±%.0fm)", upd.Quality, fix.AccuracyMeters),
		})
	}
	if !upd.Accepted && upd.SurfaceRejection {
		s.notice(notify.Notice{
			Kind:    notify.KindOutlierRejected,
			Level:   notify.LevelWarning,
			Message: "Ignoring an implausible location jump",
		})
	}

	if !hadLocation && upd.HasLocation && s.config.ScoreOnFirstFix {
		s.refreshScore(ctx)
	}
}

func qualityLevel(q filter.Quality) notify.Level {
	if q == filter.QualityPoor {
		return notify.LevelWarning
	}
	return notify.LevelInfo
}

func (s *Session) handleError(err error) {
	surfaced := s.deps.Filter.HandleError(err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveLocationError(location.Kind(err), surfaced)
	}
	if surfaced {
		s.notice(notify.Notice{
			Kind:    notify.KindLocationError,
			Level:   notify.LevelWarning,
			Message: errorMessage(err),
		})
	}
}

func errorMessage(err error) string {
	switch location.Kind(err) {
	case "permission_denied":
		return "Location permission denied; enable location access to keep tracking"
	case "timeout":
		return "Location request timed out; still trying"
	default:
		return "Location unavailable; using last known position"
	}
}

func (s *Session) checkGeofence(ctx context.Context) {
	loc, ok := s.deps.Filter.TrustedLocation()
	if !ok {
		s.logger.Debug("Skipping geofence check without trusted location")
		return
	}

	now := s.now()
	prev := s.deps.Geofence.State()

	var intents []geofence.Intent
	if s.config.GeofenceMode == ModeRemote {
		next, tr, err := s.deps.Remote.Evaluate(ctx, prev, loc)
		if err != nil {
			s.logger.Warn("Remote geofence check failed, using local zones", "error", err)
			intents = s.deps.Geofence.Check(loc, now)
		} else {
			intents = s.deps.Geofence.Apply(next, tr, now)
		}
	} else {
		intents = s.deps.Geofence.Check(loc, now)
	}

	next := s.deps.Geofence.State()
	if kind := transitionKind(prev, next); kind != geofence.None && s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTransition(kind.String(), next.Kind == geofence.Inside)
	}

	for _, intent := range intents {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveIntent(string(intent.Kind))
		}
		if s.deps.Intents != nil {
			if err := s.deps.Intents.RaiseIntent(intent); err != nil {
				s.logger.Warn("Failed to raise walk intent", "kind", intent.Kind, "zone", intent.Zone.Name, "error", err)
			}
		}
		s.notice(notify.Notice{
			Kind:    notify.KindWalkIntent,
			Level:   notify.LevelInfo,
			Message: intentMessage(intent),
		})
	}
}

func transitionKind(prev, next geofence.State) geofence.TransitionKind {
	switch {
	case prev == next:
		return geofence.None
	case prev.Kind == geofence.Outside:
		return geofence.Enter
	case next.Kind == geofence.Outside:
		return geofence.Exit
	default:
		return geofence.Switch
	}
}

func intentMessage(intent geofence.Intent) string {
	if intent.Kind == geofence.StartWalk {
		return fmt.Sprintf("Left %s; starting a walk session", intent.Zone.Name)
	}
	return fmt.Sprintf("Arrived at %s; stopping the walk session", intent.Zone.Name)
}

func (s *Session) refreshScore(ctx context.Context) {
	loc, ok := s.deps.Filter.TrustedLocation()
	if !ok {
		// the timer only re-evaluates while a location is available
		return
	}
	s.deps.Safety.GetScore(ctx, &loc)
}

// observeScore runs for every evaluation, whether it came from the timer or
// from an API caller
func (s *Session) observeScore(o safety.Outcome) {
	if m := s.deps.Metrics; m != nil {
		score := -1
		if o.Result.Score != nil {
			score = *o.Result.Score
		}
		m.ObserveScore(o.Kind, score, o.Duration)
	}

	if o.Kind == safety.OutcomeComputed && s.deps.Scores != nil {
		if err := s.deps.Scores.PublishScore(o.Result); err != nil {
			s.logger.Warn("Failed to publish safety score", "error", err)
		}
	}
}

func (s *Session) refreshZones(ctx context.Context) {
	zones, err := s.deps.Zones.List(ctx, false)
	if err != nil {
		s.logger.Warn("Failed to load safe zones, keeping previous set", "error", err)
		return
	}
	s.deps.Geofence.SetZones(zones)
}

// Notify implements safety.Notifier by routing through the notice center
func (s *Session) Notify(n notify.Notice) bool {
	return s.notice(n)
}

func (s *Session) notice(n notify.Notice) bool {
	if s.deps.Notices == nil {
		return false
	}
	delivered := s.deps.Notices.Notify(n)
	if delivered && s.deps.Metrics != nil {
		s.deps.Metrics.ObserveNotice(n.Kind)
	}
	return delivered
}

// TrustedLocation returns the filter's current trusted location
func (s *Session) TrustedLocation() (filter.TrustedLocation, bool) {
	return s.deps.Filter.TrustedLocation()
}

// LastScore returns the most recent evaluation result
func (s *Session) LastScore() (safety.Result, bool) {
	return s.deps.Safety.Latest()
}

// Score evaluates the safety score for the current trusted location. It is
// served from the cache when still valid.
func (s *Session) Score(ctx context.Context) safety.Result {
	if loc, ok := s.deps.Filter.TrustedLocation(); ok {
		return s.deps.Safety.GetScore(ctx, &loc)
	}
	return s.deps.Safety.GetScore(ctx, nil)
}

// Rescore drops the cached score and evaluates a fresh one
func (s *Session) Rescore(ctx context.Context) safety.Result {
	s.deps.Safety.Invalidate()
	return s.Score(ctx)
}

// Deps returns the components driven by the session
func (s *Session) Deps() Deps {
	return s.deps
}
