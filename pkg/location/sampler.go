package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
)

// Source is the platform position provider wrapped by the Sampler
type Source interface {
	// Name identifies the source in logs and fixes
	Name() string

	// CurrentFix performs a one-shot position request
	CurrentFix(ctx context.Context, req FixRequest) (RawFix, error)

	// Watch starts a continuous fix stream; the returned StopFunc must
	// release every resource the watch holds
	Watch(req FixRequest, onFix FixHandler, onError ErrorHandler) (StopFunc, error)
}

// SamplerConfig holds the request contracts used against the Source
type SamplerConfig struct {
	CurrentFixTimeout time.Duration `json:"current_fix_timeout" default:"30s"`
	WatchFixTimeout   time.Duration `json:"watch_fix_timeout" default:"10s"`
	HighAccuracy      bool          `json:"high_accuracy" default:"true"`
}

// DefaultSamplerConfig returns the standard request contract
func DefaultSamplerConfig() *SamplerConfig {
	return &SamplerConfig{
		CurrentFixTimeout: 30 * time.Second,
		WatchFixTimeout:   10 * time.Second,
		HighAccuracy:      true,
	}
}

// Sampler owns the lifecycle of every request made to a Source
type Sampler struct {
	source Source
	config *SamplerConfig
	logger *logx.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewSampler creates a sampler over source
func NewSampler(source Source, config *SamplerConfig, logger *logx.Logger) *Sampler {
	if config == nil {
		config = DefaultSamplerConfig()
	}
	return &Sampler{
		source: source,
		config: config,
		logger: logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// SourceName returns the wrapped source's name
func (s *Sampler) SourceName() string {
	return s.source.Name()
}

// GetCurrentFix requests a single fresh fix. Cached fixes are never
// accepted and the request is bounded by CurrentFixTimeout.
func (s *Sampler) GetCurrentFix(ctx context.Context) (RawFix, error) {
	req := FixRequest{
		HighAccuracy: s.config.HighAccuracy,
		Timeout:      s.config.CurrentFixTimeout,
		MaxAge:       0,
	}

	reqCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	fix, err := s.source.CurrentFix(reqCtx, req)
	if err != nil {
		err = s.classify(ctx, reqCtx, err)
		s.logger.Debug("Current fix request failed", "source", s.source.Name(), "error", err, "kind", Kind(err))
		return RawFix{}, err
	}

	if !fix.Valid() {
		return RawFix{}, fmt.Errorf("%w: invalid fix from %s", ErrPositionUnavailable, s.source.Name())
	}
	if fix.Source == "" {
		fix.Source = s.source.Name()
	}

	return fix, nil
}

func (s *Sampler) classify(parent, reqCtx context.Context, err error) error {
	if parent.Err() != nil {
		// the caller gave up, not the platform
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, s.config.CurrentFixTimeout)
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrPositionUnavailable) || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
}

// Watch starts a continuous fix stream. Each subscription is independent;
// callers are expected to hold at most one per tracking session.
func (s *Sampler) Watch(onFix FixHandler, onError ErrorHandler) (*Subscription, error) {
	if onFix == nil {
		return nil, fmt.Errorf("watch requires a fix handler")
	}
	if onError == nil {
		onError = func(error) {}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("sampler closed")
	}
	s.nextID++
	sub := &Subscription{
		id:      s.nextID,
		sampler: s,
		onFix:   onFix,
		onError: onError,
		timeout: s.config.WatchFixTimeout,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	sub.active.Store(true)
	s.subs[sub.id] = sub
	s.mu.Unlock()

	req := FixRequest{
		HighAccuracy: s.config.HighAccuracy,
		Timeout:      s.config.WatchFixTimeout,
		MaxAge:       0,
	}

	stop, err := s.source.Watch(req, sub.deliverFix, sub.deliverError)
	if err != nil {
		sub.Stop()
		return nil, fmt.Errorf("failed to start watch on %s: %w", s.source.Name(), err)
	}

	sub.mu.Lock()
	sub.platformStop = stop
	stopped := !sub.active.Load()
	sub.mu.Unlock()
	if stopped {
		// Stop raced with startup; release what the platform just gave us
		stop()
		return sub, nil
	}

	if sub.timeout > 0 {
		go sub.watchdog()
	}

	s.logger.Debug("Watch started", "source", s.source.Name(), "subscription", sub.id)
	return sub, nil
}

// ActiveWatches returns the number of live subscriptions
func (s *Sampler) ActiveWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close stops every live subscription; the sampler cannot be reused
func (s *Sampler) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

func (s *Sampler) remove(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Subscription is a cancellable fix stream. After Stop returns no further
// callbacks are started for it.
type Subscription struct {
	id      uint64
	sampler *Sampler
	onFix   FixHandler
	onError ErrorHandler
	timeout time.Duration

	active   atomic.Bool
	stopOnce sync.Once
	kick     chan struct{}
	done     chan struct{}

	mu           sync.Mutex
	platformStop StopFunc
}

// ID returns the subscription handle
func (sub *Subscription) ID() uint64 {
	return sub.id
}

// Active reports whether the subscription still delivers callbacks
func (sub *Subscription) Active() bool {
	return sub.active.Load()
}

// Stop releases the platform watch. It is safe to call more than once and
// from inside a callback.
func (sub *Subscription) Stop() {
	sub.stopOnce.Do(func() {
		sub.active.Store(false)
		close(sub.done)

		sub.mu.Lock()
		stop := sub.platformStop
		sub.platformStop = nil
		sub.mu.Unlock()

		if stop != nil {
			stop()
		}
		sub.sampler.remove(sub.id)
		sub.sampler.logger.Debug("Watch stopped", "subscription", sub.id)
	})
}

func (sub *Subscription) deliverFix(fix RawFix) {
	if !sub.active.Load() {
		return
	}
	select {
	case sub.kick <- struct{}{}:
	default:
	}

	if !fix.Valid() {
		sub.deliverError(fmt.Errorf("%w: invalid fix", ErrPositionUnavailable))
		return
	}
	if fix.Source == "" {
		fix.Source = sub.sampler.source.Name()
	}
	sub.onFix(fix)
}

func (sub *Subscription) deliverError(err error) {
	if !sub.active.Load() {
		return
	}
	sub.onError(err)
}

// watchdog surfaces a timeout whenever no fix arrives within the per-fix
// timeout. It never ends the watch.
func (sub *Subscription) watchdog() {
	timer := time.NewTimer(sub.timeout)
	defer timer.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-sub.kick:
			timer.Reset(sub.timeout)
		case <-timer.C:
			sub.deliverError(fmt.Errorf("%w: no fix within %s", ErrTimeout, sub.timeout))
			timer.Reset(sub.timeout)
		}
	}
}
