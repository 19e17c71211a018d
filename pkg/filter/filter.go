// Package filter turns a stream of raw device fixes into a trusted
// location: implausible jumps are rejected and low-accuracy fixes are
// smoothed over a short recency/accuracy weighted window.
package filter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/geo"
	"github.com/markus-lassfolk/safetrack/pkg/location"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"golang.org/x/time/rate"
)

// ErrOutlierRejected marks a fix dropped by the speed gate. It is a
// filtering decision, not a failure.
var ErrOutlierRejected = errors.New("fix rejected as outlier")

// Config holds the filter thresholds. The defaults are empirical and tuned
// for pedestrians; vehicular use needs a higher MaxSpeedMPS.
type Config struct {
	MaxSpeedMPS            float64       `json:"max_speed_mps" default:"50"`
	OutlierAccuracyCeiling float64       `json:"outlier_accuracy_ceiling" default:"1000"`
	MinElapsed             time.Duration `json:"min_elapsed" default:"1s"`
	WindowSize             int           `json:"window_size" default:"5"`
	MinSmoothingFixes      int           `json:"min_smoothing_fixes" default:"3"`
	GoodAccuracy           float64       `json:"good_accuracy" default:"50"`
	OKAccuracy             float64       `json:"ok_accuracy" default:"100"`
	ErrorNoticeInterval    time.Duration `json:"error_notice_interval" default:"30s"`
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() *Config {
	return &Config{
		MaxSpeedMPS:            50,
		OutlierAccuracyCeiling: 1000,
		MinElapsed:             time.Second,
		WindowSize:             5,
		MinSmoothingFixes:      3,
		GoodAccuracy:           50,
		OKAccuracy:             100,
		ErrorNoticeInterval:    30 * time.Second,
	}
}

// Validate checks the thresholds for consistency
func (c *Config) Validate() error {
	if c.MaxSpeedMPS <= 0 {
		return fmt.Errorf("max_speed_mps must be positive")
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1")
	}
	if c.MinSmoothingFixes < 1 || c.MinSmoothingFixes > c.WindowSize {
		return fmt.Errorf("min_smoothing_fixes must be between 1 and window_size")
	}
	if c.GoodAccuracy <= 0 || c.OKAccuracy < c.GoodAccuracy {
		return fmt.Errorf("accuracy bands must satisfy 0 < good_accuracy <= ok_accuracy")
	}
	return nil
}

// Quality is the accuracy band reported to callers
type Quality string

const (
	QualityGood Quality = "good"
	QualityOK   Quality = "ok"
	QualityPoor Quality = "poor"
)

// Band classifies an accuracy radius
func (c *Config) Band(accuracy float64) Quality {
	switch {
	case accuracy <= c.GoodAccuracy:
		return QualityGood
	case accuracy <= c.OKAccuracy:
		return QualityOK
	default:
		return QualityPoor
	}
}

// TrustedLocation is the position the pipeline currently believes. Values
// are replaced wholesale, never modified.
type TrustedLocation struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Point returns the coordinates
func (t TrustedLocation) Point() geo.Point {
	return geo.Point{Lat: t.Latitude, Lng: t.Longitude}
}

// Update describes what happened to one fix
type Update struct {
	Fix            location.RawFix `json:"fix"`
	Accepted       bool            `json:"accepted"`
	Err            error           `json:"-"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	DistanceMeters float64         `json:"distance_meters"`
	SpeedMPS       float64         `json:"speed_mps"`
	Smoothed       bool            `json:"smoothed"`
	Quality        Quality         `json:"quality"`
	// InitialQuality is set on the first accepted fix of a session only
	InitialQuality bool `json:"initial_quality"`
	// SurfaceRejection is set when a rejection may be shown to the user
	SurfaceRejection bool            `json:"surface_rejection"`
	Location         TrustedLocation `json:"location"`
	HasLocation      bool            `json:"has_location"`
}

// Stats counts filter decisions
type Stats struct {
	Accepted       int64 `json:"accepted"`
	Rejected       int64 `json:"rejected"`
	Smoothed       int64 `json:"smoothed"`
	ErrorsSeen     int64 `json:"errors_seen"`
	ErrorsSurfaced int64 `json:"errors_surfaced"`
}

// Filter owns the fix history window and the trusted location
type Filter struct {
	config *Config
	logger *logx.Logger
	clock  func() time.Time

	mu              sync.RWMutex
	window          []location.RawFix
	lastAccepted    *location.RawFix
	trusted         *TrustedLocation
	initialReported bool
	errorLimiter    *rate.Limiter
	outlierLimiter  *rate.Limiter
	stats           Stats
}

// New creates a filter; a nil config uses the defaults
func New(config *Config, logger *logx.Logger) *Filter {
	if config == nil {
		config = DefaultConfig()
	}
	f := &Filter{
		config: config,
		logger: logger,
		clock:  time.Now,
	}
	f.resetLocked()
	return f
}

// SetClock overrides the time source
func (f *Filter) SetClock(clock func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = clock
}

// Config returns the active thresholds
func (f *Filter) Config() Config {
	return *f.config
}

// Process runs one fix through outlier rejection and smoothing. Fixes must
// be passed in arrival order.
func (f *Filter) Process(fix location.RawFix) Update {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock()
	update := Update{Fix: fix, Quality: f.config.Band(fix.AccuracyMeters)}

	reason, dist, speed := f.checkOutlier(fix)
	update.DistanceMeters = dist
	update.SpeedMPS = speed

	if reason != "" {
		f.stats.Rejected++
		update.Err = fmt.Errorf("%w: %s", ErrOutlierRejected, reason)
		update.RejectReason = reason
		update.SurfaceRejection = f.outlierLimiter.AllowN(now, 1)
		if f.trusted != nil {
			update.Location = *f.trusted
			update.HasLocation = true
		}
		f.logger.Debug("Fix rejected as outlier",
			"reason", reason,
			"distance_m", dist,
			"speed_mps", speed,
			"accuracy", fix.AccuracyMeters)
		return update
	}

	f.stats.Accepted++
	update.Accepted = true

	accepted := fix
	f.lastAccepted = &accepted
	f.window = append(f.window, fix)
	if len(f.window) > f.config.WindowSize {
		f.window = f.window[len(f.window)-f.config.WindowSize:]
	}

	var next TrustedLocation
	switch {
	case fix.AccuracyMeters <= f.config.GoodAccuracy:
		// a precise fix is used as is; smoothing would only add lag
		next = TrustedLocation{
			Latitude:       fix.Latitude,
			Longitude:      fix.Longitude,
			AccuracyMeters: fix.AccuracyMeters,
			ComputedAt:     now,
		}
	case len(f.window) >= f.config.MinSmoothingFixes:
		next = f.weightedAverage(now)
		update.Smoothed = true
		f.stats.Smoothed++
	default:
		next = TrustedLocation{
			Latitude:       fix.Latitude,
			Longitude:      fix.Longitude,
			AccuracyMeters: fix.AccuracyMeters,
			ComputedAt:     now,
		}
	}

	f.trusted = &next
	update.Location = next
	update.HasLocation = true

	if !f.initialReported {
		f.initialReported = true
		update.InitialQuality = true
	}

	f.logger.Debug("Fix accepted",
		"accuracy", fix.AccuracyMeters,
		"quality", update.Quality,
		"smoothed", update.Smoothed,
		"window", len(f.window))

	return update
}

// checkOutlier returns a non-empty reason when fix implies an impossible
// speed from the previous accepted fix
func (f *Filter) checkOutlier(fix location.RawFix) (string, float64, float64) {
	if f.lastAccepted == nil {
		return "", 0, 0
	}

	prev := f.lastAccepted
	dist := geo.Haversine(prev.Latitude, prev.Longitude, fix.Latitude, fix.Longitude)
	elapsed := fix.CapturedAt.Sub(prev.CapturedAt)
	if elapsed < f.config.MinElapsed {
		return "", dist, 0
	}

	speed := dist / elapsed.Seconds()
	// a terrible fix explains its own jump, so only confident fixes are judged
	if speed > f.config.MaxSpeedMPS && fix.AccuracyMeters < f.config.OutlierAccuracyCeiling {
		return fmt.Sprintf("implied speed %.1f m/s exceeds %.1f m/s", speed, f.config.MaxSpeedMPS), dist, speed
	}
	return "", dist, speed
}

// weightedAverage blends the window, favouring recent and tight fixes
func (f *Filter) weightedAverage(now time.Time) TrustedLocation {
	n := float64(len(f.window))
	var totalWeight, lat, lng, acc float64

	for i, fix := range f.window {
		recency := float64(i+1) / n
		accuracy := 1.0 / (fix.AccuracyMeters + 1.0)
		weight := recency * accuracy

		totalWeight += weight
		lat += fix.Latitude * weight
		lng += fix.Longitude * weight
		acc += fix.AccuracyMeters * weight
	}

	return TrustedLocation{
		Latitude:       lat / totalWeight,
		Longitude:      lng / totalWeight,
		AccuracyMeters: acc / totalWeight,
		ComputedAt:     now,
	}
}

// HandleError records a location acquisition error and reports whether it
// should be surfaced. At most one error per ErrorNoticeInterval passes.
func (f *Filter) HandleError(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.ErrorsSeen++
	if !f.errorLimiter.AllowN(f.clock(), 1) {
		f.logger.Debug("Location error suppressed", "error", err, "kind", location.Kind(err))
		return false
	}

	f.stats.ErrorsSurfaced++
	f.logger.Warn("Location error", "error", err, "kind", location.Kind(err))
	return true
}

// TrustedLocation returns the current trusted location, if any
func (f *Filter) TrustedLocation() (TrustedLocation, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.trusted == nil {
		return TrustedLocation{}, false
	}
	return *f.trusted, true
}

// Window returns a copy of the fix history, oldest first
func (f *Filter) Window() []location.RawFix {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]location.RawFix, len(f.window))
	copy(out, f.window)
	return out
}

// Stats returns a copy of the counters
func (f *Filter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

// Reset discards all session state; called when tracking stops
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *Filter) resetLocked() {
	f.window = make([]location.RawFix, 0, f.config.WindowSize)
	f.lastAccepted = nil
	f.trusted = nil
	f.initialReported = false
	f.errorLimiter = rate.NewLimiter(rate.Every(f.config.ErrorNoticeInterval), 1)
	f.outlierLimiter = rate.NewLimiter(rate.Every(f.config.ErrorNoticeInterval), 1)
	f.stats = Stats{}
}
