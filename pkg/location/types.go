// Package location is the single point of contact with the device position
// source. It exposes one-shot fixes and cancellable watch subscriptions.
package location

import (
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/geo"
)

// RawFix is a single position report as produced by a Source
type RawFix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy"`
	CapturedAt     time.Time `json:"captured_at"`
	Source         string    `json:"source,omitempty"`
}

// Point returns the fix coordinates
func (f RawFix) Point() geo.Point {
	return geo.Point{Lat: f.Latitude, Lng: f.Longitude}
}

// Valid reports whether the fix carries usable coordinates and accuracy
func (f RawFix) Valid() bool {
	return geo.ValidCoordinates(f.Latitude, f.Longitude) && f.AccuracyMeters >= 0 && !f.CapturedAt.IsZero()
}

// FixRequest mirrors the platform position options
type FixRequest struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaxAge is the oldest cached fix the source may return; zero demands a fresh fix
	MaxAge time.Duration
}

// FixHandler receives fixes from a watch
type FixHandler func(RawFix)

// ErrorHandler receives watch errors
type ErrorHandler func(error)

// StopFunc releases the platform resources held by a watch
type StopFunc func()
