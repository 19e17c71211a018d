// Package safezone models the user's safe zones and talks to the remote
// safe-zone store.
package safezone

import (
	"context"
	"fmt"

	"github.com/markus-lassfolk/safetrack/pkg/geo"
)

// Radius bounds accepted by the store
const (
	MinRadiusMeters = 10.0
	MaxRadiusMeters = 200.0
)

// SafeZone is a circular user-defined zone. The pipeline only reads it.
type SafeZone struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	RadiusMeters  float64 `json:"radius_meters"`
	AutoStartWalk bool    `json:"auto_start_walk"`
	AutoStopWalk  bool    `json:"auto_stop_walk"`
	IsActive      bool    `json:"is_active"`
}

// Center returns the zone center
func (z SafeZone) Center() geo.Point {
	return geo.Point{Lat: z.Latitude, Lng: z.Longitude}
}

// DistanceTo returns the Haversine distance from p to the zone center
func (z SafeZone) DistanceTo(p geo.Point) float64 {
	return geo.Distance(z.Center(), p)
}

// Contains reports whether p lies on or within the zone boundary
func (z SafeZone) Contains(p geo.Point) bool {
	return z.DistanceTo(p) <= z.RadiusMeters
}

// Validate checks coordinates and radius bounds
func (z SafeZone) Validate() error {
	if z.Name == "" {
		return fmt.Errorf("safe zone name is required")
	}
	if !geo.ValidCoordinates(z.Latitude, z.Longitude) {
		return fmt.Errorf("safe zone %q has invalid coordinates %.6f,%.6f", z.Name, z.Latitude, z.Longitude)
	}
	if z.RadiusMeters < MinRadiusMeters || z.RadiusMeters > MaxRadiusMeters {
		return fmt.Errorf("safe zone %q radius %.0fm outside %.0f-%.0fm", z.Name, z.RadiusMeters, MinRadiusMeters, MaxRadiusMeters)
	}
	return nil
}

// Active filters zones down to the active ones
func Active(zones []SafeZone) []SafeZone {
	out := make([]SafeZone, 0, len(zones))
	for _, z := range zones {
		if z.IsActive {
			out = append(out, z)
		}
	}
	return out
}

// StaticZones serves a fixed zone set, typically from the local config,
// when no store is configured
type StaticZones []SafeZone

// List implements the store's List contract
func (s StaticZones) List(ctx context.Context, includeInactive bool) ([]SafeZone, error) {
	if includeInactive {
		return append([]SafeZone(nil), s...), nil
	}
	return Active(s), nil
}
