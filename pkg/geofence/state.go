// Package geofence classifies the trusted location against the user's safe
// zones and turns the result into enter/exit events and walk intents.
package geofence

import (
	"math"

	"github.com/markus-lassfolk/safetrack/pkg/geo"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
)

// StateKind tags the geofence state
type StateKind int

const (
	Outside StateKind = iota
	Inside
)

func (k StateKind) String() string {
	if k == Inside {
		return "inside"
	}
	return "outside"
}

// State is either Outside or Inside(ZoneID). ZoneID is empty when Outside.
type State struct {
	Kind   StateKind `json:"kind"`
	ZoneID string    `json:"zone_id,omitempty"`
}

// OutsideState is the initial state
func OutsideState() State {
	return State{Kind: Outside}
}

// InsideState returns Inside(zoneID)
func InsideState(zoneID string) State {
	return State{Kind: Inside, ZoneID: zoneID}
}

func (s State) String() string {
	if s.Kind == Inside {
		return "inside(" + s.ZoneID + ")"
	}
	return "outside"
}

// TransitionKind names what a state change means for the event history
type TransitionKind int

const (
	None TransitionKind = iota
	Enter
	Exit
	Switch
)

func (k TransitionKind) String() string {
	switch k {
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	case Switch:
		return "switch"
	default:
		return "none"
	}
}

// Transition is the result of one evaluation. From is the zone being left
// (Exit, Switch), To the zone being entered (Enter, Switch).
type Transition struct {
	Kind TransitionKind
	From string
	To   safezone.SafeZone
}

// Evaluate is the pure transition function. The new zone is the nearest
// active zone containing p; the current zone is kept for as long as p is
// still inside it so overlapping zones do not flap.
func Evaluate(state State, p geo.Point, zones []safezone.SafeZone) (State, Transition) {
	active := safezone.Active(zones)

	if state.Kind == Inside {
		for _, z := range active {
			if z.ID == state.ZoneID && z.Contains(p) {
				return state, Transition{Kind: None}
			}
		}
	}

	nearest, ok := nearestContaining(p, active)
	switch {
	case !ok && state.Kind == Inside:
		return OutsideState(), Transition{Kind: Exit, From: state.ZoneID}
	case !ok:
		return state, Transition{Kind: None}
	case state.Kind == Outside:
		return InsideState(nearest.ID), Transition{Kind: Enter, To: nearest}
	default:
		return InsideState(nearest.ID), Transition{Kind: Switch, From: state.ZoneID, To: nearest}
	}
}

func nearestContaining(p geo.Point, zones []safezone.SafeZone) (safezone.SafeZone, bool) {
	best := -1
	bestDist := math.MaxFloat64
	for i, z := range zones {
		d := z.DistanceTo(p)
		if d <= z.RadiusMeters && d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return safezone.SafeZone{}, false
	}
	return zones[best], true
}

// nearest returns the closest active zone regardless of containment
func nearest(p geo.Point, zones []safezone.SafeZone) (safezone.SafeZone, float64, bool) {
	best := -1
	bestDist := math.MaxFloat64
	for i, z := range zones {
		if !z.IsActive {
			continue
		}
		if d := z.DistanceTo(p); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return safezone.SafeZone{}, 0, false
	}
	return zones[best], bestDist, true
}
