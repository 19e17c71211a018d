package geofence

import (
	"context"
	"fmt"

	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
)

// GeofenceChecker is the stateless check endpoint of the safe-zone store
type GeofenceChecker interface {
	CheckGeofence(ctx context.Context, lat, lng float64) (safezone.CheckResult, error)
}

// RemoteChecker evaluates transitions with the store's check-geofence
// endpoint instead of the local zone set.
type RemoteChecker struct {
	checker GeofenceChecker
}

// NewRemoteChecker wraps a safe-zone client
func NewRemoteChecker(checker GeofenceChecker) *RemoteChecker {
	return &RemoteChecker{checker: checker}
}

// Evaluate asks the store where loc is and maps the answer onto a
// transition from state.
func (r *RemoteChecker) Evaluate(ctx context.Context, state State, loc filter.TrustedLocation) (State, Transition, error) {
	res, err := r.checker.CheckGeofence(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		return state, Transition{Kind: None}, fmt.Errorf("remote geofence check: %w", err)
	}

	if !res.Inside || res.ZoneID == "" {
		if state.Kind == Inside {
			return OutsideState(), Transition{Kind: Exit, From: state.ZoneID}, nil
		}
		return state, Transition{Kind: None}, nil
	}

	if state.Kind == Inside && state.ZoneID == res.ZoneID {
		return state, Transition{Kind: None}, nil
	}

	zone := safezone.SafeZone{
		ID:            res.ZoneID,
		Name:          res.ZoneName,
		AutoStartWalk: res.ShouldAutoStart,
		AutoStopWalk:  res.ShouldAutoStop,
		IsActive:      true,
	}
	if state.Kind == Outside {
		return InsideState(zone.ID), Transition{Kind: Enter, To: zone}, nil
	}
	return InsideState(zone.ID), Transition{Kind: Switch, From: state.ZoneID, To: zone}, nil
}
