package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/markus-lassfolk/safetrack/pkg/location"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
)

// DefaultZoneRadius is used when a registration omits the radius
const DefaultZoneRadius = 100.0

// CreateZoneRequest registers a zone at the device's present location
type CreateZoneRequest struct {
	Name          string  `json:"name"`
	RadiusMeters  float64 `json:"radius_meters,omitempty"`
	AutoStartWalk bool    `json:"auto_start_walk"`
	AutoStopWalk  bool    `json:"auto_stop_walk"`
}

func (s *Server) zoneStore(w http.ResponseWriter) bool {
	if s.deps.Zones == nil {
		s.sendErrorResponse(w, http.StatusNotFound, "safe zone store not configured", nil)
		return false
	}
	return true
}

func (s *Server) handleZoneList(w http.ResponseWriter, r *http.Request) {
	if !s.zoneStore(w) {
		return
	}
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	zones, err := s.deps.Zones.List(r.Context(), includeInactive)
	if err != nil {
		s.sendZoneError(w, "failed to list safe zones", err)
		return
	}
	if zones == nil {
		zones = []safezone.SafeZone{}
	}
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"zones": zones,
		"count": len(zones),
	})
}

func (s *Server) handleZoneCreate(w http.ResponseWriter, r *http.Request) {
	if !s.zoneStore(w) {
		return
	}
	if s.deps.Locator == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no location source", nil)
		return
	}

	var req CreateZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.RadiusMeters == 0 {
		req.RadiusMeters = DefaultZoneRadius
	}

	// a fresh fix; the store rejects anything but the present location
	fix, err := s.deps.Locator.GetCurrentFix(r.Context())
	if err != nil {
		s.logger.Warn("Failed to get fix for zone registration", "error", err, "kind", location.Kind(err))
		s.sendErrorResponse(w, fixErrorStatus(err), "current location unavailable", err)
		return
	}

	zone := safezone.SafeZone{
		Name:          req.Name,
		Latitude:      fix.Latitude,
		Longitude:     fix.Longitude,
		RadiusMeters:  req.RadiusMeters,
		AutoStartWalk: req.AutoStartWalk,
		AutoStopWalk:  req.AutoStopWalk,
		IsActive:      true,
	}
	if err := zone.Validate(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid safe zone", err)
		return
	}

	created, err := s.deps.Zones.Create(r.Context(), zone)
	if err != nil {
		s.sendZoneError(w, "failed to register safe zone", err)
		return
	}

	s.logger.Info("Safe zone registered",
		"zone_id", created.ID,
		"name", created.Name,
		"radius", created.RadiusMeters,
		"accuracy", fix.AccuracyMeters)
	s.refreshZones()
	s.sendJSONResponse(w, http.StatusCreated, created)
}

func (s *Server) handleZoneUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.zoneStore(w) {
		return
	}
	id := mux.Vars(r)["id"]

	var patch safezone.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if rad := patch.RadiusMeters; rad != nil && (*rad < safezone.MinRadiusMeters || *rad > safezone.MaxRadiusMeters) {
		s.sendErrorResponse(w, http.StatusBadRequest, "radius out of range", nil)
		return
	}

	updated, err := s.deps.Zones.Update(r.Context(), id, patch)
	if err != nil {
		s.sendZoneError(w, "failed to update safe zone", err)
		return
	}
	s.refreshZones()
	s.sendJSONResponse(w, http.StatusOK, updated)
}

func (s *Server) handleZoneDelete(w http.ResponseWriter, r *http.Request) {
	if !s.zoneStore(w) {
		return
	}
	id := mux.Vars(r)["id"]

	if err := s.deps.Zones.Delete(r.Context(), id); err != nil {
		s.sendZoneError(w, "failed to delete safe zone", err)
		return
	}
	s.logger.Info("Safe zone deleted", "zone_id", id)
	s.refreshZones()
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

// refreshZones reloads the running session's zone set after a store change
func (s *Server) refreshZones() {
	if !s.deps.Tracker.Active() {
		return
	}
	if err := s.deps.Tracker.RefreshZones(); err != nil {
		s.logger.Warn("Failed to refresh session zones", "error", err)
	}
}

func (s *Server) sendZoneError(w http.ResponseWriter, message string, err error) {
	status := http.StatusBadGateway
	var apiErr *safezone.APIError
	switch {
	case errors.Is(err, safezone.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, safezone.ErrNotPresentLocation):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
		status = apiErr.StatusCode
	}
	s.logger.Warn(message, "error", err, "status", status)
	s.sendErrorResponse(w, status, message, err)
}

func fixErrorStatus(err error) int {
	switch {
	case errors.Is(err, location.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, location.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
