// Package api serves the trusted location, geofence state and safety score
// over HTTP for the UI and for safetrackctl.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/geofence"
	"github.com/markus-lassfolk/safetrack/pkg/location"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/notify"
	"github.com/markus-lassfolk/safetrack/pkg/safety"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
)

// Version is reported by the health endpoint
var Version = "dev"

// Config holds API server configuration
type Config struct {
	Enabled  bool   `json:"enabled" default:"true"`
	Port     int    `json:"port" default:"8081"`
	Host     string `json:"host" default:"localhost"`
	AuthKey  string `json:"auth_key"`  // Optional authentication key
	CertFile string `json:"cert_file"` // TLS certificate file path
	KeyFile  string `json:"key_file"`  // TLS private key file path
}

// DefaultConfig returns the API defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Port:    8081,
		Host:    "localhost",
	}
}

// Tracker is the tracking session as seen by the API
type Tracker interface {
	Active() bool
	StartedAt() time.Time
	Start(ctx context.Context) error
	Stop()
	TrustedLocation() (filter.TrustedLocation, bool)
	Score(ctx context.Context) safety.Result
	Rescore(ctx context.Context) safety.Result
	LastScore() (safety.Result, bool)
	CheckGeofence() error
	RefreshZones() error
}

// ZoneStore manages the user's zones in the remote store
type ZoneStore interface {
	List(ctx context.Context, includeInactive bool) ([]safezone.SafeZone, error)
	Create(ctx context.Context, zone safezone.SafeZone) (*safezone.SafeZone, error)
	Update(ctx context.Context, id string, patch safezone.Patch) (*safezone.SafeZone, error)
	Delete(ctx context.Context, id string) error
}

// Locator provides a fresh one-shot fix for zone registration
type Locator interface {
	GetCurrentFix(ctx context.Context) (location.RawFix, error)
}

// GeofenceView exposes the in-memory geofence state
type GeofenceView interface {
	Status() geofence.Status
	History() []geofence.GeofenceEvent
}

// EventLogView exposes the long-term geofence log
type EventLogView interface {
	Recent(limit int) ([]geofence.GeofenceEvent, error)
}

// FilterView exposes filter internals for diagnostics
type FilterView interface {
	Stats() filter.Stats
	Window() []location.RawFix
	Config() filter.Config
}

// NoticeView exposes recent notices
type NoticeView interface {
	Recent(limit int) []notify.Notice
}

// Deps are the components the server reads from. Tracker and Geofence are
// required; the rest are optional.
type Deps struct {
	Tracker  Tracker
	Geofence GeofenceView
	Filter   FilterView
	EventLog EventLogView
	Notices  NoticeView
	Zones    ZoneStore
	Locator  Locator
	Metrics  http.Handler
}

// Server provides the HTTP API
type Server struct {
	config    *Config
	deps      Deps
	logger    *logx.Logger
	startTime time.Time
	srv       *http.Server
}

// NewServer creates a server; nil config uses the defaults
func NewServer(config *Config, deps Deps, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startTime: time.Now(),
	}
}

// authMiddleware handles optional authentication for API endpoints
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no auth key is configured, allow anonymous access
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.URL.Query().Get("auth")
		if authKey == "" {
			authKey = r.Header.Get("X-API-Key")
		}

		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			s.sendErrorResponse(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/location", s.handleLocation).Methods(http.MethodGet)
	api.HandleFunc("/filter", s.handleFilter).Methods(http.MethodGet)
	api.HandleFunc("/geofence/status", s.handleGeofenceStatus).Methods(http.MethodGet)
	api.HandleFunc("/geofence/history", s.handleGeofenceHistory).Methods(http.MethodGet)
	api.HandleFunc("/geofence/check", s.handleGeofenceCheck).Methods(http.MethodPost)
	api.HandleFunc("/safety/score", s.handleSafetyScore).Methods(http.MethodGet)
	api.HandleFunc("/safety/score/refresh", s.handleSafetyRescore).Methods(http.MethodPost)
	api.HandleFunc("/zones", s.handleZoneList).Methods(http.MethodGet)
	api.HandleFunc("/zones", s.handleZoneCreate).Methods(http.MethodPost)
	api.HandleFunc("/zones/{id}", s.handleZoneUpdate).Methods(http.MethodPatch)
	api.HandleFunc("/zones/{id}", s.handleZoneDelete).Methods(http.MethodDelete)
	api.HandleFunc("/notices", s.handleNotices).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/session/start", s.handleSessionStart).Methods(http.MethodPost)
	api.HandleFunc("/session/stop", s.handleSessionStop).Methods(http.MethodPost)

	return router
}

// Start starts the HTTP API server
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting API server", "address", addr, "tls", s.config.CertFile != "")

	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			err = s.srv.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
			err = s.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.logger.Info("API server stopped")
	return err
}

// LocationResponse is the body of GET /api/location
type LocationResponse struct {
	LocationAvailable bool                    `json:"location_available"`
	Location          *filter.TrustedLocation `json:"location,omitempty"`
	Quality           filter.Quality          `json:"quality,omitempty"`
	Tracking          bool                    `json:"tracking"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	resp := LocationResponse{Tracking: s.deps.Tracker.Active()}

	if loc, ok := s.deps.Tracker.TrustedLocation(); ok {
		resp.LocationAvailable = true
		resp.Location = &loc
		if s.deps.Filter != nil {
			cfg := s.deps.Filter.Config()
			resp.Quality = cfg.Band(loc.AccuracyMeters)
		}
	}

	s.sendJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	if s.deps.Filter == nil {
		s.sendErrorResponse(w, http.StatusNotFound, "filter diagnostics not available", nil)
		return
	}
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"stats":  s.deps.Filter.Stats(),
		"window": s.deps.Filter.Window(),
		"config": s.deps.Filter.Config(),
	})
}

func (s *Server) handleGeofenceStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, http.StatusOK, s.deps.Geofence.Status())
}

func (s *Server) handleGeofenceHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	var events []geofence.GeofenceEvent
	switch r.URL.Query().Get("source") {
	case "", "memory":
		events = s.deps.Geofence.History()
	case "log":
		if s.deps.EventLog == nil {
			s.sendErrorResponse(w, http.StatusNotFound, "event log not configured", nil)
			return
		}
		var err error
		events, err = s.deps.EventLog.Recent(limit)
		if err != nil {
			s.logger.Error("Failed to read geofence event log", "error", err)
			s.sendErrorResponse(w, http.StatusInternalServerError, "failed to read event log", err)
			return
		}
	default:
		s.sendErrorResponse(w, http.StatusBadRequest, "source must be memory or log", nil)
		return
	}

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	if events == nil {
		events = []geofence.GeofenceEvent{}
	}
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleGeofenceCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tracker.CheckGeofence(); err != nil {
		s.sendErrorResponse(w, http.StatusConflict, "tracking is not running", err)
		return
	}
	s.sendJSONResponse(w, http.StatusOK, s.deps.Geofence.Status())
}

func (s *Server) handleSafetyScore(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Tracker.Score(r.Context())
	s.sendJSONResponse(w, http.StatusOK, res)
}

func (s *Server) handleSafetyRescore(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Tracker.Rescore(r.Context())
	s.sendJSONResponse(w, http.StatusOK, res)
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notices == nil {
		s.sendJSONResponse(w, http.StatusOK, []notify.Notice{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.sendJSONResponse(w, http.StatusOK, s.deps.Notices.Recent(limit))
}

// SessionResponse is the body of the session endpoints
type SessionResponse struct {
	Active    bool           `json:"active"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	LastScore *safety.Result `json:"last_score,omitempty"`
}

func (s *Server) sessionResponse() SessionResponse {
	resp := SessionResponse{Active: s.deps.Tracker.Active()}
	if resp.Active {
		t := s.deps.Tracker.StartedAt()
		resp.StartedAt = &t
	}
	if res, ok := s.deps.Tracker.LastScore(); ok {
		resp.LastScore = &res
	}
	return resp
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, http.StatusOK, s.sessionResponse())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker.Active() {
		s.sendJSONResponse(w, http.StatusOK, s.sessionResponse())
		return
	}
	if err := s.deps.Tracker.Start(r.Context()); err != nil {
		s.logger.Error("Failed to start tracking session", "error", err)
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to start tracking", err)
		return
	}
	s.sendJSONResponse(w, http.StatusOK, s.sessionResponse())
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.Stop()
	s.sendJSONResponse(w, http.StatusOK, s.sessionResponse())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "safetrackd",
		"version":   Version,
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"tracking":  s.deps.Tracker.Active(),
	})
}

// sendJSONResponse sends a JSON response with proper headers
func (s *Server) sendJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// sendErrorResponse sends an error response
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.sendJSONResponse(w, statusCode, response)
}
