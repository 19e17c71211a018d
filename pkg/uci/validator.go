package uci

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationResult represents the result of configuration validation
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Section string `json:"section"`
	Option  string `json:"option"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Section, e.Option, e.Message)
}

// ValidationWarning represents a configuration validation warning
type ValidationWarning struct {
	Section string `json:"section"`
	Option  string `json:"option"`
	Message string `json:"message"`
}

// Err joins the errors, or returns nil when the config is valid
func (r ValidationResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *ValidationResult) addError(section, option, format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Section: section, Option: option, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) addWarning(section, option, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, ValidationWarning{Section: section, Option: option, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the whole configuration
func Validate(c *Config) ValidationResult {
	result := ValidationResult{Valid: true}

	validateMainSection(c, &result)
	validateSamplerSection(c, &result)
	validateFilterSection(c, &result)
	validateGeofenceSection(c, &result)
	validateSafetySection(c, &result)
	validateStoreSection(c, &result)
	validateMQTTSection(c, &result)
	validateAPISection(c, &result)
	validateZones(c, &result)

	return result
}

func validateMainSection(c *Config, r *ValidationResult) {
	if !isValidLogLevel(c.LogLevel) {
		r.addError("main", "log_level", "invalid log level %q", c.LogLevel)
	}
	switch c.Source {
	case SourceMQTT, SourceGoogle, SourceStatic:
	default:
		r.addError("main", "source", "must be one of mqtt, google or static, got %q", c.Source)
	}
	if c.DeviceID == "" {
		r.addError("main", "device_id", "must not be empty")
	}
	if c.DataDir == "" {
		r.addError("main", "data_dir", "must not be empty")
	}
}

func validateSamplerSection(c *Config, r *ValidationResult) {
	if c.Sampler.CurrentFixTimeout <= 0 {
		r.addError("sampler", "current_fix_timeout_s", "must be positive")
	}
	if c.Sampler.WatchFixTimeout <= 0 {
		r.addError("sampler", "watch_fix_timeout_s", "must be positive")
	}
	if c.Source == SourceMQTT && !c.MQTT.Enabled {
		r.addError("mqtt", "enabled", "mqtt source requires the mqtt client to be enabled")
	}
	if c.Source == SourceGoogle && c.GooglePollInterval < 10*time.Second {
		r.addWarning("sampler", "google_poll_interval_s", "polling faster than every 10s burns API quota")
	}
	if c.Source == SourceStatic && c.Static.Latitude == 0 && c.Static.Longitude == 0 {
		r.addWarning("sampler", "static_latitude", "static source reports 0,0")
	}
}

func validateFilterSection(c *Config, r *ValidationResult) {
	f := c.Filter
	if err := f.Validate(); err != nil {
		r.addError("filter", "", "%v", err)
	}
	if f.MinSmoothingFixes > f.WindowSize {
		r.addWarning("filter", "min_smoothing_fixes", "larger than window_size; smoothing never applies")
	}
}

func validateGeofenceSection(c *Config, r *ValidationResult) {
	if c.Geofence.CheckInterval < time.Second {
		r.addError("geofence", "check_interval_s", "must be at least 1 second")
	}
	if c.Geofence.HistoryLimit < 1 {
		r.addError("geofence", "history_limit", "must be at least 1")
	}
	if c.EventLogLimit < 1 {
		r.addError("geofence", "event_log_limit", "must be at least 1")
	}
	switch c.Tracker.GeofenceMode {
	case "local", "remote":
	default:
		r.addError("geofence", "mode", "must be local or remote, got %q", c.Tracker.GeofenceMode)
	}
	if c.Tracker.GeofenceMode == "remote" && c.StoreURL == "" {
		r.addError("geofence", "mode", "remote mode requires store.url")
	}
}

func validateSafetySection(c *Config, r *ValidationResult) {
	s := c.Safety
	if s.MaxAge <= 0 {
		r.addError("safety", "max_age_s", "must be positive")
	}
	if s.MaxDistanceMeters <= 0 {
		r.addError("safety", "max_distance_m", "must be positive")
	}
	if s.RefreshInterval < time.Second {
		r.addError("safety", "refresh_interval_s", "must be at least 1 second")
	}
	if s.Timeout <= 0 {
		r.addError("safety", "timeout_s", "must be positive")
	}
	if s.RefreshInterval > s.MaxAge {
		r.addWarning("safety", "refresh_interval_s", "longer than max_age_s; every refresh will miss the cache")
	}
}

func validateStoreSection(c *Config, r *ValidationResult) {
	for option, raw := range map[string]string{"url": c.StoreURL, "score_url": c.ScoreURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			r.addError("store", option, "invalid URL %q", raw)
		}
	}
	if c.StoreURL == "" && len(c.Zones) == 0 {
		r.addWarning("store", "url", "no store and no local zones; geofencing is idle")
	}
	if c.ScoreURL == "" {
		r.addWarning("store", "score_url", "no scoring service; safety score stays unknown")
	}
	if c.StoreTimeout <= 0 {
		r.addError("store", "timeout_s", "must be positive")
	}
}

func validateMQTTSection(c *Config, r *ValidationResult) {
	m := c.MQTT
	if !m.Enabled {
		return
	}
	if m.Broker == "" {
		r.addError("mqtt", "broker", "must not be empty")
	}
	if m.Port < 1 || m.Port > 65535 {
		r.addError("mqtt", "port", "must be between 1 and 65535")
	}
	if m.QoS < 0 || m.QoS > 2 {
		r.addError("mqtt", "qos", "must be 0, 1 or 2")
	}
	if strings.ContainsAny(m.TopicPrefix, "#+") {
		r.addError("mqtt", "topic_prefix", "must not contain wildcards")
	}
}

func validateAPISection(c *Config, r *ValidationResult) {
	a := c.API
	if !a.Enabled {
		return
	}
	if a.Port < 1 || a.Port > 65535 {
		r.addError("api", "port", "must be between 1 and 65535")
	}
	if (a.CertFile == "") != (a.KeyFile == "") {
		r.addError("api", "cert_file", "cert_file and key_file must be set together")
	}
	if a.AuthKey == "" && a.Host != "localhost" && a.Host != "127.0.0.1" {
		r.addWarning("api", "host", "listening on %s without an auth key", a.Host)
	}
}

func validateZones(c *Config, r *ValidationResult) {
	seen := make(map[string]bool)
	for _, z := range c.Zones {
		if err := z.Validate(); err != nil {
			r.addError("zone", z.ID, "%v", err)
		}
		if seen[z.ID] {
			r.addError("zone", z.ID, "duplicate zone id")
		}
		seen[z.ID] = true
	}
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}
