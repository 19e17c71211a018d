// Package uci loads the safetrack configuration from a UCI-style text file:
//
//	config safetrack 'main'
//		option log_level 'info'
//	config zone 'home'
//		option latitude '59.3293'
//
// Unknown sections and options are ignored; malformed values keep the
// default.
package uci

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/api"
	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/geofence"
	"github.com/markus-lassfolk/safetrack/pkg/location"
	"github.com/markus-lassfolk/safetrack/pkg/mqtt"
	"github.com/markus-lassfolk/safetrack/pkg/notify"
	"github.com/markus-lassfolk/safetrack/pkg/safety"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
	"github.com/markus-lassfolk/safetrack/pkg/tracker"
)

// DefaultConfigPath is where the daemon looks when no -config is given
const DefaultConfigPath = "/etc/config/safetrack"

// Fix sources
const (
	SourceMQTT   = "mqtt"
	SourceGoogle = "google"
	SourceStatic = "static"
)

// Environment variables holding secrets
const (
	EnvGoogleAPIKey = "SAFETRACK_GOOGLE_API_KEY"
	EnvAPIToken     = "SAFETRACK_API_TOKEN"
	EnvMQTTPassword = "SAFETRACK_MQTT_PASSWORD"
	EnvAPIAuthKey   = "SAFETRACK_API_AUTH_KEY"
)

// Config is the complete daemon configuration
type Config struct {
	// Main
	Enable   bool   `json:"enable"`
	LogLevel string `json:"log_level"`
	DeviceID string `json:"device_id"`
	Source   string `json:"source"`
	DataDir  string `json:"data_dir"`
	// AutoStart starts a tracking session when the daemon starts
	AutoStart bool `json:"auto_start"`

	// Sources
	GoogleAPIKey       string                `json:"-"`
	GoogleBaseURL      string                `json:"google_base_url,omitempty"`
	GooglePollInterval time.Duration         `json:"google_poll_interval"`
	Static             location.StaticSource `json:"static"`

	// Remote store and scoring service
	StoreURL     string        `json:"store_url"`
	ScoreURL     string        `json:"score_url"`
	StoreToken   string        `json:"-"`
	StoreTimeout time.Duration `json:"store_timeout"`

	EventLogLimit int `json:"event_log_limit"`

	Sampler  *location.SamplerConfig `json:"sampler"`
	Filter   *filter.Config          `json:"filter"`
	Geofence *geofence.Config        `json:"geofence"`
	Safety   *safety.Config          `json:"safety"`
	Tracker  *tracker.Config         `json:"tracker"`
	Notify   *notify.Config          `json:"notify"`
	MQTT     *mqtt.Config            `json:"mqtt"`
	API      *api.Config             `json:"api"`

	// Zones are used when no store is configured
	Zones []safezone.SafeZone `json:"zones,omitempty"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	c.finish()
	return c
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.Enable = true
	c.LogLevel = "info"
	c.DeviceID = "phone"
	c.Source = SourceMQTT
	c.DataDir = "/var/lib/safetrack"
	c.AutoStart = true

	c.GooglePollInterval = 60 * time.Second
	c.Static = location.StaticSource{AccuracyMeters: 10, Interval: 5 * time.Second}

	c.StoreTimeout = 30 * time.Second
	c.EventLogLimit = geofence.DefaultEventLogLimit

	c.Sampler = location.DefaultSamplerConfig()
	c.Filter = filter.DefaultConfig()
	c.Geofence = geofence.DefaultConfig()
	c.Safety = safety.DefaultConfig()
	// filled from device_id unless set explicitly
	c.Safety.SessionID = ""
	c.Tracker = tracker.DefaultConfig()
	c.Notify = notify.DefaultConfig()
	c.MQTT = mqtt.DefaultConfig()
	// fixes arrive over MQTT by default
	c.MQTT.Enabled = true
	c.API = api.DefaultConfig()
}

// LoadConfig loads and validates the configuration. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.finish()
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	cfg.finish()

	if res := Validate(cfg); !res.Valid {
		return nil, fmt.Errorf("configuration validation failed: %w", res.Err())
	}

	return cfg, nil
}

// ApplyEnvironment fills secrets from the environment. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnvironment(getenv func(string) string) {
	if v := getenv(EnvGoogleAPIKey); v != "" {
		c.GoogleAPIKey = v
	}
	if v := getenv(EnvAPIToken); v != "" {
		c.StoreToken = v
	}
	if v := getenv(EnvMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
	if v := getenv(EnvAPIAuthKey); v != "" {
		c.API.AuthKey = v
	}
}

// EventLogPath is the SQLite geofence log location
func (c *Config) EventLogPath() string {
	return filepath.Join(c.DataDir, "geofence.db")
}

// CachePath is the bbolt score cache location
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "score-cache.db")
}

// finish derives values that depend on several sections
func (c *Config) finish() {
	if c.ScoreURL == "" {
		c.ScoreURL = c.StoreURL
	}
	c.Tracker.GeofenceInterval = c.Geofence.CheckInterval
	c.Tracker.ScoreInterval = c.Safety.RefreshInterval
	if c.Safety.SessionID == "" {
		c.Safety.SessionID = c.DeviceID
	}
}

// parseUCI parses the UCI configuration file
func (c *Config) parseUCI(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var sectionType, sectionName string
	var zone *safezone.SafeZone

	flushZone := func() {
		if zone != nil {
			c.Zones = append(c.Zones, *zone)
			zone = nil
		}
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "config "):
			flushZone()
			parts := strings.Fields(line)
			sectionType = parts[1]
			sectionName = ""
			if len(parts) >= 3 {
				sectionName = unquote(strings.Join(parts[2:], " "))
			}
			if sectionType == "zone" {
				zone = &safezone.SafeZone{ID: sectionName, Name: sectionName, RadiusMeters: 100, IsActive: true}
			}
		case strings.HasPrefix(line, "option "):
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			value := unquote(strings.Join(parts[2:], " "))
			if zone != nil {
				parseZoneOption(zone, parts[1], value)
				continue
			}
			c.parseOption(sectionType, parts[1], value)
		}
	}
	flushZone()

	return scanner.Err()
}

func unquote(s string) string {
	return strings.Trim(s, "'\"")
}

// parseOption routes options to appropriate parsers based on section type
func (c *Config) parseOption(sectionType, option, value string) {
	switch sectionType {
	case "safetrack", "":
		c.parseMainOption(option, value)
	case "sampler":
		c.parseSamplerOption(option, value)
	case "filter":
		c.parseFilterOption(option, value)
	case "geofence":
		c.parseGeofenceOption(option, value)
	case "safety":
		c.parseSafetyOption(option, value)
	case "store":
		c.parseStoreOption(option, value)
	case "notify":
		c.parseNotifyOption(option, value)
	case "mqtt":
		c.parseMQTTOption(option, value)
	case "api":
		c.parseAPIOption(option, value)
	}
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "enable":
		c.Enable = value == "1"
	case "log_level":
		c.LogLevel = value
	case "device_id":
		c.DeviceID = value
	case "source":
		c.Source = value
	case "data_dir":
		c.DataDir = value
	case "auto_start":
		c.AutoStart = value == "1"
	}
}

func (c *Config) parseSamplerOption(option, value string) {
	switch option {
	case "current_fix_timeout_s":
		setSeconds(&c.Sampler.CurrentFixTimeout, value)
	case "watch_fix_timeout_s":
		setSeconds(&c.Sampler.WatchFixTimeout, value)
	case "high_accuracy":
		c.Sampler.HighAccuracy = value == "1"
	case "google_base_url":
		c.GoogleBaseURL = value
	case "google_poll_interval_s":
		setSeconds(&c.GooglePollInterval, value)
	case "static_latitude":
		setFloat(&c.Static.Latitude, value)
	case "static_longitude":
		setFloat(&c.Static.Longitude, value)
	case "static_accuracy":
		setFloat(&c.Static.AccuracyMeters, value)
	case "static_interval_s":
		setSeconds(&c.Static.Interval, value)
	}
}

func (c *Config) parseFilterOption(option, value string) {
	f := c.Filter
	switch option {
	case "max_speed_mps":
		setFloat(&f.MaxSpeedMPS, value)
	case "outlier_accuracy_ceiling":
		setFloat(&f.OutlierAccuracyCeiling, value)
	case "min_elapsed_ms":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			f.MinElapsed = time.Duration(v) * time.Millisecond
		}
	case "window_size":
		setInt(&f.WindowSize, value)
	case "min_smoothing_fixes":
		setInt(&f.MinSmoothingFixes, value)
	case "good_accuracy":
		setFloat(&f.GoodAccuracy, value)
	case "ok_accuracy":
		setFloat(&f.OKAccuracy, value)
	case "error_notice_interval_s":
		setSeconds(&f.ErrorNoticeInterval, value)
	}
}

func (c *Config) parseGeofenceOption(option, value string) {
	switch option {
	case "check_interval_s":
		setSeconds(&c.Geofence.CheckInterval, value)
	case "history_limit":
		setInt(&c.Geofence.HistoryLimit, value)
	case "mode":
		c.Tracker.GeofenceMode = value
	case "zone_refresh_s":
		setSeconds(&c.Tracker.ZoneRefresh, value)
	case "event_log_limit":
		setInt(&c.EventLogLimit, value)
	}
}

func (c *Config) parseSafetyOption(option, value string) {
	s := c.Safety
	switch option {
	case "max_age_s":
		setSeconds(&s.MaxAge, value)
	case "max_distance_m":
		setFloat(&s.MaxDistanceMeters, value)
	case "refresh_interval_s":
		setSeconds(&s.RefreshInterval, value)
	case "timeout_s":
		setSeconds(&s.Timeout, value)
	case "session_id":
		s.SessionID = value
	case "score_on_first_fix":
		c.Tracker.ScoreOnFirstFix = value == "1"
	}
}

func (c *Config) parseStoreOption(option, value string) {
	switch option {
	case "url":
		c.StoreURL = strings.TrimRight(value, "/")
	case "score_url":
		c.ScoreURL = strings.TrimRight(value, "/")
	case "timeout_s":
		setSeconds(&c.StoreTimeout, value)
	}
}

func (c *Config) parseNotifyOption(option, value string) {
	n := c.Notify
	switch option {
	case "history_size":
		setInt(&n.HistorySize, value)
	case "default_interval_s":
		setSeconds(&n.DefaultInterval, value)
	case "location_error_interval_s":
		c.setNoticeInterval(notify.KindLocationError, value)
	case "outlier_interval_s":
		c.setNoticeInterval(notify.KindOutlierRejected, value)
	case "safety_alert_interval_s":
		c.setNoticeInterval(notify.KindSafetyAlert, value)
	}
}

func (c *Config) setNoticeInterval(kind, value string) {
	var d time.Duration
	if !setSeconds(&d, value) {
		return
	}
	if c.Notify.Intervals == nil {
		c.Notify.Intervals = make(map[string]time.Duration)
	}
	c.Notify.Intervals[kind] = d
}

func (c *Config) parseMQTTOption(option, value string) {
	m := c.MQTT
	switch option {
	case "enabled":
		m.Enabled = value == "1"
	case "broker":
		m.Broker = value
	case "port":
		setInt(&m.Port, value)
	case "client_id":
		m.ClientID = value
	case "username":
		m.Username = value
	case "topic_prefix":
		m.TopicPrefix = value
	case "qos":
		setInt(&m.QoS, value)
	case "retain":
		m.Retain = value == "1"
	case "max_publish_rate":
		setFloat(&m.MaxPublishRate, value)
	case "max_queue_size":
		setInt(&m.MaxQueueSize, value)
	}
}

func (c *Config) parseAPIOption(option, value string) {
	a := c.API
	switch option {
	case "enabled":
		a.Enabled = value == "1"
	case "host":
		a.Host = value
	case "port":
		setInt(&a.Port, value)
	case "cert_file":
		a.CertFile = value
	case "key_file":
		a.KeyFile = value
	}
}

func parseZoneOption(z *safezone.SafeZone, option, value string) {
	switch option {
	case "name":
		z.Name = value
	case "latitude":
		setFloat(&z.Latitude, value)
	case "longitude":
		setFloat(&z.Longitude, value)
	case "radius_m":
		setFloat(&z.RadiusMeters, value)
	case "auto_start_walk":
		z.AutoStartWalk = value == "1"
	case "auto_stop_walk":
		z.AutoStopWalk = value == "1"
	case "active":
		z.IsActive = value == "1"
	}
}

func setInt(dst *int, value string) bool {
	v, err := strconv.Atoi(value)
	if err != nil {
		return false
	}
	*dst = v
	return true
}

func setFloat(dst *float64, value string) bool {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	*dst = v
	return true
}

func setSeconds(dst *time.Duration, value string) bool {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 {
		return false
	}
	*dst = time.Duration(v * float64(time.Second))
	return true
}
