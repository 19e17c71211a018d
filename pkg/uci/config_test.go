package uci

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/safetrack/pkg/notify"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "safetrack")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)

	assert.True(t, cfg.Enable)
	assert.Equal(t, SourceMQTT, cfg.Source)
	assert.Equal(t, 5, cfg.Filter.WindowSize)
	assert.Equal(t, 50.0, cfg.Filter.MaxSpeedMPS)
	assert.Equal(t, 60*time.Second, cfg.Geofence.CheckInterval)
	assert.Equal(t, 20, cfg.Geofence.HistoryLimit)
	assert.Equal(t, 3*time.Minute, cfg.Safety.MaxAge)
	assert.Equal(t, 50.0, cfg.Safety.MaxDistanceMeters)
	assert.Equal(t, 50, cfg.EventLogLimit)
	assert.Equal(t, 8081, cfg.API.Port)

	res := Validate(cfg)
	assert.True(t, res.Valid, "%v", res.Err())
}

func TestLoadConfigParsesSections(t *testing.T) {
	path := writeConfig(t, `
# safetrack configuration
config safetrack 'main'
	option log_level 'debug'
	option device_id 'anna-phone'
	option source 'static'
	option data_dir '/tmp/safetrack'

config sampler 'sampler'
	option watch_fix_timeout_s '15'
	option static_latitude '59.3293'
	option static_longitude '18.0686'
	option static_interval_s '2.5'

config filter 'filter'
	option max_speed_mps '30'
	option window_size '7'
	option good_accuracy '40'
	option ok_accuracy '120'
	option min_elapsed_ms '500'

config geofence 'geofence'
	option check_interval_s '30'
	option mode 'remote'
	option event_log_limit '100'

config safety 'safety'
	option max_age_s '120'
	option max_distance_m '75'
	option refresh_interval_s '90'
	option score_on_first_fix '0'

config store 'store'
	option url 'https://api.example.com/v1/'

config notify 'notify'
	option location_error_interval_s '60'

config mqtt 'mqtt'
	option enabled '0'

config api 'api'
	option host '0.0.0.0'
	option port '9090'

config zone 'home'
	option name 'Home'
	option latitude '59.3293'
	option longitude '18.0686'
	option radius_m '80'
	option auto_stop_walk '1'

config zone 'school'
	option name 'School'
	option latitude '59.3350'
	option longitude '18.0700'
	option radius_m '150'
	option active '0'
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "anna-phone", cfg.DeviceID)
	assert.Equal(t, SourceStatic, cfg.Source)
	assert.Equal(t, "/tmp/safetrack/geofence.db", cfg.EventLogPath())
	assert.Equal(t, "/tmp/safetrack/score-cache.db", cfg.CachePath())

	assert.Equal(t, 15*time.Second, cfg.Sampler.WatchFixTimeout)
	assert.InDelta(t, 59.3293, cfg.Static.Latitude, 1e-9)
	assert.Equal(t, 2500*time.Millisecond, cfg.Static.Interval)

	assert.Equal(t, 30.0, cfg.Filter.MaxSpeedMPS)
	assert.Equal(t, 7, cfg.Filter.WindowSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Filter.MinElapsed)

	assert.Equal(t, 30*time.Second, cfg.Geofence.CheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Tracker.GeofenceInterval)
	assert.Equal(t, "remote", cfg.Tracker.GeofenceMode)
	assert.Equal(t, 100, cfg.EventLogLimit)

	assert.Equal(t, 2*time.Minute, cfg.Safety.MaxAge)
	assert.Equal(t, 90*time.Second, cfg.Tracker.ScoreInterval)
	assert.False(t, cfg.Tracker.ScoreOnFirstFix)
	assert.Equal(t, "anna-phone", cfg.Safety.SessionID)

	assert.Equal(t, "https://api.example.com/v1", cfg.StoreURL)
	assert.Equal(t, cfg.StoreURL, cfg.ScoreURL)
	assert.Equal(t, time.Minute, cfg.Notify.Intervals[notify.KindLocationError])
	assert.Equal(t, 30*time.Second, cfg.Notify.Intervals[notify.KindOutlierRejected])

	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 9090, cfg.API.Port)

	want := []safezone.SafeZone{
		{ID: "home", Name: "Home", Latitude: 59.3293, Longitude: 18.0686, RadiusMeters: 80, AutoStopWalk: true, IsActive: true},
		{ID: "school", Name: "School", Latitude: 59.3350, Longitude: 18.0700, RadiusMeters: 150, IsActive: false},
	}
	if diff := cmp.Diff(want, cfg.Zones); diff != "" {
		t.Errorf("zones mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigMalformedValueKeepsDefault(t *testing.T) {
	path := writeConfig(t, `
config filter 'filter'
	option window_size 'five'
	option max_speed_mps 'fast'
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Filter.WindowSize)
	assert.Equal(t, 50.0, cfg.Filter.MaxSpeedMPS)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown source", "config safetrack 'main'\n\toption source 'satellite'\n"},
		{"bad log level", "config safetrack 'main'\n\toption log_level 'loud'\n"},
		{"inverted accuracy bands", "config filter 'filter'\n\toption good_accuracy '200'\n\toption ok_accuracy '100'\n"},
		{"remote mode without store", "config geofence 'geofence'\n\toption mode 'remote'\n"},
		{"bad store url", "config store 'store'\n\toption url 'not a url'\n"},
		{"zone radius out of range", "config zone 'park'\n\toption latitude '59.3'\n\toption longitude '18.0'\n\toption radius_m '500'\n"},
		{"mqtt source without mqtt", "config mqtt 'mqtt'\n\toption enabled '0'\n"},
		{"bad mqtt qos", "config mqtt 'mqtt'\n\toption qos '3'\n"},
		{"half tls", "config api 'api'\n\toption cert_file '/etc/cert.pem'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := Default()
	cfg.API.Host = "0.0.0.0"
	cfg.Safety.RefreshInterval = 10 * time.Minute

	res := Validate(cfg)
	assert.True(t, res.Valid)
	assert.NoError(t, res.Err())

	options := make(map[string]bool)
	for _, w := range res.Warnings {
		options[w.Section+"."+w.Option] = true
	}
	assert.True(t, options["api.host"])
	assert.True(t, options["safety.refresh_interval_s"])
	assert.True(t, options["store.url"])
}

func TestValidateDuplicateZones(t *testing.T) {
	cfg := Default()
	zone := safezone.SafeZone{ID: "home", Name: "Home", Latitude: 59.3, Longitude: 18.0, RadiusMeters: 50, IsActive: true}
	cfg.Zones = []safezone.SafeZone{zone, zone}

	res := Validate(cfg)
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "zone", res.Errors[0].Section)
	assert.Contains(t, res.Err().Error(), "duplicate")
}

func TestApplyEnvironment(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvGoogleAPIKey: "g-key",
		EnvAPIToken:     "store-token",
		EnvMQTTPassword: "mqtt-secret",
		EnvAPIAuthKey:   "api-key",
	}
	cfg.ApplyEnvironment(func(k string) string { return env[k] })

	assert.Equal(t, "g-key", cfg.GoogleAPIKey)
	assert.Equal(t, "store-token", cfg.StoreToken)
	assert.Equal(t, "mqtt-secret", cfg.MQTT.Password)
	assert.Equal(t, "api-key", cfg.API.AuthKey)

	cfg.ApplyEnvironment(func(string) string { return "" })
	assert.Equal(t, "g-key", cfg.GoogleAPIKey)
}
