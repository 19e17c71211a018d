package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/markus-lassfolk/safetrack/pkg/api"
	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/geofence"
	"github.com/markus-lassfolk/safetrack/pkg/location"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/metrics"
	"github.com/markus-lassfolk/safetrack/pkg/mqtt"
	"github.com/markus-lassfolk/safetrack/pkg/notify"
	"github.com/markus-lassfolk/safetrack/pkg/pidfile"
	"github.com/markus-lassfolk/safetrack/pkg/safety"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
	"github.com/markus-lassfolk/safetrack/pkg/tracker"
	"github.com/markus-lassfolk/safetrack/pkg/uci"
)

var (
	configPath  = flag.String("config", uci.DefaultConfigPath, "Path to UCI configuration file")
	envFile     = flag.String("env-file", "/etc/safetrack/safetrack.env", "Optional file with secret environment variables")
	pidPath     = flag.String("pid-file", "/var/run/safetrackd.pid", "Path to PID file")
	logLevel    = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version     = flag.Bool("version", false, "Show version information")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	force       = flag.Bool("force", false, "Force start by replacing an existing PID file")
	checkConfig = flag.Bool("check-config", false, "Validate the configuration and exit")
)

const (
	AppName    = "safetrackd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	// secrets may come from an env file; a missing file is not an error
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnvironment(os.Getenv)

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	validation := uci.Validate(cfg)
	for _, w := range validation.Warnings {
		logger.Warn("Configuration warning", "section", w.Section, "option", w.Option, "message", w.Message)
	}
	if *checkConfig {
		if !validation.Valid {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", validation.Err())
			os.Exit(1)
		}
		fmt.Println("Configuration OK")
		os.Exit(0)
	}

	if !cfg.Enable {
		logger.Info("safetrack is disabled in configuration, exiting")
		os.Exit(0)
	}

	pidFile := pidfile.New(*pidPath)
	if err := pidFile.Acquire(*force); err != nil {
		logger.Error("Failed to acquire PID file", "error", err, "path", *pidPath)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon failed", "error", err)
		pidFile.Release()
		os.Exit(1)
	}

	if err := pidFile.Release(); err != nil {
		logger.Error("Failed to remove PID file", "error", err)
	}
}

// daemon holds everything run needs to tear down
type daemon struct {
	cfg      *uci.Config
	logger   *logx.Logger
	metrics  *metrics.Pipeline
	notices  *notify.Center
	mqtt     *mqtt.Client
	sampler  *location.Sampler
	filter   *filter.Filter
	geofence *geofence.Engine
	eventLog *geofence.EventLog
	safety   *safety.Engine
	cache    *safety.BoltCacheStore
	session  *tracker.Session
	api      *api.Server
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	logger.Info("Starting safetrack daemon",
		"version", AppVersion,
		"pid", os.Getpid(),
		"source", cfg.Source,
		"device_id", cfg.DeviceID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	d, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.api.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AutoStart {
		if err := d.session.Start(ctx); err != nil {
			// the API can start the session later
			logger.Error("Failed to start tracking session", "error", err)
		}
	}

	startTime := time.Now()
	go d.publishStatus(ctx, startTime)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			d.reload()
			continue
		}
		logger.Info("Received shutdown signal", "signal", sig.String())
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	d.session.Stop()
	if err := d.api.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", "error", err)
	}

	logger.Info("Graceful shutdown completed", "uptime", time.Since(startTime).Round(time.Second).String())
	return nil
}

func build(cfg *uci.Config, logger *logx.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, metrics: metrics.NewPipeline()}

	d.notices = notify.NewCenter(cfg.Notify, logger.WithComponent("notify"))

	d.mqtt = mqtt.NewClient(cfg.MQTT, logger.WithComponent("mqtt"))
	if cfg.MQTT.Enabled {
		if err := d.mqtt.Connect(); err != nil {
			// paho keeps retrying; publishes queue until then
			logger.Warn("MQTT broker not reachable yet", "error", err, "broker", cfg.MQTT.Broker)
		}
		d.notices.AddPublisher(d.mqtt)
	}

	source, err := newSource(cfg, d.mqtt, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.sampler = location.NewSampler(source, cfg.Sampler, logger.WithComponent("sampler"))
	d.filter = filter.New(cfg.Filter, logger.WithComponent("filter"))

	d.geofence = geofence.NewEngine(cfg.Geofence, logger.WithComponent("geofence"))
	d.eventLog, err = geofence.OpenEventLog(cfg.EventLogPath(), cfg.EventLogLimit, logger.WithComponent("event_log"))
	if err != nil {
		d.close()
		return nil, err
	}
	recorders := geofence.Recorders{d.eventLog}
	if cfg.MQTT.Enabled {
		recorders = append(recorders, d.mqtt)
	}
	d.geofence.SetRecorder(recorders)

	var scorer safety.Scorer = safety.NoScorer{}
	if cfg.ScoreURL != "" {
		scorer = safety.NewHTTPScorer(cfg.ScoreURL, cfg.StoreToken, cfg.Safety.Timeout, logger.WithComponent("scorer"))
	}
	d.safety = safety.NewEngine(cfg.Safety, scorer, logger.WithComponent("safety"))
	d.cache, err = safety.OpenBoltCacheStore(cfg.CachePath(), logger.WithComponent("score_cache"))
	if err != nil {
		// the engine works without persistence
		logger.Warn("Score cache unavailable", "error", err, "path", cfg.CachePath())
	} else if err := d.safety.Warm(d.cache); err != nil {
		logger.Warn("Failed to load persisted safety score", "error", err)
	}

	deps := tracker.Deps{
		Sampler:  d.sampler,
		Filter:   d.filter,
		Geofence: d.geofence,
		Safety:   d.safety,
		Notices:  d.notices,
		Metrics:  d.metrics,
	}
	apiDeps := api.Deps{
		Geofence: d.geofence,
		Filter:   d.filter,
		EventLog: d.eventLog,
		Notices:  d.notices,
		Locator:  d.sampler,
		Metrics:  d.metrics.Handler(),
	}
	if cfg.StoreURL != "" {
		store := safezone.NewClient(cfg.StoreURL, cfg.StoreToken, cfg.StoreTimeout, logger.WithComponent("safezone"))
		deps.Zones = store
		deps.Remote = geofence.NewRemoteChecker(store)
		apiDeps.Zones = store
	} else {
		deps.Zones = safezone.StaticZones(cfg.Zones)
	}
	if cfg.MQTT.Enabled {
		deps.Intents = d.mqtt
		deps.Scores = d.mqtt
	}

	d.session, err = tracker.NewSession(cfg.Tracker, deps, logger.WithComponent("tracker"))
	if err != nil {
		d.close()
		return nil, fmt.Errorf("failed to create tracking session: %w", err)
	}

	api.Version = AppVersion
	apiDeps.Tracker = d.session
	d.api = api.NewServer(cfg.API, apiDeps, logger.WithComponent("api"))

	return d, nil
}

func newSource(cfg *uci.Config, client *mqtt.Client, logger *logx.Logger) (location.Source, error) {
	switch cfg.Source {
	case uci.SourceMQTT:
		return location.NewMQTTSource(client, client.Prefix(), cfg.DeviceID, logger.WithComponent("mqtt_source")), nil
	case uci.SourceGoogle:
		if cfg.GoogleAPIKey == "" {
			return nil, fmt.Errorf("google source requires %s", uci.EnvGoogleAPIKey)
		}
		return location.NewGoogleSource(cfg.GoogleAPIKey, cfg.GoogleBaseURL, cfg.GooglePollInterval, nil, logger.WithComponent("google_source"))
	case uci.SourceStatic:
		src := cfg.Static
		return &src, nil
	default:
		return nil, fmt.Errorf("unknown fix source %q", cfg.Source)
	}
}

// reload refreshes the zones and re-reads the log level
func (d *daemon) reload() {
	d.logger.Info("Reloading on SIGHUP")

	if cfg, err := uci.LoadConfig(*configPath); err != nil {
		d.logger.Error("Failed to reload configuration", "error", err)
	} else if *logLevel == "" && !*verbose {
		d.logger.SetLevel(cfg.LogLevel)
	}

	if d.session.Active() {
		if err := d.session.RefreshZones(); err != nil {
			d.logger.Warn("Zone refresh failed", "error", err)
		}
	}
}

// publishStatus sends a heartbeat over MQTT while the daemon runs
func (d *daemon) publishStatus(ctx context.Context, startTime time.Time) {
	if !d.cfg.MQTT.Enabled {
		return
	}

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			gs := d.geofence.Status()
			status := map[string]interface{}{
				"version":    AppVersion,
				"device_id":  d.cfg.DeviceID,
				"uptime_s":   int64(time.Since(startTime).Seconds()),
				"tracking":   d.session.Active(),
				"geofence":   gs.State,
				"zone":       gs.ZoneName,
				"mem_mb":     float64(memStats.Alloc) / 1024 / 1024,
				"goroutines": runtime.NumGoroutine(),
			}
			if loc, ok := d.session.TrustedLocation(); ok {
				status["accuracy_m"] = loc.AccuracyMeters
			}
			if err := d.mqtt.PublishStatus(status); err != nil {
				d.logger.Debug("Failed to publish status", "error", err)
			}
		}
	}
}

func (d *daemon) close() {
	if d.sampler != nil {
		if err := d.sampler.Close(); err != nil {
			d.logger.Warn("Failed to close sampler", "error", err)
		}
	}
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			d.logger.Warn("Failed to close score cache", "error", err)
		}
	}
	if d.eventLog != nil {
		if err := d.eventLog.Close(); err != nil {
			d.logger.Warn("Failed to close event log", "error", err)
		}
	}
	if d.mqtt != nil {
		if err := d.mqtt.Disconnect(); err != nil {
			d.logger.Warn("Failed to disconnect MQTT", "error", err)
		}
	}
}
