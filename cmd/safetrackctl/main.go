package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/api"
	"github.com/markus-lassfolk/safetrack/pkg/geofence"
	"github.com/markus-lassfolk/safetrack/pkg/notify"
	"github.com/markus-lassfolk/safetrack/pkg/safety"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
	"github.com/markus-lassfolk/safetrack/pkg/uci"
)

// Command line flags
var (
	// Queries
	getLocation = flag.Bool("location", false, "Show the trusted location")
	getGeofence = flag.Bool("geofence", false, "Show geofence status")
	getHistory  = flag.Bool("history", false, "Show geofence event history")
	getScore    = flag.Bool("score", false, "Show the safety score")
	getNotices  = flag.Bool("notices", false, "Show recent notices")
	getZones    = flag.Bool("zones", false, "List safe zones")
	healthCheck = flag.Bool("health", false, "Show daemon health")

	// Actions
	startSession = flag.Bool("start", false, "Start the tracking session")
	stopSession  = flag.Bool("stop", false, "Stop the tracking session")
	checkNow     = flag.Bool("check", false, "Run a geofence check now")
	rescore      = flag.Bool("rescore", false, "Discard the cached safety score and compute a new one")
	addZone      = flag.String("add-zone", "", "Register a safe zone with this name at the present location")
	updateZone   = flag.String("update-zone", "", "Update the safe zone with this id")
	deleteZone   = flag.String("delete-zone", "", "Delete the safe zone with this id")

	// Zone options
	zoneName      = flag.String("name", "", "New zone name for -update-zone")
	zoneRadius    = flag.Float64("radius", 0, "Zone radius in meters (10-200)")
	zoneAutoStart = flag.Bool("auto-start", false, "Start a walk when leaving the zone")
	zoneAutoStop  = flag.Bool("auto-stop", false, "Stop the walk when arriving at the zone")
	zoneActive    = flag.Bool("active", true, "Whether the zone is active, for -update-zone")
	allZones      = flag.Bool("all", false, "Include inactive zones in -zones")

	// Options
	historySource = flag.String("source", "memory", "History source: memory or log")
	limit         = flag.Int("limit", 0, "Maximum number of history entries or notices")
	outputFormat  = flag.String("format", "standard", "Output format: standard, json, csv, minimal")
	generateMaps  = flag.Bool("maps", false, "Print a Google Maps link for the location")
	mapZoom       = flag.Int("map-zoom", 17, "Zoom level for Google Maps links")

	// Connection
	addr    = flag.String("addr", "http://localhost:8081", "safetrackd API address")
	authKey = flag.String("auth", "", "API key (defaults to $"+uci.EnvAPIAuthKey+")")
	timeout = flag.Duration("timeout", 35*time.Second, "Request timeout")
	version = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "safetrackctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	key := *authKey
	if key == "" {
		key = os.Getenv(uci.EnvAPIAuthKey)
	}
	client := newAPIClient(*addr, key, *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cmd := selectedCommand()
	if cmd == nil {
		showUsage()
		os.Exit(2)
	}

	if err := cmd(ctx, client, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, c *apiClient, w io.Writer) error

func selectedCommand() command {
	switch {
	case *startSession:
		return handleSession("/api/session/start")
	case *stopSession:
		return handleSession("/api/session/stop")
	case *checkNow:
		return handleCheck
	case *rescore:
		return handleRescore
	case *addZone != "":
		return handleAddZone
	case *updateZone != "":
		return handleUpdateZone
	case *deleteZone != "":
		return handleDeleteZone
	case *getZones:
		return handleZones
	case *getLocation:
		return handleLocation
	case *getGeofence:
		return handleGeofence
	case *getHistory:
		return handleHistory
	case *getScore:
		return handleScore
	case *getNotices:
		return handleNotices
	case *healthCheck:
		return handleHealth
	}
	return nil
}

func handleLocation(ctx context.Context, c *apiClient, w io.Writer) error {
	var resp api.LocationResponse
	if err := c.get(ctx, "/api/location", nil, &resp); err != nil {
		return err
	}
	return outputLocation(w, resp, *outputFormat)
}

func handleGeofence(ctx context.Context, c *apiClient, w io.Writer) error {
	var status geofence.Status
	if err := c.get(ctx, "/api/geofence/status", nil, &status); err != nil {
		return err
	}
	return outputGeofence(w, status, *outputFormat)
}

func handleCheck(ctx context.Context, c *apiClient, w io.Writer) error {
	var status geofence.Status
	if err := c.post(ctx, "/api/geofence/check", &status); err != nil {
		return err
	}
	return outputGeofence(w, status, *outputFormat)
}

func handleHistory(ctx context.Context, c *apiClient, w io.Writer) error {
	query := url.Values{"source": {*historySource}}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	var resp struct {
		Events []geofence.GeofenceEvent `json:"events"`
	}
	if err := c.get(ctx, "/api/geofence/history", query, &resp); err != nil {
		return err
	}
	return outputHistory(w, resp.Events, *outputFormat)
}

func handleScore(ctx context.Context, c *apiClient, w io.Writer) error {
	var res safety.Result
	if err := c.get(ctx, "/api/safety/score", nil, &res); err != nil {
		return err
	}
	return outputScore(w, res, *outputFormat)
}

func handleRescore(ctx context.Context, c *apiClient, w io.Writer) error {
	var res safety.Result
	if err := c.post(ctx, "/api/safety/score/refresh", &res); err != nil {
		return err
	}
	return outputScore(w, res, *outputFormat)
}

func handleZones(ctx context.Context, c *apiClient, w io.Writer) error {
	query := url.Values{}
	if *allZones {
		query.Set("include_inactive", "true")
	}
	var resp struct {
		Zones []safezone.SafeZone `json:"zones"`
	}
	if err := c.get(ctx, "/api/zones", query, &resp); err != nil {
		return err
	}
	return outputZones(w, resp.Zones, *outputFormat)
}

func handleAddZone(ctx context.Context, c *apiClient, w io.Writer) error {
	req := api.CreateZoneRequest{
		Name:          *addZone,
		RadiusMeters:  *zoneRadius,
		AutoStartWalk: *zoneAutoStart,
		AutoStopWalk:  *zoneAutoStop,
	}
	var zone safezone.SafeZone
	if err := c.do(ctx, http.MethodPost, "/api/zones", req, &zone); err != nil {
		return err
	}
	return outputZones(w, []safezone.SafeZone{zone}, *outputFormat)
}

// zonePatch builds a patch from the zone flags given on the command line
func zonePatch(set map[string]bool) safezone.Patch {
	var p safezone.Patch
	if set["name"] {
		p.Name = zoneName
	}
	if set["radius"] {
		p.RadiusMeters = zoneRadius
	}
	if set["auto-start"] {
		p.AutoStartWalk = zoneAutoStart
	}
	if set["auto-stop"] {
		p.AutoStopWalk = zoneAutoStop
	}
	if set["active"] {
		p.IsActive = zoneActive
	}
	return p
}

func handleUpdateZone(ctx context.Context, c *apiClient, w io.Writer) error {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	patch := zonePatch(set)
	if patch == (safezone.Patch{}) {
		return fmt.Errorf("nothing to update; use -name, -radius, -auto-start, -auto-stop or -active")
	}

	var zone safezone.SafeZone
	if err := c.do(ctx, http.MethodPatch, "/api/zones/"+url.PathEscape(*updateZone), patch, &zone); err != nil {
		return err
	}
	return outputZones(w, []safezone.SafeZone{zone}, *outputFormat)
}

func handleDeleteZone(ctx context.Context, c *apiClient, w io.Writer) error {
	if err := c.do(ctx, http.MethodDelete, "/api/zones/"+url.PathEscape(*deleteZone), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(w, "Deleted safe zone %s\n", *deleteZone)
	return nil
}

func handleNotices(ctx context.Context, c *apiClient, w io.Writer) error {
	query := url.Values{}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	var notices []notify.Notice
	if err := c.get(ctx, "/api/notices", query, &notices); err != nil {
		return err
	}
	if *outputFormat == "json" {
		return outputJSON(w, notices)
	}
	for _, n := range notices {
		fmt.Fprintf(w, "%s  %-7s %-16s %s\n", n.At.Format(time.RFC3339), n.Level, n.Kind, n.Message)
	}
	return nil
}

func handleSession(path string) command {
	return func(ctx context.Context, c *apiClient, w io.Writer) error {
		var resp api.SessionResponse
		if err := c.post(ctx, path, &resp); err != nil {
			return err
		}
		if *outputFormat == "json" {
			return outputJSON(w, resp)
		}
		if resp.Active && resp.StartedAt != nil {
			fmt.Fprintf(w, "Tracking active since %s\n", resp.StartedAt.Format(time.RFC3339))
		} else {
			fmt.Fprintln(w, "Tracking stopped")
		}
		return nil
	}
}

func handleHealth(ctx context.Context, c *apiClient, w io.Writer) error {
	var health map[string]interface{}
	if err := c.get(ctx, "/api/health", nil, &health); err != nil {
		return err
	}
	if *outputFormat == "json" {
		return outputJSON(w, health)
	}
	fmt.Fprintf(w, "Status: %v\nVersion: %v\nUptime: %v\nTracking: %v\n",
		health["status"], health["version"], health["uptime"], health["tracking"])
	return nil
}

// outputJSON outputs data in indented JSON format
func outputJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func outputLocation(w io.Writer, resp api.LocationResponse, format string) error {
	switch format {
	case "json":
		return outputJSON(w, resp)
	case "minimal":
		if !resp.LocationAvailable {
			fmt.Fprintln(w, "unavailable")
			return nil
		}
		fmt.Fprintf(w, "%.6f,%.6f\n", resp.Location.Latitude, resp.Location.Longitude)
		return nil
	case "csv":
		writer := csv.NewWriter(w)
		defer writer.Flush()
		if err := writer.Write([]string{"Latitude", "Longitude", "Accuracy", "Quality", "ComputedAt"}); err != nil {
			return err
		}
		if !resp.LocationAvailable {
			return nil
		}
		loc := resp.Location
		return writer.Write([]string{
			fmt.Sprintf("%.6f", loc.Latitude),
			fmt.Sprintf("%.6f", loc.Longitude),
			fmt.Sprintf("%.1f", loc.AccuracyMeters),
			string(resp.Quality),
			loc.ComputedAt.Format(time.RFC3339),
		})
	}

	fmt.Fprintln(w, "Trusted Location:")
	fmt.Fprintf(w, "  Tracking: %t\n", resp.Tracking)
	if !resp.LocationAvailable {
		fmt.Fprintln(w, "  Location: unavailable")
		return nil
	}
	loc := resp.Location
	fmt.Fprintf(w, "  Location: %.6f°, %.6f°\n", loc.Latitude, loc.Longitude)
	fmt.Fprintf(w, "  Accuracy: %.1f m (%s)\n", loc.AccuracyMeters, resp.Quality)
	fmt.Fprintf(w, "  Computed: %s\n", loc.ComputedAt.Format(time.RFC3339))
	if *generateMaps {
		fmt.Fprintf(w, "  Map: %s\n", mapsURL(loc.Latitude, loc.Longitude, *mapZoom))
	}
	return nil
}

func mapsURL(lat, lng float64, zoom int) string {
	return fmt.Sprintf("https://www.google.com/maps?q=%.6f,%.6f&z=%d", lat, lng, zoom)
}

func outputGeofence(w io.Writer, s geofence.Status, format string) error {
	switch format {
	case "json":
		return outputJSON(w, s)
	case "minimal":
		if s.ZoneName != "" {
			fmt.Fprintf(w, "%s:%s\n", s.State, s.ZoneName)
		} else {
			fmt.Fprintln(w, s.State)
		}
		return nil
	}

	fmt.Fprintln(w, "Geofence:")
	fmt.Fprintf(w, "  State: %s\n", s.State)
	if s.ZoneName != "" {
		fmt.Fprintf(w, "  Zone: %s (%s)\n", s.ZoneName, s.ZoneID)
	}
	if s.NearestZone != "" {
		fmt.Fprintf(w, "  Nearest: %s, %.0f m\n", s.NearestZone, s.DistanceMeters)
	}
	fmt.Fprintf(w, "  Zones: %d\n", s.ZoneCount)
	if !s.LastCheck.IsZero() {
		fmt.Fprintf(w, "  Last Check: %s\n", s.LastCheck.Format(time.RFC3339))
	}
	return nil
}

func outputHistory(w io.Writer, events []geofence.GeofenceEvent, format string) error {
	switch format {
	case "json":
		return outputJSON(w, events)
	case "csv":
		writer := csv.NewWriter(w)
		defer writer.Flush()
		if err := writer.Write([]string{"ID", "Zone", "Entered", "Left", "Active"}); err != nil {
			return err
		}
		for _, ev := range events {
			if err := writer.Write([]string{
				ev.ID,
				ev.SafeZoneName,
				ev.EnteredAt.Format(time.RFC3339),
				formatLeft(ev),
				strconv.FormatBool(ev.IsActive),
			}); err != nil {
				return err
			}
		}
		return nil
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "No geofence events")
		return nil
	}
	for _, ev := range events {
		marker := " "
		if ev.IsActive {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-20s entered %s  left %s\n", marker, ev.SafeZoneName, ev.EnteredAt.Format(time.RFC3339), formatLeft(ev))
	}
	return nil
}

func formatLeft(ev geofence.GeofenceEvent) string {
	if ev.LeftAt == nil {
		return "-"
	}
	return ev.LeftAt.Format(time.RFC3339)
}

func outputZones(w io.Writer, zones []safezone.SafeZone, format string) error {
	switch format {
	case "json":
		return outputJSON(w, zones)
	case "csv":
		writer := csv.NewWriter(w)
		defer writer.Flush()
		if err := writer.Write([]string{"ID", "Name", "Latitude", "Longitude", "Radius", "AutoStart", "AutoStop", "Active"}); err != nil {
			return err
		}
		for _, z := range zones {
			if err := writer.Write([]string{
				z.ID,
				z.Name,
				fmt.Sprintf("%.6f", z.Latitude),
				fmt.Sprintf("%.6f", z.Longitude),
				fmt.Sprintf("%.0f", z.RadiusMeters),
				strconv.FormatBool(z.AutoStartWalk),
				strconv.FormatBool(z.AutoStopWalk),
				strconv.FormatBool(z.IsActive),
			}); err != nil {
				return err
			}
		}
		return nil
	case "minimal":
		for _, z := range zones {
			fmt.Fprintf(w, "%s %s\n", z.ID, z.Name)
		}
		return nil
	}

	if len(zones) == 0 {
		fmt.Fprintln(w, "No safe zones")
		return nil
	}
	for _, z := range zones {
		state := "active"
		if !z.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(w, "%-12s %-20s %.6f,%.6f  %3.0f m  %s", z.ID, z.Name, z.Latitude, z.Longitude, z.RadiusMeters, state)
		if z.AutoStartWalk {
			fmt.Fprint(w, "  auto-start")
		}
		if z.AutoStopWalk {
			fmt.Fprint(w, "  auto-stop")
		}
		fmt.Fprintln(w)
	}
	return nil
}

func outputScore(w io.Writer, res safety.Result, format string) error {
	switch format {
	case "json":
		return outputJSON(w, res)
	case "minimal":
		if res.Score == nil {
			fmt.Fprintln(w, res.Status)
			return nil
		}
		fmt.Fprintf(w, "%d %s\n", *res.Score, res.Status)
		return nil
	}

	fmt.Fprintln(w, "Safety Score:")
	if res.Score == nil {
		fmt.Fprintf(w, "  Status: %s\n", res.Status)
		if res.Prompt != "" {
			fmt.Fprintf(w, "  %s\n", res.Prompt)
		}
		return nil
	}
	fmt.Fprintf(w, "  Score: %d (%s)\n", *res.Score, res.Status)
	for _, f := range res.Factors {
		fmt.Fprintf(w, "  Factor: %s\n", f)
	}
	for _, r := range res.Recommendations {
		fmt.Fprintf(w, "  Recommendation: %s\n", r)
	}
	if !res.AnalyzedAt.IsZero() {
		fmt.Fprintf(w, "  Analyzed: %s\n", res.AnalyzedAt.Format(time.RFC3339))
	}
	return nil
}

func showUsage() {
	fmt.Fprintf(os.Stderr, `%s - query and control safetrackd

Usage: %s [options] <command flag>

Queries:
  -location        trusted location (add -maps for a map link)
  -geofence        geofence state
  -history         geofence events (-source memory|log, -limit N)
  -score           safety score
  -notices         recent notices
  -zones           safe zones (-all includes inactive)
  -health          daemon health

Actions:
  -start | -stop   start or stop tracking
  -check           run a geofence check now
  -rescore         discard the cached score and compute a new one
  -add-zone NAME   register a zone at the present location
                   (-radius, -auto-start, -auto-stop)
  -update-zone ID  change -name, -radius, -auto-start, -auto-stop, -active
  -delete-zone ID  remove a zone

Options:
`, AppName, AppName)
	flag.PrintDefaults()
}
