package location

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"googlemaps.github.io/maps"
)

// AccessPointScanner returns the Wi-Fi access points currently visible to
// the device, used to improve network positioning.
type AccessPointScanner func(ctx context.Context) ([]maps.WiFiAccessPoint, error)

// GoogleSource resolves network/Wi-Fi triangulated positions through the
// Google Geolocation API. Accuracy is typically hundreds of meters, which is
// exactly the kind of fix the filter is built to damp.
type GoogleSource struct {
	client       *maps.Client
	scanner      AccessPointScanner
	pollInterval time.Duration
	logger       *logx.Logger

	mu           sync.Mutex
	errorCount   int
	successCount int
}

// NewGoogleSource creates a Google Geolocation source. baseURL may be empty
// to use the public endpoint.
func NewGoogleSource(apiKey, baseURL string, pollInterval time.Duration, scanner AccessPointScanner, logger *logx.Logger) (*GoogleSource, error) {
	opts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, maps.WithBaseURL(baseURL))
	}

	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create geolocation client: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	return &GoogleSource{
		client:       client,
		scanner:      scanner,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

func (gs *GoogleSource) Name() string {
	return "google"
}

func (gs *GoogleSource) CurrentFix(ctx context.Context, req FixRequest) (RawFix, error) {
	request := &maps.GeolocationRequest{ConsiderIP: true}

	if gs.scanner != nil {
		aps, err := gs.scanner(ctx)
		if err != nil {
			gs.logger.Debug("Wi-Fi scan failed, falling back to IP positioning", "error", err)
		} else {
			request.WiFiAccessPoints = aps
		}
	}

	result, err := gs.client.Geolocate(ctx, request)
	if err != nil {
		gs.recordError(err)
		return RawFix{}, gs.mapError(ctx, err)
	}

	gs.mu.Lock()
	gs.successCount++
	gs.mu.Unlock()

	return RawFix{
		Latitude:       result.Location.Lat,
		Longitude:      result.Location.Lng,
		AccuracyMeters: result.Accuracy,
		CapturedAt:     time.Now(),
		Source:         gs.Name(),
	}, nil
}

// Watch polls the API at the configured interval
func (gs *GoogleSource) Watch(req FixRequest, onFix FixHandler, onError ErrorHandler) (StopFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())

	poll := func() {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		pollCtx, pollCancel := context.WithTimeout(ctx, timeout)
		defer pollCancel()

		fix, err := gs.CurrentFix(pollCtx, req)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			onError(err)
			return
		}
		onFix(fix)
	}

	go func() {
		ticker := time.NewTicker(gs.pollInterval)
		defer ticker.Stop()

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return StopFunc(cancel), nil
}

// Stats returns success and error counters
func (gs *GoogleSource) Stats() (success, errs int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.successCount, gs.errorCount
}

func (gs *GoogleSource) recordError(err error) {
	gs.mu.Lock()
	gs.errorCount++
	count := gs.errorCount
	gs.mu.Unlock()

	gs.logger.Warn("Google geolocation request failed", "error", err, "error_count", count)
}

func (gs *GoogleSource) mapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "keyinvalid"), strings.Contains(msg, "api key"),
		strings.Contains(msg, "accessnotconfigured"), strings.Contains(msg, "forbidden"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}
}
