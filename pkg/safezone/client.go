package safezone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
)

var (
	// ErrNotPresentLocation is returned when the store refuses a zone whose
	// coordinates are not the caller's current fix
	ErrNotPresentLocation = errors.New("you can only register your present location")
	// ErrNotFound is returned for unknown zone ids
	ErrNotFound = errors.New("safe zone not found")
)

// APIError carries a non-2xx response from the store
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("safe zone store error (status %d): %s", e.StatusCode, e.Message)
}

// Patch is a partial zone update; nil fields are left untouched
type Patch struct {
	Name          *string  `json:"name,omitempty"`
	RadiusMeters  *float64 `json:"radius_meters,omitempty"`
	AutoStartWalk *bool    `json:"auto_start_walk,omitempty"`
	AutoStopWalk  *bool    `json:"auto_stop_walk,omitempty"`
	IsActive      *bool    `json:"is_active,omitempty"`
}

// CheckResult is the store's stateless geofence evaluation
type CheckResult struct {
	Inside          bool    `json:"inside"`
	ZoneID          string  `json:"zone_id,omitempty"`
	ZoneName        string  `json:"zone_name,omitempty"`
	DistanceMeters  float64 `json:"distance_meters,omitempty"`
	ShouldAutoStart bool    `json:"should_auto_start"`
	ShouldAutoStop  bool    `json:"should_auto_stop"`
}

// Client talks to the safe-zone REST store
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logx.Logger
}

// NewClient creates a store client. token is sent as a bearer token when set.
func NewClient(baseURL, token string, timeout time.Duration, logger *logx.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// List returns the user's zones
func (c *Client) List(ctx context.Context, includeInactive bool) ([]SafeZone, error) {
	path := "/safe-locations"
	if includeInactive {
		path += "?" + url.Values{"include_inactive": {"true"}}.Encode()
	}

	var zones []SafeZone
	if err := c.do(ctx, http.MethodGet, path, nil, &zones); err != nil {
		return nil, err
	}

	c.logger.Debug("Safe zones listed", "count", len(zones), "include_inactive", includeInactive)
	return zones, nil
}

// Create registers a zone at the caller's present location
func (c *Client) Create(ctx context.Context, zone SafeZone) (*SafeZone, error) {
	if err := zone.Validate(); err != nil {
		return nil, err
	}

	var created SafeZone
	if err := c.do(ctx, http.MethodPost, "/safe-locations", zone, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Update applies a partial update
func (c *Client) Update(ctx context.Context, id string, patch Patch) (*SafeZone, error) {
	if patch.RadiusMeters != nil && (*patch.RadiusMeters < MinRadiusMeters || *patch.RadiusMeters > MaxRadiusMeters) {
		return nil, fmt.Errorf("radius %.0fm outside %.0f-%.0fm", *patch.RadiusMeters, MinRadiusMeters, MaxRadiusMeters)
	}

	var updated SafeZone
	if err := c.do(ctx, http.MethodPatch, "/safe-locations/"+url.PathEscape(id), patch, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes a zone
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/safe-locations/"+url.PathEscape(id), nil, nil)
}

// CheckGeofence asks the store to evaluate a position against the zones
func (c *Client) CheckGeofence(ctx context.Context, lat, lng float64) (CheckResult, error) {
	body := map[string]float64{"lat": lat, "lng": lng}

	var result CheckResult
	if err := c.do(ctx, http.MethodPost, "/safe-locations/check-geofence", body, &result); err != nil {
		return CheckResult{}, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Message != "" {
			message = envelope.Message
		} else if envelope.Error != "" {
			message = envelope.Error
		}
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: message}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, apiErr)
	case resp.StatusCode < 500 && strings.Contains(strings.ToLower(message), "present location"):
		return fmt.Errorf("%w: %v", ErrNotPresentLocation, apiErr)
	default:
		return apiErr
	}
}
