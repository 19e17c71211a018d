package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
)

// Request is what the scoring service is asked about
type Request struct {
	Latitude  float64
	Longitude float64
	// SafeZone is the name of the occupied safe zone, if any
	SafeZone string
}

// Scorer computes a score; implementations call out to the network
type Scorer interface {
	Score(ctx context.Context, req Request) (Result, error)
}

// NoScorer is used when no scoring service is configured; every call
// fails so the engine reports the unknown result
type NoScorer struct{}

// Score implements Scorer
func (NoScorer) Score(ctx context.Context, req Request) (Result, error) {
	return Result{}, fmt.Errorf("%w: no scoring service configured", ErrScoreServiceUnavailable)
}

// HTTPScorer calls GET /safety-score on the scoring service
type HTTPScorer struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logx.Logger
}

// NewHTTPScorer creates a scoring client; timeout <= 0 uses 30s
func NewHTTPScorer(baseURL, token string, timeout time.Duration, logger *logx.Logger) *HTTPScorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScorer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// wireResult is the service's response body
type wireResult struct {
	LocationAvailable *bool  `json:"locationAvailable"`
	Score             *int   `json:"score"`
	Status            string `json:"status"`
	Components        *struct {
		TimeScore     int `json:"timeScore"`
		HistoryScore  int `json:"historyScore"`
		LocationScore int `json:"locationScore"`
		AlertScore    int `json:"alertScore"`
	} `json:"components"`
	Factors         []string `json:"factors"`
	Recommendations []string `json:"recommendations"`
	AnalyzedAt      string   `json:"analyzedAt"`
}

// Score implements Scorer
func (s *HTTPScorer) Score(ctx context.Context, req Request) (Result, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(req.Latitude, 'f', 6, 64))
	q.Set("longitude", strconv.FormatFloat(req.Longitude, 'f', 6, 64))
	if req.SafeZone != "" {
		q.Set("safe_zone", req.SafeZone)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/safety-score?"+q.Encode(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrScoreServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrScoreServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wire wireResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Result{}, fmt.Errorf("%w: invalid response: %v", ErrScoreServiceUnavailable, err)
	}

	return wire.toResult()
}

func (w wireResult) toResult() (Result, error) {
	if w.LocationAvailable != nil && !*w.LocationAvailable {
		return Result{}, fmt.Errorf("%w: service reported location unavailable", ErrScoreServiceUnavailable)
	}
	if w.Score == nil {
		return Result{}, fmt.Errorf("%w: response has no score", ErrScoreServiceUnavailable)
	}
	if *w.Score < 0 || *w.Score > 100 {
		return Result{}, fmt.Errorf("%w: score %d out of range", ErrScoreServiceUnavailable, *w.Score)
	}

	score := *w.Score
	res := Result{
		LocationAvailable: true,
		Score:             &score,
		Status:            Status(w.Status),
		Factors:           w.Factors,
		Recommendations:   w.Recommendations,
	}
	switch res.Status {
	case StatusSafe, StatusCaution, StatusAlert:
	default:
		res.Status = StatusForScore(score)
	}
	if w.Components != nil {
		res.Components = &Components{
			TimeScore:     w.Components.TimeScore,
			HistoryScore:  w.Components.HistoryScore,
			LocationScore: w.Components.LocationScore,
			AlertScore:    w.Components.AlertScore,
		}
	}
	if res.Factors == nil {
		res.Factors = []string{}
	}
	if res.Recommendations == nil {
		res.Recommendations = []string{}
	}
	if t, err := time.Parse(time.RFC3339, w.AnalyzedAt); err == nil {
		res.AnalyzedAt = t
	}
	return res, nil
}
