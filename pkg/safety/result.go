// Package safety orchestrates the composite safety score: it calls the
// scoring service and keeps a spatially and temporally bounded cache so a
// stationary user does not trigger repeated expensive computations.
package safety

import (
	"errors"
	"time"
)

var (
	// ErrScoreServiceUnavailable marks a failed call to the scoring service
	ErrScoreServiceUnavailable = errors.New("safety score service unavailable")
	// ErrCacheStale is the internal signal that the cache entry must be
	// recomputed; it is never returned to callers
	ErrCacheStale = errors.New("safety score cache stale")
)

// Status is the banded outcome of a score
type Status string

const (
	StatusSafe    Status = "safe"
	StatusCaution Status = "caution"
	StatusAlert   Status = "alert"
	StatusUnknown Status = "unknown"
)

// Prompts shown when no score can be produced
const (
	PromptEnableLocation = "enable location to see your safety score"
	PromptUnavailable    = "unable to calculate safety score"
)

// StatusForScore bands a composite score when the service omits a status
func StatusForScore(score int) Status {
	switch {
	case score >= 70:
		return StatusSafe
	case score >= 40:
		return StatusCaution
	default:
		return StatusAlert
	}
}

// Components are the per-signal scores, each 0-100
type Components struct {
	TimeScore     int `json:"time_score"`
	HistoryScore  int `json:"history_score"`
	LocationScore int `json:"location_score"`
	AlertScore    int `json:"alert_score"`
}

// Result is one safety score evaluation
type Result struct {
	LocationAvailable bool        `json:"location_available"`
	Score             *int        `json:"score"`
	Status            Status      `json:"status"`
	Components        *Components `json:"components,omitempty"`
	Factors           []string    `json:"factors"`
	Recommendations   []string    `json:"recommendations"`
	Prompt            string      `json:"prompt,omitempty"`
	AnalyzedAt        time.Time   `json:"analyzed_at"`
}

func unknownResult(prompt string, now time.Time) Result {
	return Result{
		LocationAvailable: false,
		Status:            StatusUnknown,
		Factors:           []string{},
		Recommendations:   []string{},
		Prompt:            prompt,
		AnalyzedAt:        now,
	}
}

// clone returns a deep copy so cached results cannot be changed by callers
func (r Result) clone() Result {
	out := r
	if r.Score != nil {
		s := *r.Score
		out.Score = &s
	}
	if r.Components != nil {
		c := *r.Components
		out.Components = &c
	}
	out.Factors = append([]string{}, r.Factors...)
	out.Recommendations = append([]string{}, r.Recommendations...)
	return out
}

// Anchor is where a cached score was computed
type Anchor struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CacheEntry is the single live cached score
type CacheEntry struct {
	Result             Result    `json:"result"`
	ComputedAt         time.Time `json:"computed_at"`
	ComputedAtLocation Anchor    `json:"computed_at_location"`
}
