package logx

import (
	"fmt"
	"sync"
	"time"
)

// PerformanceLogger times named pipeline operations (score calls, zone
// refreshes, store writes) and logs slow or failing ones.
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration
	mu            sync.RWMutex
	ops           map[string]*OperationStats
}

// OperationStats aggregates timings for one operation name
type OperationStats struct {
	Name         string        `json:"name"`
	Count        int64         `json:"count"`
	ErrorCount   int64         `json:"error_count"`
	Total        time.Duration `json:"total"`
	Min          time.Duration `json:"min"`
	Max          time.Duration `json:"max"`
	Last         time.Duration `json:"last"`
	LastExecuted time.Time     `json:"last_executed"`
}

// Avg returns the mean duration
func (s OperationStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// SuccessRate returns the percentage of calls that did not fail
func (s OperationStats) SuccessRate() float64 {
	if s.Count == 0 {
		return 100
	}
	return float64(s.Count-s.ErrorCount) / float64(s.Count) * 100
}

// Timer is returned by Start and finished with Done
type Timer struct {
	pl    *PerformanceLogger
	name  string
	start time.Time
}

// NewPerformanceLogger creates a performance logger; operations slower than
// slowThreshold are logged at warn level.
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	if slowThreshold <= 0 {
		slowThreshold = 5 * time.Second
	}
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		ops:           make(map[string]*OperationStats),
	}
}

// Start begins timing an operation
func (pl *PerformanceLogger) Start(name string) *Timer {
	return &Timer{pl: pl, name: name, start: time.Now()}
}

// Done records the elapsed time and the outcome
func (t *Timer) Done(err error) time.Duration {
	elapsed := time.Since(t.start)
	t.pl.record(t.name, elapsed, err)
	return elapsed
}

func (pl *PerformanceLogger) record(name string, elapsed time.Duration, err error) {
	pl.mu.Lock()
	stats, ok := pl.ops[name]
	if !ok {
		stats = &OperationStats{Name: name, Min: elapsed}
		pl.ops[name] = stats
	}
	stats.Count++
	stats.Total += elapsed
	stats.Last = elapsed
	stats.LastExecuted = time.Now()
	if elapsed < stats.Min {
		stats.Min = elapsed
	}
	if elapsed > stats.Max {
		stats.Max = elapsed
	}
	if err != nil {
		stats.ErrorCount++
	}
	snapshot := *stats
	pl.mu.Unlock()

	switch {
	case err != nil:
		pl.logger.Warn("Operation failed",
			"operation", name,
			"duration", elapsed.String(),
			"error", err,
			"success_rate", fmt.Sprintf("%.2f%%", snapshot.SuccessRate()))
	case elapsed > pl.slowThreshold:
		pl.logger.Warn("Slow operation",
			"operation", name,
			"duration", elapsed.String(),
			"avg_duration", snapshot.Avg().String(),
			"threshold", pl.slowThreshold.String())
	default:
		pl.logger.Debug("Operation completed", "operation", name, "duration", elapsed.String())
	}
}

// Get returns a copy of the stats for name
func (pl *PerformanceLogger) Get(name string) (OperationStats, bool) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	stats, ok := pl.ops[name]
	if !ok {
		return OperationStats{}, false
	}
	return *stats, true
}

// LogSummary writes one line per tracked operation
func (pl *PerformanceLogger) LogSummary() {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	for name, s := range pl.ops {
		pl.logger.Info("Operation summary",
			"operation", name,
			"count", s.Count,
			"avg_duration", s.Avg().String(),
			"min_duration", s.Min.String(),
			"max_duration", s.Max.String(),
			"success_rate", fmt.Sprintf("%.2f%%", s.SuccessRate()),
		)
	}
}
