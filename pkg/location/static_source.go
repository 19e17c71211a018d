package location

import (
	"context"
	"sync"
	"time"
)

// StaticSource reports a fixed position. It is used for bench setups where
// no device is attached.
type StaticSource struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	Interval       time.Duration
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) fix() RawFix {
	return RawFix{
		Latitude:       s.Latitude,
		Longitude:      s.Longitude,
		AccuracyMeters: s.AccuracyMeters,
		CapturedAt:     time.Now(),
		Source:         s.Name(),
	}
}

func (s *StaticSource) CurrentFix(ctx context.Context, req FixRequest) (RawFix, error) {
	if err := ctx.Err(); err != nil {
		return RawFix{}, err
	}
	return s.fix(), nil
}

func (s *StaticSource) Watch(req FixRequest, onFix FixHandler, onError ErrorHandler) (StopFunc, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		onFix(s.fix())
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				onFix(s.fix())
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
