package location

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource lets tests push fixes and errors into active watches
type fakeSource struct {
	mu        sync.Mutex
	onFix     FixHandler
	onError   ErrorHandler
	lastReq   FixRequest
	stopCalls atomic.Int32
	current   func(ctx context.Context) (RawFix, error)
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) CurrentFix(ctx context.Context, req FixRequest) (RawFix, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	return f.current(ctx)
}

func (f *fakeSource) Watch(req FixRequest, onFix FixHandler, onError ErrorHandler) (StopFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	f.onFix = onFix
	f.onError = onError
	return func() { f.stopCalls.Add(1) }, nil
}

func (f *fakeSource) emit(fix RawFix) {
	f.mu.Lock()
	h := f.onFix
	f.mu.Unlock()
	h(fix)
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	h := f.onError
	f.mu.Unlock()
	h(err)
}

func testFix(lat, lng, acc float64) RawFix {
	return RawFix{Latitude: lat, Longitude: lng, AccuracyMeters: acc, CapturedAt: time.Now()}
}

func TestGetCurrentFixRequestsFreshHighAccuracyFix(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context) (RawFix, error) {
		return testFix(59.33, 18.06, 12), nil
	}}
	sampler := NewSampler(src, nil, logx.NewNopLogger())

	fix, err := sampler.GetCurrentFix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 59.33, fix.Latitude)
	assert.Equal(t, "fake", fix.Source)

	assert.True(t, src.lastReq.HighAccuracy)
	assert.Equal(t, time.Duration(0), src.lastReq.MaxAge)
	assert.Equal(t, 30*time.Second, src.lastReq.Timeout)
}

func TestGetCurrentFixTimeout(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context) (RawFix, error) {
		<-ctx.Done()
		return RawFix{}, ctx.Err()
	}}
	cfg := DefaultSamplerConfig()
	cfg.CurrentFixTimeout = 20 * time.Millisecond
	sampler := NewSampler(src, cfg, logx.NewNopLogger())

	_, err := sampler.GetCurrentFix(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGetCurrentFixMapsPlatformErrors(t *testing.T) {
	for code, want := range map[int]error{
		CodePermissionDenied:    ErrPermissionDenied,
		CodePositionUnavailable: ErrPositionUnavailable,
		CodeTimeout:             ErrTimeout,
	} {
		code := code
		src := &fakeSource{current: func(ctx context.Context) (RawFix, error) {
			return RawFix{}, ErrorFromCode(code, "platform says no")
		}}
		sampler := NewSampler(src, nil, logx.NewNopLogger())

		_, err := sampler.GetCurrentFix(context.Background())
		assert.ErrorIs(t, err, want)
	}

	src := &fakeSource{current: func(ctx context.Context) (RawFix, error) {
		return RawFix{}, errors.New("usb unplugged")
	}}
	_, err := NewSampler(src, nil, logx.NewNopLogger()).GetCurrentFix(context.Background())
	assert.ErrorIs(t, err, ErrPositionUnavailable)
}

func TestGetCurrentFixRejectsInvalidCoordinates(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context) (RawFix, error) {
		return testFix(120, 0, 5), nil
	}}
	_, err := NewSampler(src, nil, logx.NewNopLogger()).GetCurrentFix(context.Background())
	assert.ErrorIs(t, err, ErrPositionUnavailable)
}

func TestWatchStopReleasesAndSuppressesDelivery(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultSamplerConfig()
	cfg.WatchFixTimeout = 0
	sampler := NewSampler(src, cfg, logx.NewNopLogger())

	var got []RawFix
	sub, err := sampler.Watch(func(f RawFix) { got = append(got, f) }, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sampler.ActiveWatches())
	assert.Equal(t, 10*time.Second, src.lastReq.Timeout)

	src.emit(testFix(1, 1, 10))
	sub.Stop()
	src.emit(testFix(2, 2, 10))
	sub.Stop()

	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Latitude)
	assert.Equal(t, int32(1), src.stopCalls.Load())
	assert.False(t, sub.Active())
	assert.Equal(t, 0, sampler.ActiveWatches())
}

func TestWatchInvalidFixBecomesError(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultSamplerConfig()
	cfg.WatchFixTimeout = 0
	sampler := NewSampler(src, cfg, logx.NewNopLogger())

	var errs []error
	_, err := sampler.Watch(func(RawFix) { t.Fatal("invalid fix delivered") }, func(e error) { errs = append(errs, e) })
	require.NoError(t, err)

	src.emit(RawFix{Latitude: 200, Longitude: 0, CapturedAt: time.Now()})
	src.fail(ErrorFromCode(CodePermissionDenied, ""))

	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrPositionUnavailable)
	assert.ErrorIs(t, errs[1], ErrPermissionDenied)
}

func TestWatchdogSurfacesTimeoutWithoutEndingWatch(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultSamplerConfig()
	cfg.WatchFixTimeout = 15 * time.Millisecond
	sampler := NewSampler(src, cfg, logx.NewNopLogger())

	timeouts := make(chan error, 10)
	sub, err := sampler.Watch(func(RawFix) {}, func(e error) {
		select {
		case timeouts <- e:
		default:
		}
	})
	require.NoError(t, err)
	defer sub.Stop()

	select {
	case e := <-timeouts:
		assert.ErrorIs(t, e, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("no timeout surfaced")
	}
	assert.True(t, sub.Active())
}

func TestCloseStopsAllWatches(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultSamplerConfig()
	cfg.WatchFixTimeout = 0
	sampler := NewSampler(src, cfg, logx.NewNopLogger())

	a, err := sampler.Watch(func(RawFix) {}, nil)
	require.NoError(t, err)
	b, err := sampler.Watch(func(RawFix) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sampler.ActiveWatches())

	require.NoError(t, sampler.Close())
	assert.False(t, a.Active())
	assert.False(t, b.Active())
	assert.Equal(t, int32(2), src.stopCalls.Load())

	_, err = sampler.Watch(func(RawFix) {}, nil)
	assert.Error(t, err)
}
