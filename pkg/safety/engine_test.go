package safety

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const metersPerDegreeLat = 111194.93

type fakeScorer struct {
	calls  int
	result Result
	err    error
	last   Request
}

func (f *fakeScorer) Score(ctx context.Context, req Request) (Result, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return Result{}, f.err
	}
	return f.result.clone(), nil
}

type recordingNotifier struct {
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(n notify.Notice) bool {
	r.notices = append(r.notices, n)
	return true
}

func intPtr(v int) *int { return &v }

func safeResult() Result {
	return Result{
		Score:           intPtr(82),
		Status:          StatusSafe,
		Components:      &Components{TimeScore: 90, HistoryScore: 80, LocationScore: 75, AlertScore: 85},
		Factors:         []string{"Daytime"},
		Recommendations: []string{"Share your location with a contact"},
	}
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestEngine(scorer Scorer) (*Engine, *testClock) {
	clock := &testClock{now: time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)}
	e := NewEngine(nil, scorer, logx.NewNopLogger())
	e.SetClock(clock.Now)
	return e, clock
}

func loc(lat, lng float64) *filter.TrustedLocation {
	return &filter.TrustedLocation{Latitude: lat, Longitude: lng, AccuracyMeters: 15}
}

func marshal(t *testing.T, r Result) string {
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return string(data)
}

func TestGetScoreWithoutLocation(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, _ := newTestEngine(scorer)

	res := e.GetScore(context.Background(), nil)
	assert.False(t, res.LocationAvailable)
	assert.Nil(t, res.Score)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Equal(t, PromptEnableLocation, res.Prompt)
	assert.Equal(t, 0, scorer.calls)
}

func TestGetScoreReusesCache(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, clock := newTestEngine(scorer)

	first := e.GetScore(context.Background(), loc(59.3293, 18.0686))
	require.True(t, first.LocationAvailable)
	require.Equal(t, 1, scorer.calls)

	clock.now = clock.now.Add(2 * time.Minute)
	second := e.GetScore(context.Background(), loc(59.3293+20/metersPerDegreeLat, 18.0686))

	assert.Equal(t, 1, scorer.calls)
	assert.Equal(t, marshal(t, first), marshal(t, second))
	assert.Equal(t, int64(1), e.Stats().CacheHits)
}

func TestGetScoreRecomputesAfterMoving(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, clock := newTestEngine(scorer)

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	clock.now = clock.now.Add(30 * time.Second)
	e.GetScore(context.Background(), loc(59.3293+60/metersPerDegreeLat, 18.0686))

	assert.Equal(t, 2, scorer.calls)
	entry, ok := e.Cached()
	require.True(t, ok)
	assert.InDelta(t, 59.3293+60/metersPerDegreeLat, entry.ComputedAtLocation.Lat, 1e-9)
}

func TestGetScoreRecomputesAfterMaxAge(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, clock := newTestEngine(scorer)

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	clock.now = clock.now.Add(3 * time.Minute)
	e.GetScore(context.Background(), loc(59.3293, 18.0686))

	assert.Equal(t, 2, scorer.calls)
}

func TestGetScoreFailureDiscardsCache(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, clock := newTestEngine(scorer)
	store := openTestStore(t)
	require.NoError(t, e.Warm(store))

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	_, ok, err := store.Load("default")
	require.NoError(t, err)
	require.True(t, ok)

	// moved far enough to need a fresh score, and the service is down
	scorer.err = errors.New("connection reset by peer")
	clock.now = clock.now.Add(time.Minute)
	res := e.GetScore(context.Background(), loc(59.34, 18.0686))

	assert.False(t, res.LocationAvailable)
	assert.Nil(t, res.Score)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Equal(t, PromptUnavailable, res.Prompt)

	_, ok = e.Cached()
	assert.False(t, ok)
	_, ok, err = store.Load("default")
	require.NoError(t, err)
	assert.False(t, ok)

	// returning to the old anchor must not resurrect the discarded score
	res = e.GetScore(context.Background(), loc(59.3293, 18.0686))
	assert.Equal(t, 3, scorer.calls)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Equal(t, int64(2), e.Stats().Failures)
}

func TestGetScoreAlertNotifiesOncePerComputation(t *testing.T) {
	alert := Result{
		Score:           intPtr(25),
		Status:          StatusAlert,
		Factors:         []string{"Multiple incidents reported nearby", "Late night"},
		Recommendations: []string{"Stay on well-lit streets"},
	}
	scorer := &fakeScorer{result: alert}
	notifier := &recordingNotifier{}
	e, clock := newTestEngine(scorer)
	e.SetNotifier(notifier)

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	clock.now = clock.now.Add(time.Minute)
	e.GetScore(context.Background(), loc(59.3293, 18.0686))

	require.Len(t, notifier.notices, 1)
	assert.Equal(t, "Multiple incidents reported nearby", notifier.notices[0].Message)
	assert.Equal(t, notify.KindSafetyAlert, notifier.notices[0].Kind)

	clock.now = clock.now.Add(3 * time.Minute)
	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	assert.Len(t, notifier.notices, 2)
}

func TestGetScoreAlertWithoutFactorsIsSilent(t *testing.T) {
	scorer := &fakeScorer{result: Result{Score: intPtr(10), Status: StatusAlert}}
	notifier := &recordingNotifier{}
	e, _ := newTestEngine(scorer)
	e.SetNotifier(notifier)

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	assert.Empty(t, notifier.notices)
}

func TestGetScorePassesSafeZone(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, _ := newTestEngine(scorer)
	e.SetZoneFunc(func() string { return "Home" })

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	assert.Equal(t, "Home", scorer.last.SafeZone)
}

func TestCachedResultIsNotAliased(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, _ := newTestEngine(scorer)

	first := e.GetScore(context.Background(), loc(59.3293, 18.0686))
	first.Factors[0] = "changed"
	*first.Score = 1

	second := e.GetScore(context.Background(), loc(59.3293, 18.0686))
	assert.Equal(t, "Daytime", second.Factors[0])
	assert.Equal(t, 82, *second.Score)
}

func openTestStore(t *testing.T) *BoltCacheStore {
	store, err := OpenBoltCacheStore(filepath.Join(t.TempDir(), "score.db"), logx.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWarmRestoresFreshEntry(t *testing.T) {
	store := openTestStore(t)
	scorer := &fakeScorer{result: safeResult()}

	e1, clock := newTestEngine(scorer)
	require.NoError(t, e1.Warm(store))
	first := e1.GetScore(context.Background(), loc(59.3293, 18.0686))

	// a restarted daemon within the window serves the persisted score
	e2, clock2 := newTestEngine(scorer)
	clock2.now = clock.now.Add(time.Minute)
	require.NoError(t, e2.Warm(store))

	latest, ok := e2.Latest()
	require.True(t, ok)
	assert.Equal(t, StatusSafe, latest.Status)

	second := e2.GetScore(context.Background(), loc(59.3293, 18.0686))
	assert.Equal(t, 1, scorer.calls)
	assert.Equal(t, *first.Score, *second.Score)
}

func TestWarmDropsStaleEntry(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save("default", CacheEntry{
		Result:             safeResult(),
		ComputedAt:         time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC),
		ComputedAtLocation: Anchor{Lat: 59.3293, Lng: 18.0686},
	}))

	e, _ := newTestEngine(&fakeScorer{result: safeResult()})
	require.NoError(t, e.Warm(store))

	_, ok := e.Cached()
	assert.False(t, ok)
	_, ok, err := store.Load("default")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusForScore(t *testing.T) {
	assert.Equal(t, StatusSafe, StatusForScore(70))
	assert.Equal(t, StatusCaution, StatusForScore(69))
	assert.Equal(t, StatusCaution, StatusForScore(40))
	assert.Equal(t, StatusAlert, StatusForScore(39))
}

type scorerFunc func(ctx context.Context, req Request) (Result, error)

func (f scorerFunc) Score(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

func TestObserverSeesEveryOutcome(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, clock := newTestEngine(scorer)

	var outcomes []Outcome
	e.SetObserver(func(o Outcome) { outcomes = append(outcomes, o) })

	e.GetScore(context.Background(), nil)
	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	clock.now = clock.now.Add(time.Minute)
	e.GetScore(context.Background(), loc(59.3293, 18.0686))

	scorer.err = errors.New("service unavailable")
	clock.now = clock.now.Add(3 * time.Minute)
	e.GetScore(context.Background(), loc(59.3293, 18.0686))

	require.Len(t, outcomes, 3)
	assert.Equal(t, OutcomeComputed, outcomes[0].Kind)
	require.NotNil(t, outcomes[0].Result.Score)
	assert.Equal(t, 82, *outcomes[0].Result.Score)
	assert.Equal(t, OutcomeCached, outcomes[1].Kind)
	assert.Equal(t, OutcomeFailed, outcomes[2].Kind)
	assert.Equal(t, StatusUnknown, outcomes[2].Result.Status)
}

func TestCancelledComputationLeavesStateUntouched(t *testing.T) {
	var fail bool
	scorer := scorerFunc(func(ctx context.Context, req Request) (Result, error) {
		if fail {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return safeResult(), nil
	})
	e, clock := newTestEngine(scorer)
	store := openTestStore(t)
	require.NoError(t, e.Warm(store))

	var outcomes []Outcome
	e.SetObserver(func(o Outcome) { outcomes = append(outcomes, o) })

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	require.Len(t, outcomes, 1)

	fail = true
	clock.now = clock.now.Add(3 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.GetScore(ctx, loc(59.3293, 18.0686))
	assert.Equal(t, StatusUnknown, res.Status)

	assert.Len(t, outcomes, 1)
	assert.Equal(t, int64(0), e.Stats().Failures)
	latest, ok := e.Latest()
	require.True(t, ok)
	assert.Equal(t, StatusSafe, latest.Status)
	_, ok, err := store.Load("default")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	scorer := &fakeScorer{result: safeResult()}
	e, _ := newTestEngine(scorer)
	store := openTestStore(t)
	require.NoError(t, e.Warm(store))

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	e.Invalidate()

	_, ok := e.Cached()
	assert.False(t, ok)
	_, ok, err := store.Load("default")
	require.NoError(t, err)
	assert.False(t, ok)

	e.GetScore(context.Background(), loc(59.3293, 18.0686))
	assert.Equal(t, 2, scorer.calls)
}
