package geofence

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/filter"
	"github.com/markus-lassfolk/safetrack/pkg/geo"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	events []GeofenceEvent
}

func (m *memRecorder) Record(ev GeofenceEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func at(p geo.Point) filter.TrustedLocation {
	return filter.TrustedLocation{Latitude: p.Lat, Longitude: p.Lng, AccuracyMeters: 10}
}

func newTestEngine(zones ...safezone.SafeZone) *Engine {
	e := NewEngine(nil, logx.NewNopLogger())
	e.SetZones(zones)
	return e
}

func activeCount(events []GeofenceEvent) int {
	n := 0
	for _, ev := range events {
		if ev.IsActive {
			n++
		}
	}
	return n
}

func TestEngineEnterThenLeave(t *testing.T) {
	e := newTestEngine(home)
	t0 := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	// user walks in right after t0; the first periodic check sees it at 60s
	assert.Empty(t, e.Check(at(north(home, -400)), t0))
	e.Check(at(north(home, -30)), t0.Add(60*time.Second))
	e.Check(at(north(home, 400)), t0.Add(120*time.Second))

	history := e.History()
	require.Len(t, history, 1)
	ev := history[0]
	assert.False(t, ev.IsActive)
	assert.Equal(t, "Home", ev.SafeZoneName)
	assert.Equal(t, t0.Add(60*time.Second), ev.EnteredAt)
	require.NotNil(t, ev.LeftAt)
	assert.Equal(t, t0.Add(120*time.Second), *ev.LeftAt)
	assert.Equal(t, OutsideState(), e.State())
}

func TestEngineIntents(t *testing.T) {
	e := newTestEngine(home, cafe)
	now := time.Now()

	intents := e.Check(at(north(home, 0)), now)
	require.Len(t, intents, 1)
	assert.Equal(t, StopWalk, intents[0].Kind)
	assert.Equal(t, "home", intents[0].Zone.ID)

	// cafe has no policy; leaving home for it raises StartWalk only
	intents = e.Check(at(north(cafe, 60)), now.Add(time.Minute))
	require.Len(t, intents, 1)
	assert.Equal(t, StartWalk, intents[0].Kind)
	assert.Equal(t, "home", intents[0].Zone.ID)

	assert.Empty(t, e.Check(at(north(cafe, 400)), now.Add(2*time.Minute)))
}

func TestEngineSwitchClosesPreviousEvent(t *testing.T) {
	rec := &memRecorder{}
	e := newTestEngine(home, cafe)
	e.SetRecorder(rec)
	now := time.Now()

	e.Check(at(north(home, 0)), now)
	e.Check(at(north(cafe, 60)), now.Add(time.Minute))

	history := e.History()
	require.Len(t, history, 2)
	assert.Equal(t, "cafe", history[0].SafeZoneID)
	assert.True(t, history[0].IsActive)
	assert.Equal(t, "home", history[1].SafeZoneID)
	assert.False(t, history[1].IsActive)
	assert.Equal(t, 1, activeCount(history))

	// enter home, close home, open cafe
	require.Len(t, rec.events, 3)
	assert.True(t, rec.events[0].IsActive)
	assert.False(t, rec.events[1].IsActive)
	assert.Equal(t, rec.events[0].ID, rec.events[1].ID)
	assert.Equal(t, "cafe", rec.events[2].SafeZoneID)

	st := e.Status()
	assert.Equal(t, "inside", st.State)
	assert.Equal(t, "Cafe", st.ZoneName)
	require.NotNil(t, st.ActiveEvent)
	assert.Equal(t, "cafe", st.ActiveEvent.SafeZoneID)
}

func TestEngineAtMostOneActiveEvent(t *testing.T) {
	zones := []safezone.SafeZone{home, cafe}
	e := newTestEngine(zones...)
	rng := rand.New(rand.NewSource(42))
	now := time.Now()

	points := []geo.Point{north(home, 0), north(home, -300), north(cafe, 60), north(home, 90), north(cafe, 400)}
	for i := 0; i < 500; i++ {
		now = now.Add(time.Minute)
		e.Check(at(points[rng.Intn(len(points))]), now)
		assert.LessOrEqual(t, activeCount(e.History()), 1)
	}
}

func TestEngineHistoryCap(t *testing.T) {
	e := NewEngine(&Config{CheckInterval: time.Minute, HistoryLimit: 20}, logx.NewNopLogger())
	e.SetZones([]safezone.SafeZone{home})
	now := time.Now()

	for i := 0; i < 30; i++ {
		e.Check(at(north(home, 0)), now.Add(time.Duration(2*i)*time.Minute))
		e.Check(at(north(home, 500)), now.Add(time.Duration(2*i+1)*time.Minute))
	}

	history := e.History()
	require.Len(t, history, 20)
	assert.Equal(t, now.Add(58*time.Minute), history[0].EnteredAt)
	assert.Equal(t, now.Add(20*time.Minute), history[19].EnteredAt)
}

func TestEngineLeaveAndReset(t *testing.T) {
	rec := &memRecorder{}
	e := newTestEngine(home)
	e.SetRecorder(rec)
	now := time.Now()

	e.Check(at(north(home, 0)), now)
	e.Leave(now.Add(time.Minute))

	assert.Equal(t, OutsideState(), e.State())
	assert.Equal(t, 0, activeCount(e.History()))
	require.Len(t, rec.events, 2)
	assert.False(t, rec.events[1].IsActive)

	e.Reset()
	assert.Empty(t, e.History())
	assert.Equal(t, "outside", e.Status().State)
}

func TestEngineZoneDeactivated(t *testing.T) {
	e := newTestEngine(home)
	now := time.Now()
	e.Check(at(north(home, 0)), now)

	off := home
	off.IsActive = false
	e.SetZones([]safezone.SafeZone{off})

	intents := e.Check(at(north(home, 0)), now.Add(time.Minute))
	assert.Equal(t, OutsideState(), e.State())
	require.Len(t, intents, 1)
	assert.Equal(t, StartWalk, intents[0].Kind)
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(GeofenceEvent) error {
	f.calls++
	return errors.New("offline")
}

func TestRecordersFanOut(t *testing.T) {
	bad := &failingRecorder{}
	good := &memRecorder{}
	rs := Recorders{bad, nil, good}

	err := rs.Record(GeofenceEvent{ID: "e1"})
	require.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	require.Len(t, good.events, 1)
	assert.Equal(t, "e1", good.events[0].ID)
}
