package geofence

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, limit int) *EventLog {
	l, err := OpenEventLog(filepath.Join(t.TempDir(), "events.db"), limit, logx.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEventLogRecordUpdatesExisting(t *testing.T) {
	l := openTestLog(t, 0)
	entered := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	ev := GeofenceEvent{ID: "e1", SafeZoneID: "home", SafeZoneName: "Home", EnteredAt: entered, IsActive: true}
	require.NoError(t, l.Record(ev))

	left := entered.Add(time.Minute)
	ev.LeftAt = &left
	ev.IsActive = false
	require.NoError(t, l.Record(ev))

	events, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Home", events[0].SafeZoneName)
	assert.True(t, events[0].EnteredAt.Equal(entered))
	require.NotNil(t, events[0].LeftAt)
	assert.True(t, events[0].LeftAt.Equal(left))
	assert.False(t, events[0].IsActive)
}

func TestEventLogCap(t *testing.T) {
	l := openTestLog(t, 50)
	start := time.Now()

	for i := 0; i < 60; i++ {
		require.NoError(t, l.Record(GeofenceEvent{
			ID:           fmt.Sprintf("e%d", i),
			SafeZoneID:   "home",
			SafeZoneName: "Home",
			EnteredAt:    start.Add(time.Duration(i) * time.Minute),
		}))
	}

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	events, err := l.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 50)
	assert.Equal(t, "e59", events[0].ID)
	assert.Equal(t, "e10", events[49].ID)
}

func TestEventLogSingleActive(t *testing.T) {
	l := openTestLog(t, 0)
	now := time.Now()

	require.NoError(t, l.Record(GeofenceEvent{ID: "a", SafeZoneID: "home", SafeZoneName: "Home", EnteredAt: now, IsActive: true}))
	require.NoError(t, l.Record(GeofenceEvent{ID: "b", SafeZoneID: "cafe", SafeZoneName: "Cafe", EnteredAt: now, IsActive: true}))

	events, err := l.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].IsActive)
	assert.False(t, events[1].IsActive)
}

func TestEngineWritesToEventLog(t *testing.T) {
	l := openTestLog(t, 0)
	e := newTestEngine(home)
	e.SetRecorder(l)
	now := time.Now()

	e.Check(at(north(home, 0)), now)
	e.Check(at(north(home, 500)), now.Add(time.Minute))

	events, err := l.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].IsActive)
	assert.NotNil(t, events[0].LeftAt)
}
