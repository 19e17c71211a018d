package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/safetrack/pkg/location"
	"github.com/markus-lassfolk/safetrack/pkg/logx"
	"github.com/markus-lassfolk/safetrack/pkg/safezone"
)

// zoneStore is an in-memory store that only accepts zones registered at
// the present location
type zoneStore struct {
	mu      sync.Mutex
	zones   map[string]safezone.SafeZone
	present location.RawFix
	nextID  int
}

func newZoneStore(present location.RawFix) (*zoneStore, *httptest.Server) {
	zs := &zoneStore{zones: map[string]safezone.SafeZone{}, present: present}

	r := mux.NewRouter()
	r.HandleFunc("/safe-locations", zs.list).Methods(http.MethodGet)
	r.HandleFunc("/safe-locations", zs.create).Methods(http.MethodPost)
	r.HandleFunc("/safe-locations/{id}", zs.patch).Methods(http.MethodPatch)
	r.HandleFunc("/safe-locations/{id}", zs.remove).Methods(http.MethodDelete)
	return zs, httptest.NewServer(r)
}

func (zs *zoneStore) list(w http.ResponseWriter, r *http.Request) {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	out := []safezone.SafeZone{}
	for _, z := range zs.zones {
		out = append(out, z)
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (zs *zoneStore) create(w http.ResponseWriter, r *http.Request) {
	var z safezone.SafeZone
	if err := json.NewDecoder(r.Body).Decode(&z); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	zs.mu.Lock()
	defer zs.mu.Unlock()
	if z.Latitude != zs.present.Latitude || z.Longitude != zs.present.Longitude {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "You can only register your present location"})
		return
	}
	zs.nextID++
	z.ID = "zone-" + strconv.Itoa(zs.nextID)
	zs.zones[z.ID] = z
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(z)
}

func (zs *zoneStore) patch(w http.ResponseWriter, r *http.Request) {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	z, ok := zs.zones[mux.Vars(r)["id"]]
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	var p safezone.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.Name != nil {
		z.Name = *p.Name
	}
	if p.RadiusMeters != nil {
		z.RadiusMeters = *p.RadiusMeters
	}
	if p.IsActive != nil {
		z.IsActive = *p.IsActive
	}
	zs.zones[z.ID] = z
	_ = json.NewEncoder(w).Encode(z)
}

func (zs *zoneStore) remove(w http.ResponseWriter, r *http.Request) {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	id := mux.Vars(r)["id"]
	if _, ok := zs.zones[id]; !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	delete(zs.zones, id)
	w.WriteHeader(http.StatusNoContent)
}

type fakeLocator struct {
	fix   location.RawFix
	err   error
	calls int
}

func (f *fakeLocator) GetCurrentFix(ctx context.Context) (location.RawFix, error) {
	f.calls++
	return f.fix, f.err
}

func newZoneServer(t *testing.T) (http.Handler, *fakeTracker, *fakeLocator, *zoneStore) {
	t.Helper()
	present := location.RawFix{Latitude: 59.3293, Longitude: 18.0686, AccuracyMeters: 8, CapturedAt: time.Now()}
	zs, ts := newZoneStore(present)
	t.Cleanup(ts.Close)

	logger := logx.NewNopLogger()
	tr := &fakeTracker{active: true}
	loc := &fakeLocator{fix: present}
	s := NewServer(nil, Deps{
		Tracker:  tr,
		Geofence: &fakeGeofence{},
		Zones:    safezone.NewClient(ts.URL, "", 5*time.Second, logger),
		Locator:  loc,
	}, logger)
	return s.Router(), tr, loc, zs
}

func send(t *testing.T, h http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestZoneRegisterAtPresentLocation(t *testing.T) {
	h, tr, loc, zs := newZoneServer(t)

	rec := send(t, h, http.MethodPost, "/api/zones", CreateZoneRequest{Name: "Home", AutoStopWalk: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created safezone.SafeZone
	decode(t, rec, &created)
	assert.Equal(t, "zone-1", created.ID)
	assert.Equal(t, loc.fix.Latitude, created.Latitude)
	assert.Equal(t, loc.fix.Longitude, created.Longitude)
	assert.Equal(t, DefaultZoneRadius, created.RadiusMeters)
	assert.True(t, created.IsActive)
	assert.True(t, created.AutoStopWalk)

	assert.Equal(t, 1, loc.calls)
	assert.Equal(t, 1, tr.reloads)
	assert.Len(t, zs.zones, 1)

	var list struct {
		Zones []safezone.SafeZone `json:"zones"`
		Count int                 `json:"count"`
	}
	decode(t, do(t, h, http.MethodGet, "/api/zones", nil), &list)
	assert.Equal(t, 1, list.Count)
}

func TestZoneRegisterRejected(t *testing.T) {
	h, tr, loc, _ := newZoneServer(t)

	// the device moved since the store last saw it
	moved := loc.fix
	loc.fix.Latitude += 0.01
	rec := send(t, h, http.MethodPost, "/api/zones", CreateZoneRequest{Name: "Home"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	loc.fix = moved

	rec = send(t, h, http.MethodPost, "/api/zones", CreateZoneRequest{Name: "Home", RadiusMeters: 500})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	loc.err = location.ErrPermissionDenied
	rec = send(t, h, http.MethodPost, "/api/zones", CreateZoneRequest{Name: "Home"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	loc.err = location.ErrTimeout
	rec = send(t, h, http.MethodPost, "/api/zones", CreateZoneRequest{Name: "Home"})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	assert.Equal(t, 0, tr.reloads)
}

func TestZoneUpdateAndDelete(t *testing.T) {
	h, tr, _, zs := newZoneServer(t)
	require.Equal(t, http.StatusCreated, send(t, h, http.MethodPost, "/api/zones", CreateZoneRequest{Name: "Home"}).Code)

	name := "Grandma"
	radius := 150.0
	rec := send(t, h, http.MethodPatch, "/api/zones/zone-1", safezone.Patch{Name: &name, RadiusMeters: &radius})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated safezone.SafeZone
	decode(t, rec, &updated)
	assert.Equal(t, "Grandma", updated.Name)
	assert.Equal(t, 150.0, updated.RadiusMeters)

	tooSmall := 5.0
	rec = send(t, h, http.MethodPatch, "/api/zones/zone-1", safezone.Patch{RadiusMeters: &tooSmall})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(t, h, http.MethodPatch, "/api/zones/missing", safezone.Patch{Name: &name})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/zones/zone-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, zs.zones)
	assert.Equal(t, 3, tr.reloads)

	rec = do(t, h, http.MethodDelete, "/api/zones/zone-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestZonesWithoutStore(t *testing.T) {
	s, _, _, _ := newTestServer(t, nil)
	rec := do(t, s.Router(), http.MethodGet, "/api/zones", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
