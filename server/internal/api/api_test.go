package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldlog/datalogger/pkg/types"
	"github.com/fieldlog/datalogger/server/internal/api"
	"github.com/fieldlog/datalogger/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

func newStore(devices ...string) *store.Store {
	st := store.New(5*time.Minute, time.Hour)
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, d := range devices {
		b := types.NewBatch(d, []types.Reading{
			{ID: 7, Timestamp: ts, DeviceID: d, Payload: types.Payload(`{"flow":3.2}`)},
		})
		st.Record(b.BatchID, b)
	}
	return st
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- /healthz ---------------------------------------------------------------

func TestHealth(t *testing.T) {
	rr := get(t, api.New(newStore("a", "b")), "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.DeviceCount != 2 {
		t.Errorf("health: got %+v", resp)
	}
}

// --- /v1/devices ------------------------------------------------------------

func TestListDevices_Empty(t *testing.T) {
	rr := get(t, api.New(newStore()), "/v1/devices")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp []api.DeviceResponse
	decode(t, rr, &resp)
	if len(resp) != 0 {
		t.Errorf("devices: got %d, want 0", len(resp))
	}
}

func TestListDevices(t *testing.T) {
	rr := get(t, api.New(newStore("pump-2", "pump-1")), "/v1/devices")
	var resp []api.DeviceResponse
	decode(t, rr, &resp)
	if len(resp) != 2 {
		t.Fatalf("devices: got %d, want 2", len(resp))
	}
	if resp[0].DeviceID != "pump-1" {
		t.Errorf("order: got %q first, want pump-1", resp[0].DeviceID)
	}
	d := resp[0]
	if d.Readings != 1 || d.LastReadingID != 7 || string(d.Latest) != `{"flow":3.2}` {
		t.Errorf("device: got %+v", d)
	}
	if d.LastReadingAt != "2026-05-01T08:00:00Z" {
		t.Errorf("last_reading_at: got %q", d.LastReadingAt)
	}
}

func TestGetDevice(t *testing.T) {
	h := api.New(newStore("pump-1"))

	rr := get(t, h, "/v1/devices/pump-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var d api.DeviceResponse
	decode(t, rr, &d)
	if d.DeviceID != "pump-1" {
		t.Errorf("device_id: got %q", d.DeviceID)
	}

	if rr := get(t, h, "/v1/devices/unknown"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown device: got %d, want 404", rr.Code)
	}
}

func TestGetDevice_TrailingSlashLists(t *testing.T) {
	rr := get(t, api.New(newStore("pump-1")), "/v1/devices/")
	var resp []api.DeviceResponse
	decode(t, rr, &resp)
	if len(resp) != 1 {
		t.Errorf("devices: got %d, want 1", len(resp))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := api.New(newStore())
	for _, path := range []string{"/healthz", "/v1/devices", "/v1/devices/x"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, path, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: got %d, want 405", path, rr.Code)
		}
	}
}
