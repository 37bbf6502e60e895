package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fieldlog/datalogger/server/internal/store"
)

// Handler serves the read-only device API.
type Handler struct {
	store *store.Store
	mux   *http.ServeMux
	now   func() time.Time
}

// New creates a Handler wired to the given device store and registers all
// routes.
func New(st *store.Store) http.Handler {
	h := &Handler{store: st, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("/healthz", h.health)
	h.mux.HandleFunc("/v1/devices", h.listDevices)
	h.mux.HandleFunc("/v1/devices/", h.getDevice) // subtree, extracts {id}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// health returns GET /healthz.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "ok", DeviceCount: len(h.store.List())})
}

// listDevices returns GET /v1/devices, every device seen within the TTL.
func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries := h.store.List()
	out := make([]DeviceResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDeviceResponse(e))
	}
	jsonResp(w, http.StatusOK, out)
}

// getDevice returns GET /v1/devices/{id}.
func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
	if id == "" {
		h.listDevices(w, r)
		return
	}

	e, ok := h.store.Get(id)
	// Stale entries are treated as not found.
	if !ok || h.now().Sub(e.UpdatedAt) > h.store.TTL() {
		jsonErr(w, http.StatusNotFound, "device not found")
		return
	}
	jsonResp(w, http.StatusOK, toDeviceResponse(e))
}

func toDeviceResponse(e store.Entry) DeviceResponse {
	d := DeviceResponse{
		DeviceID:      e.DeviceID,
		Batches:       e.Batches,
		Readings:      e.Readings,
		LastBatchID:   e.LastBatchID,
		LastReadingID: e.LastReadingID,
		Latest:        e.Latest,
		LastSeen:      e.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !e.LastReadingAt.IsZero() {
		d.LastReadingAt = e.LastReadingAt.UTC().Format(time.RFC3339)
	}
	return d
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
