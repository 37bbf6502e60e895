package receiver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/fieldlog/datalogger/pkg/wire"
	"github.com/fieldlog/datalogger/server/internal/store"
)

// Response is the body returned for an accepted upload.
type Response struct {
	BatchID   string `json:"batch_id"`
	Accepted  int    `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
}

// Receiver is the HTTP handler for POST /v1/readings.
// It decodes each upload with pkg/wire, validates it and records it in the
// device store. Authentication is enforced by middleware before this runs.
type Receiver struct {
	store   *store.Store
	maxBody int64
}

// New creates a Receiver that writes accepted batches to st. Bodies larger
// than maxBody bytes on the wire are rejected with 413.
func New(st *store.Store, maxBody int64) *Receiver {
	return &Receiver{store: st, maxBody: maxBody}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rc.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	b, err := wire.Decode(r.Header.Get("Content-Type"), r.Header.Get("Content-Encoding"), body)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if b.DeviceID == "" {
		jsonErr(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if len(b.Readings) == 0 {
		jsonErr(w, http.StatusBadRequest, "batch has no readings")
		return
	}
	if h := r.Header.Get(wire.HeaderDeviceID); h != "" && h != b.DeviceID {
		jsonErr(w, http.StatusBadRequest, "device id header does not match body")
		return
	}

	key := r.Header.Get(wire.HeaderIdempotencyKey)
	if key == "" {
		key = b.BatchID
	}
	if key == "" {
		jsonErr(w, http.StatusBadRequest, "batch_id or Idempotency-Key is required")
		return
	}

	dup := rc.store.Record(key, b)
	slog.Debug("receiver: batch recorded",
		"device_id", b.DeviceID,
		"batch_id", key,
		"readings", len(b.Readings),
		"duplicate", dup,
	)

	jsonResp(w, http.StatusOK, Response{BatchID: key, Accepted: len(b.Readings), Duplicate: dup})
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, map[string]string{"error": msg})
}
