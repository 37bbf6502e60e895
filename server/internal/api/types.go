package api

import "encoding/json"

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	DeviceCount int    `json:"device_count"`
}

// DeviceResponse is one device entry in GET /v1/devices or
// GET /v1/devices/{id}.
type DeviceResponse struct {
	DeviceID      string          `json:"device_id"`
	Batches       int64           `json:"batches"`
	Readings      int64           `json:"readings"`
	LastBatchID   string          `json:"last_batch_id,omitempty"`
	LastReadingID int64           `json:"last_reading_id"`
	LastReadingAt string          `json:"last_reading_at,omitempty"` // RFC3339
	Latest        json.RawMessage `json:"latest,omitempty"`
	LastSeen      string          `json:"last_seen"` // RFC3339
}

type errorResponse struct {
	Error string `json:"error"`
}
