package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryState tracks whether the upstream endpoint acknowledged a reading.
// The only transition is StatePending -> StateDelivered.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateDelivered
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateDelivered:
		return "DELIVERED"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// Payload is an encoded JSON object of register name -> measured value.
type Payload []byte

// EncodeValues encodes one instrument read into a Payload.
// Map keys are emitted in sorted order, so equal reads encode to equal bytes.
func EncodeValues(values map[string]any) (Payload, error) {
	if values == nil {
		values = map[string]any{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("types: encode payload: %w", err)
	}
	return Payload(b), nil
}

// Reading is one timestamped, device-tagged observation.
type Reading struct {
	ID        int64
	Timestamp time.Time
	DeviceID  string
	Payload   Payload
	State     DeliveryState
}

// BatchReading is one reading as carried in an upstream Batch.
type BatchReading struct {
	ID        int64           `json:"id" cbor:"id"`
	Timestamp time.Time       `json:"timestamp" cbor:"timestamp"`
	Data      json.RawMessage `json:"data" cbor:"-"`
}

// Batch is the upstream payload: one device and its readings in id order.
type Batch struct {
	DeviceID string         `json:"device_id" cbor:"device_id"`
	BatchID  string         `json:"batch_id" cbor:"batch_id"`
	Readings []BatchReading `json:"readings" cbor:"readings"`
}

// NewBatch builds the upstream Batch for rows, which must already be in
// ascending id order (as FetchPending returns them).
func NewBatch(deviceID string, rows []Reading) *Batch {
	b := &Batch{
		DeviceID: deviceID,
		Readings: make([]BatchReading, 0, len(rows)),
	}
	for _, r := range rows {
		data := json.RawMessage(r.Payload)
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		b.Readings = append(b.Readings, BatchReading{
			ID:        r.ID,
			Timestamp: r.Timestamp.UTC(),
			Data:      data,
		})
	}
	if len(rows) > 0 {
		b.BatchID = BatchID(deviceID, rows[0].ID, rows[len(rows)-1].ID)
	}
	return b
}

// IDs returns the reading ids carried by the batch, in order.
func (b *Batch) IDs() []int64 {
	ids := make([]int64, len(b.Readings))
	for i, r := range b.Readings {
		ids[i] = r.ID
	}
	return ids
}

// batchNamespace scopes the name-based batch UUIDs.
var batchNamespace = uuid.MustParse("3b0f4c52-8d6e-4f1a-9a57-2c6de4b1e9a0")

// BatchID returns a deterministic UUIDv5 for the id range [firstID, lastID]
// of deviceID.
func BatchID(deviceID string, firstID, lastID int64) string {
	name := fmt.Sprintf("%s/%d-%d", deviceID, firstID, lastID)
	return uuid.NewSHA1(batchNamespace, []byte(name)).String()
}
