package types

import (
	"testing"
	"time"
)

func TestDeliveryState_String(t *testing.T) {
	tests := []struct {
		s    DeliveryState
		want string
	}{
		{StatePending, "PENDING"},
		{StateDelivered, "DELIVERED"},
		{DeliveryState(7), "DeliveryState(7)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestEncodeValues_SortedKeys(t *testing.T) {
	p, err := EncodeValues(map[string]any{"voltage": 230.5, "alarm": true, "count": 3})
	if err != nil {
		t.Fatalf("EncodeValues: %v", err)
	}
	want := `{"alarm":true,"count":3,"voltage":230.5}`
	if string(p) != want {
		t.Errorf("payload = %s, want %s", p, want)
	}
}

func TestEncodeValues_Nil(t *testing.T) {
	p, err := EncodeValues(nil)
	if err != nil {
		t.Fatalf("EncodeValues: %v", err)
	}
	if string(p) != "{}" {
		t.Errorf("payload = %s, want {}", p)
	}
}

func TestNewBatch(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	rows := []Reading{
		{ID: 4, Timestamp: ts, DeviceID: "dev-1", Payload: Payload(`{"a":1}`)},
		{ID: 5, Timestamp: ts.Add(time.Second), DeviceID: "dev-1", Payload: nil},
		{ID: 9, Timestamp: ts.Add(2 * time.Second), DeviceID: "dev-1", Payload: Payload(`{"a":3}`)},
	}

	b := NewBatch("dev-1", rows)

	if b.DeviceID != "dev-1" {
		t.Errorf("DeviceID = %q", b.DeviceID)
	}
	ids := b.IDs()
	if len(ids) != 3 || ids[0] != 4 || ids[1] != 5 || ids[2] != 9 {
		t.Errorf("IDs() = %v, want [4 5 9]", ids)
	}
	if b.Readings[0].Timestamp.Location() != time.UTC {
		t.Errorf("timestamp not normalised to UTC: %v", b.Readings[0].Timestamp)
	}
	if string(b.Readings[1].Data) != "{}" {
		t.Errorf("empty payload data = %s, want {}", b.Readings[1].Data)
	}
	if b.BatchID != BatchID("dev-1", 4, 9) {
		t.Errorf("BatchID = %q, want id derived from range 4-9", b.BatchID)
	}
}

func TestNewBatch_Empty(t *testing.T) {
	b := NewBatch("dev-1", nil)
	if b.BatchID != "" {
		t.Errorf("BatchID = %q, want empty", b.BatchID)
	}
	if len(b.IDs()) != 0 {
		t.Errorf("IDs() = %v, want empty", b.IDs())
	}
}

func TestBatchID_Deterministic(t *testing.T) {
	a := BatchID("dev-1", 1, 50)
	if a != BatchID("dev-1", 1, 50) {
		t.Error("same inputs produced different batch ids")
	}
	if a == BatchID("dev-1", 1, 51) {
		t.Error("different range produced the same batch id")
	}
	if a == BatchID("dev-2", 1, 50) {
		t.Error("different device produced the same batch id")
	}
}
