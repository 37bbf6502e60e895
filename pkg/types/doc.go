// Package types defines the Go types shared by the datalogger agent and the
// reference collector.
//
// Reading is one stored observation: a store-assigned id, the UTC sample
// time, the device id and an opaque Payload. The agent never inspects a
// Payload after EncodeValues produced it at the instrument boundary.
//
// Batch is the upstream unit of delivery: the device id, a deterministic
// BatchID derived from the first and last reading id, and the ordered
// readings. Re-sending the same rows yields the same BatchID, so the remote
// end can drop duplicates caused by at-least-once delivery.
package types
