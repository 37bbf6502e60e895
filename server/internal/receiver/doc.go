// Package receiver implements POST /v1/readings, the endpoint the agent's
// HTTP publisher uploads batches to.
//
// The body is decoded according to its Content-Type and Content-Encoding
// (see pkg/wire). Structural problems get 400, which the agent treats as
// permanent. Accepted batches are recorded in the device store keyed by
// the Idempotency-Key header (falling back to the body's batch_id), so a
// re-send after a lost acknowledgement is answered 200 with duplicate=true
// and not counted twice.
package receiver
