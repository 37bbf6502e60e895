// Package shipper implements the shipping loop: fetch PENDING rows from the
// buffer, publish them upstream as one batch, and mark exactly those ids
// DELIVERED once the endpoint has acknowledged them.
//
// Each publish is retried up to upstream.retry.max_attempts times with
// truncated exponential backoff (initial_delay→max_delay, ±25% jitter).
// Every attempt has its own upstream.timeout. A PermanentError (a 4xx other
// than 408 or 429, an unencodable batch) ends the retry loop early. Nothing
// is marked on failure, so the next cycle re-fetches the same ids.
//
// After publishing, the loop relieves storage pressure by repeating chunked
// buffer evictions until storage.min_free_fraction is met.
//
// Publishers:
//   - http: POST with Idempotency-Key (the batch id) and X-Device-ID
//     headers over an HTTP/2-capable transport
//   - mqtt: one message per batch to <topic_prefix>/<device_id>
//   - s3: one object per batch at <prefix>/<device_id>/<first>-<last>.<ext>
package shipper
