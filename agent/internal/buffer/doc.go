// Package buffer is the persistent reading buffer: a single SQLite file that
// is the only coordination point between the acquisition and shipping loops.
//
// Operations and their guarantees:
//   - AppendBatch inserts a whole batch in one transaction or nothing.
//   - FetchPending returns PENDING rows in ascending id order, read-only.
//   - MarkDelivered moves named rows PENDING -> DELIVERED; idempotent.
//   - Evict removes DELIVERED rows first, then, when none are left and the
//     store is still under pressure, the oldest PENDING rows.
//   - Relieve repeats Evict until the pressure target is met.
//
// Pressure is the lower of two fractions: row headroom against MaxRows, and
// free space on the filesystem holding the database (statfs available
// bytes plus SQLite freelist pages). Every operation is bounded by
// Options.TxTimeout.
package buffer
