// Package acquire implements the acquisition loop: sample the instrument on
// a fixed period, accumulate readings in memory and flush them to the
// buffer in one transaction per batch.
//
// A failed flush keeps the batch and retries on every later tick. Above
// acquisition.max_pending the oldest unpersisted samples are dropped and a
// data_loss event is logged. Read failures skip the tick.
package acquire
