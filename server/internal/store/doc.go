// Package store keeps the collector's per-device state in memory: upload
// counters, the newest reading and the batch ids accepted within the dedupe
// window. Devices that stop uploading are evicted after a TTL.
package store
