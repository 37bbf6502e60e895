// Package api serves the collector's read-only device API.
//
// Routes:
//
//	GET /healthz             liveness and the number of live devices
//	GET /v1/devices          every device that uploaded within the TTL
//	GET /v1/devices/{id}     one device; stale or unknown ids get 404
package api
