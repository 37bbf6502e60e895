// Package metrics exposes the pipeline's Prometheus counters and gauges and
// an optional /metrics and /healthz listener.
package metrics
