// Package lifecycle owns the agent's long-running units (acquisition loop,
// shipping loop, metrics listener, config watcher) and shuts them down
// together within a bounded grace period.
package lifecycle
