// Package tracker implements the canonical tracker registry.
// It owns the ordered set of trackers, the id-to-index mapping, and all
// status/data mutation, and broadcasts state changes through the event bus.
package tracker
