// Package event implements the fan-out bus that delivers state-change
// events from the core loop to downstream subscriber channels.
package event
