// Package server implements the UDP transport loop, the fixed-rate main
// loop that owns all core state, and the monitoring HTTP API.
package server
