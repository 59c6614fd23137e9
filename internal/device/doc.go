// Package device manages physical device identity and lifecycle: handshake
// handling, address migration, per-device packet watermarks, the local to
// global tracker index mapping, and the timeout/heartbeat upkeep sweep.
package device
