// Package relay republishes tracker state-change events to remote viewers
// over websocket connections and forwards viewer-originated configuration
// commands to the serial write side. It sits outside the core: it never
// touches registry state directly, only the fan-out event stream and the
// main loop's command funnel.
package relay
