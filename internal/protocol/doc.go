// Package protocol implements the UDP wire codec for mycap devices.
// It handles decoding raw datagrams into a tagged packet union, anti-replay
// sequence validation against per-device watermarks, and encoding of the
// fixed reply frames (handshake reply, status acknowledgement, heartbeat).
package protocol
