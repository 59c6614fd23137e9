// Package serial implements the write side used to send configuration
// commands (Wi-Fi credentials, factory reset) to a device over its serial
// connection. The device firmware reads one newline-terminated line per
// command, with arguments separated by null bytes.
package serial
