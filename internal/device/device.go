package device

import (
	"fmt"
	"net/netip"
	"time"
)

// Device is a physical network endpoint owning one or more local tracker
// sub-indices. Identity is the MAC address; the network address may migrate
// across reconnections. Devices are never removed once created.
type Device struct {
	index            int
	mac              string
	addr             netip.AddrPort
	lastPacketNumber uint32
	lastPacketTime   time.Time
	timedOut         bool

	// Maps the device's local tracker index to the tracker's global
	// index. Entries are set once and never change for the device's
	// lifetime.
	trackerIndexes map[uint8]int
}

func newDevice(index int, addr netip.AddrPort, mac string, now time.Time) *Device {
	return &Device{
		index:          index,
		mac:            mac,
		addr:           addr,
		lastPacketTime: now,
		trackerIndexes: make(map[uint8]int),
	}
}

// LastPacketNumber returns the monotonic packet-number watermark.
func (d *Device) LastPacketNumber() uint32 {
	return d.lastPacketNumber
}

// MarkPacket records an accepted packet number and receive time.
func (d *Device) MarkPacket(number uint32, at time.Time) {
	d.lastPacketNumber = number
	d.lastPacketTime = at
}

// MAC returns the device's MAC address string.
func (d *Device) MAC() string {
	return d.mac
}

// Addr returns the device's current network address.
func (d *Device) Addr() netip.AddrPort {
	return d.addr
}

// Index returns the device's stable index.
func (d *Device) Index() int {
	return d.index
}

// TimedOut reports whether the device is currently considered timed out.
func (d *Device) TimedOut() bool {
	return d.timedOut
}

// String returns a human-readable representation of the device.
func (d *Device) String() string {
	return fmt.Sprintf("Device{Index:%d, MAC:%s, Addr:%s}", d.index, d.mac, d.addr)
}
