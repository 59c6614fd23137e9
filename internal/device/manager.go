package device

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/Calbabreaker/mycap/internal/protocol"
	"github.com/Calbabreaker/mycap/internal/tracker"
)

// SendFunc transmits a raw frame to a device address. The UDP server
// provides the implementation.
type SendFunc func(data []byte, addr netip.AddrPort) error

// Manager owns every known device and the MAC/address lookup maps. Like the
// registry, it is confined to the main loop goroutine.
type Manager struct {
	devices      []*Device
	macToDevice  map[string]*Device
	addrToDevice map[netip.AddrPort]*Device

	registry *tracker.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewManager creates a manager registering trackers on registry. timeout is
// how long a device may stay silent before its trackers are marked timed out.
func NewManager(registry *tracker.Registry, timeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		macToDevice:  make(map[string]*Device),
		addrToDevice: make(map[netip.AddrPort]*Device),
		registry:     registry,
		timeout:      timeout,
		logger:       logger,
	}
}

// Lookup returns the device currently mapped to addr, or nil if the sender
// has never handshaken.
func (m *Manager) Lookup(addr netip.AddrPort) *Device {
	return m.addrToDevice[addr]
}

// Len returns the number of known devices.
func (m *Manager) Len() int {
	return len(m.devices)
}

// HandleHandshake pairs a device with the server. A known MAC arriving from
// a new address migrates the address mapping; a known MAC that was timed out
// is treated as a silent reconnection; anything else from a known MAC is a
// duplicate handshake. An unknown MAC allocates a new device.
func (m *Manager) HandleHandshake(mac string, addr netip.AddrPort, now time.Time) {
	if d, ok := m.macToDevice[mac]; ok {
		switch {
		case d.addr != addr:
			oldAddr := d.addr
			delete(m.addrToDevice, oldAddr)
			m.addrToDevice[addr] = d
			d.addr = addr
			m.logger.Info("Device reconnected from new address",
				slog.String("mac", mac),
				slog.String("address", addr.String()),
				slog.String("old_address", oldAddr.String()),
			)
		case d.timedOut:
			m.logger.Info("Device reconnected",
				slog.String("mac", mac),
				slog.String("address", addr.String()),
			)
		default:
			m.logger.Warn("Received handshake while already connected",
				slog.String("mac", mac),
				slog.String("address", addr.String()),
			)
		}
		return
	}

	d := newDevice(len(m.devices), addr, mac, now)
	m.macToDevice[mac] = d
	m.addrToDevice[addr] = d
	m.devices = append(m.devices, d)
	m.logger.Info("New device connected",
		slog.String("mac", mac),
		slog.String("address", addr.String()),
	)
}

// ResolveTracker returns the global tracker index for one of the device's
// local tracker indices, registering a new tracker on first sight. The
// mapping is cached on the device and never changes afterwards.
func (m *Manager) ResolveTracker(d *Device, localIndex uint8) int {
	if index, ok := d.trackerIndexes[localIndex]; ok {
		return index
	}

	id := fmt.Sprintf("%s/%d", d.mac, localIndex)
	name := fmt.Sprintf("UDP Tracker %s", d.addr)
	index := m.registry.Register(id, tracker.ConfigWithName(name))
	d.trackerIndexes[localIndex] = index
	return index
}

// Upkeep runs one maintenance sweep: every device silent for longer than the
// timeout transitions to timed out, every other device transitions back, and
// each device is sent one heartbeat frame. The first heartbeat send failure
// aborts the remainder of the sweep and is returned to the caller.
func (m *Manager) Upkeep(now time.Time, send SendFunc) error {
	for _, d := range m.devices {
		m.setTimedOut(d, now.Sub(d.lastPacketTime) > m.timeout)

		if err := send(protocol.HeartbeatBytes(), d.addr); err != nil {
			return fmt.Errorf("heartbeat to %s: %w", d.addr, err)
		}
	}

	return nil
}

// setTimedOut flips the device's trackers between Ok and TimedOut. Only the
// Ok to TimedOut transition and its reverse are allowed; trackers in Error
// or Off are untouched.
func (m *Manager) setTimedOut(d *Device, timedOut bool) {
	if timedOut == d.timedOut {
		return
	}

	d.timedOut = timedOut

	for _, index := range d.trackerIndexes {
		status := m.registry.Status(index)

		if timedOut && status == tracker.StatusOk {
			m.registry.UpdateStatus(index, tracker.StatusTimedOut)
		} else if !timedOut && status == tracker.StatusTimedOut {
			m.registry.UpdateStatus(index, tracker.StatusOk)
		}
	}

	if timedOut {
		m.logger.Warn("Device timed out",
			slog.String("mac", d.mac),
			slog.String("address", d.addr.String()),
		)
	}
}

// Summary is a read-only view of a device for the monitoring API.
type Summary struct {
	Index      int       `json:"index"`
	MAC        string    `json:"mac"`
	Address    string    `json:"address"`
	TimedOut   bool      `json:"timed_out"`
	LastPacket time.Time `json:"last_packet"`
	Trackers   int       `json:"trackers"`
}

// Snapshot returns a copy of every device's summary in index order.
func (m *Manager) Snapshot() []Summary {
	summaries := make([]Summary, len(m.devices))
	for i, d := range m.devices {
		summaries[i] = Summary{
			Index:      d.index,
			MAC:        d.mac,
			Address:    d.addr.String(),
			TimedOut:   d.timedOut,
			LastPacket: d.lastPacketTime,
			Trackers:   len(d.trackerIndexes),
		}
	}
	return summaries
}
