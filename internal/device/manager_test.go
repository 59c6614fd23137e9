package device

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Calbabreaker/mycap/internal/event"
	"github.com/Calbabreaker/mycap/internal/tracker"
)

const testMAC = "aa:bb:cc:01:02:03"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *tracker.Registry) {
	t.Helper()
	registry := tracker.NewRegistry(event.NewBus[tracker.Message]())
	return NewManager(registry, timeout, discardLogger()), registry
}

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestHandshakeNewDevice(t *testing.T) {
	manager, _ := newTestManager(t, 5*time.Second)
	now := time.Now()

	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), now)

	require.Equal(t, 1, manager.Len())
	d := manager.Lookup(addr("10.0.0.1:5000"))
	require.NotNil(t, d)
	assert.Equal(t, testMAC, d.MAC())
	assert.Equal(t, 0, d.Index())
	assert.False(t, d.TimedOut())
}

func TestHandshakeAddressMigration(t *testing.T) {
	manager, _ := newTestManager(t, 5*time.Second)
	now := time.Now()

	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), now)
	manager.HandleHandshake(testMAC, addr("10.0.0.2:6000"), now)

	assert.Equal(t, 1, manager.Len(), "same MAC must not allocate a second device")
	assert.Nil(t, manager.Lookup(addr("10.0.0.1:5000")), "old address mapping removed")

	d := manager.Lookup(addr("10.0.0.2:6000"))
	require.NotNil(t, d)
	assert.Equal(t, testMAC, d.MAC())
}

func TestHandshakeDuplicate(t *testing.T) {
	manager, _ := newTestManager(t, 5*time.Second)
	now := time.Now()

	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), now)
	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), now)

	assert.Equal(t, 1, manager.Len())
	assert.NotNil(t, manager.Lookup(addr("10.0.0.1:5000")))
}

func TestResolveTracker(t *testing.T) {
	manager, registry := newTestManager(t, 5*time.Second)
	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), time.Now())
	d := manager.Lookup(addr("10.0.0.1:5000"))

	first := manager.ResolveTracker(d, 0)
	second := manager.ResolveTracker(d, 1)
	again := manager.ResolveTracker(d, 0)

	assert.Equal(t, first, again, "resolving the same local index is stable")
	assert.NotEqual(t, first, second)
	require.Equal(t, 2, registry.Len())

	infos := registry.Snapshot()
	assert.Equal(t, testMAC+"/0", infos[first].ID)
	assert.Equal(t, testMAC+"/1", infos[second].ID)
	assert.Equal(t, "UDP Tracker 10.0.0.1:5000", infos[first].Name)
}

func TestUpkeepTimeoutTransitions(t *testing.T) {
	manager, registry := newTestManager(t, 5*time.Second)
	start := time.Now()
	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), start)
	d := manager.Lookup(addr("10.0.0.1:5000"))
	d.MarkPacket(1, start)

	okIndex := manager.ResolveTracker(d, 0)
	errIndex := manager.ResolveTracker(d, 1)
	registry.UpdateStatus(errIndex, tracker.StatusError)

	noopSend := func(data []byte, to netip.AddrPort) error { return nil }

	// Within the timeout: nothing changes.
	require.NoError(t, manager.Upkeep(start.Add(time.Second), noopSend))
	assert.False(t, d.TimedOut())
	assert.Equal(t, tracker.StatusOk, registry.Status(okIndex))

	// Past the timeout: Ok trackers flip to TimedOut, Error is untouched.
	require.NoError(t, manager.Upkeep(start.Add(6*time.Second), noopSend))
	assert.True(t, d.TimedOut())
	assert.Equal(t, tracker.StatusTimedOut, registry.Status(okIndex))
	assert.Equal(t, tracker.StatusError, registry.Status(errIndex))

	// A packet arrives and the next sweep recovers only the TimedOut tracker.
	d.MarkPacket(2, start.Add(7*time.Second))
	require.NoError(t, manager.Upkeep(start.Add(7*time.Second), noopSend))
	assert.False(t, d.TimedOut())
	assert.Equal(t, tracker.StatusOk, registry.Status(okIndex))
	assert.Equal(t, tracker.StatusError, registry.Status(errIndex))
}

func TestUpkeepSendsHeartbeats(t *testing.T) {
	manager, _ := newTestManager(t, 5*time.Second)
	now := time.Now()
	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), now)
	manager.HandleHandshake("aa:bb:cc:01:02:04", addr("10.0.0.2:5000"), now)

	var sent []netip.AddrPort
	err := manager.Upkeep(now, func(data []byte, to netip.AddrPort) error {
		require.Equal(t, []byte{0x00}, data)
		sent = append(sent, to)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{addr("10.0.0.1:5000"), addr("10.0.0.2:5000")}, sent)
}

func TestUpkeepAbortsOnSendFailure(t *testing.T) {
	manager, _ := newTestManager(t, 5*time.Second)
	now := time.Now()
	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), now)
	manager.HandleHandshake("aa:bb:cc:01:02:04", addr("10.0.0.2:5000"), now)

	sendErr := errors.New("network unreachable")
	calls := 0
	err := manager.Upkeep(now, func(data []byte, to netip.AddrPort) error {
		calls++
		return sendErr
	})

	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, 1, calls, "first failure aborts the sweep")
}

func TestSnapshot(t *testing.T) {
	manager, _ := newTestManager(t, 5*time.Second)
	now := time.Now()
	manager.HandleHandshake(testMAC, addr("10.0.0.1:5000"), now)
	d := manager.Lookup(addr("10.0.0.1:5000"))
	manager.ResolveTracker(d, 0)

	summaries := manager.Snapshot()
	require.Len(t, summaries, 1)
	assert.Equal(t, testMAC, summaries[0].MAC)
	assert.Equal(t, "10.0.0.1:5000", summaries[0].Address)
	assert.Equal(t, 1, summaries[0].Trackers)
	assert.False(t, summaries[0].TimedOut)
}
