package server

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Calbabreaker/mycap/internal/config"
	"github.com/Calbabreaker/mycap/internal/device"
	"github.com/Calbabreaker/mycap/internal/event"
	"github.com/Calbabreaker/mycap/internal/metrics"
	"github.com/Calbabreaker/mycap/internal/protocol"
	"github.com/Calbabreaker/mycap/internal/tracker"
)

// testHarness wires the transport to a loopback socket. Tests drive ticks
// by hand instead of running the main loop.
type testHarness struct {
	udp      *UDPServer
	registry *tracker.Registry
	devices  *device.Manager
	bus      *event.Bus[tracker.Message]
	metrics  *metrics.Metrics
	client   *net.UDPConn
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())

	serverConfig := &config.ServerConfig{
		UDPPort:          0,
		BindAddress:      "127.0.0.1",
		BufferSize:       2048,
		DeviceTimeoutMS:  5000,
		UpkeepIntervalMS: 1000,
		LoopPeriodMS:     20,
	}

	bus := event.NewBus[tracker.Message]()
	registry := tracker.NewRegistry(bus)
	devices := device.NewManager(registry, serverConfig.GetDeviceTimeout(), logger)

	udp := NewUDPServer(serverConfig, logger, m, devices, registry)
	require.NoError(t, udp.Start())
	t.Cleanup(func() { udp.Close() })

	client, err := net.DialUDP("udp4", nil, udp.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &testHarness{
		udp:      udp,
		registry: registry,
		devices:  devices,
		bus:      bus,
		metrics:  m,
		client:   client,
	}
}

// send writes datagrams to the server socket, then runs transport ticks
// until condition holds. Ticks are passed lastUpkeep as the current time so
// the upkeep sweep never fires during a drain.
func (h *testHarness) send(t *testing.T, condition func() bool, datagrams ...[]byte) {
	t.Helper()

	for _, d := range datagrams {
		_, err := h.client.Write(d)
		require.NoError(t, err)
	}

	// Loopback delivery is asynchronous; retry the drain briefly.
	deadline := time.Now().Add(time.Second)
	for {
		require.NoError(t, h.udp.Tick(h.udp.lastUpkeep))
		if condition() {
			return
		}
		if !time.Now().Before(deadline) {
			t.Fatal("Timed out waiting for datagrams to be processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *testHarness) devicesReach(n int) func() bool {
	return func() bool { return h.devices.Len() >= n }
}

func (h *testHarness) trackersReach(n int) func() bool {
	return func() bool { return h.registry.Len() >= n }
}

func (h *testHarness) read(t *testing.T) []byte {
	t.Helper()
	buffer := make([]byte, 256)
	h.client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := h.client.Read(buffer)
	require.NoError(t, err)
	return buffer[:n]
}

func handshakeFrame(mac [6]byte) []byte {
	frame := append([]byte{protocol.PacketHandshake}, protocol.HandshakeDeviceMagic...)
	return append(frame, mac[:]...)
}

func sequencedFrame(tag byte, number uint32, payload ...byte) []byte {
	frame := []byte{tag}
	frame = binary.LittleEndian.AppendUint32(frame, number)
	return append(frame, payload...)
}

func dataFrame(number uint32, localIndex uint8) []byte {
	payload := []byte{1, localIndex}
	for i := 0; i < 5; i++ {
		payload = binary.LittleEndian.AppendUint32(payload, 0)
	}
	payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(9.8))
	return sequencedFrame(protocol.PacketTrackerData, number, payload...)
}

func TestHandshakeFlow(t *testing.T) {
	h := newTestHarness(t)

	h.send(t, h.devicesReach(1), handshakeFrame([6]byte{0xaa, 0xbb, 0xcc, 1, 2, 3}))

	reply := h.read(t)
	assert.Equal(t, protocol.HandshakeReply(), reply)
	require.Equal(t, 1, h.devices.Len())

	summary := h.devices.Snapshot()[0]
	assert.Equal(t, "aa:bb:cc:01:02:03", summary.MAC)
	assert.False(t, summary.TimedOut)
}

func TestTrackerDataFlow(t *testing.T) {
	h := newTestHarness(t)

	h.send(t, h.devicesReach(1), handshakeFrame([6]byte{0xaa, 0xbb, 0xcc, 1, 2, 3}))
	h.read(t) // handshake reply

	h.send(t, h.trackersReach(1), dataFrame(1, 0))

	info := h.registry.Snapshot()[0]
	assert.Equal(t, "aa:bb:cc:01:02:03/0", info.ID)
	assert.Equal(t, tracker.StatusOk, info.Status)
}

func TestTrackerStatusEcho(t *testing.T) {
	h := newTestHarness(t)

	h.send(t, h.devicesReach(1), handshakeFrame([6]byte{0xaa, 0xbb, 0xcc, 1, 2, 3}))
	h.read(t) // handshake reply

	// Status Error for local tracker 4.
	h.send(t, h.trackersReach(1), sequencedFrame(protocol.PacketTrackerStatus, 1, 4, 1))

	ack := h.read(t)
	assert.Equal(t, []byte{protocol.PacketTrackerStatus, 4, 1}, ack)

	info := h.registry.Snapshot()[0]
	assert.Equal(t, "aa:bb:cc:01:02:03/4", info.ID)
	assert.Equal(t, tracker.StatusError, info.Status)
}

func TestDataFromUnknownSenderDropped(t *testing.T) {
	h := newTestHarness(t)

	// No handshake first: the packet must be dropped without registering
	// anything.
	_, err := h.client.Write(dataFrame(1, 0))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.udp.Tick(h.udp.lastUpkeep))

	assert.Equal(t, 0, h.devices.Len())
	assert.Equal(t, 0, h.registry.Len())
}

func TestReplayedPacketDropped(t *testing.T) {
	h := newTestHarness(t)

	h.send(t, h.devicesReach(1), handshakeFrame([6]byte{0xaa, 0xbb, 0xcc, 1, 2, 3}))
	h.read(t)

	h.send(t, h.trackersReach(1), dataFrame(5, 0))

	// A stale or repeated packet number never reaches dispatch, so local
	// tracker 1 is not registered.
	_, err := h.client.Write(dataFrame(5, 1))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.udp.Tick(h.udp.lastUpkeep))

	assert.Equal(t, 1, h.registry.Len())

	// A later number is accepted again.
	h.send(t, h.trackersReach(2), dataFrame(6, 1))
}

func TestUpkeepHeartbeat(t *testing.T) {
	h := newTestHarness(t)

	h.send(t, h.devicesReach(1), handshakeFrame([6]byte{0xaa, 0xbb, 0xcc, 1, 2, 3}))
	h.read(t)

	// A tick past the upkeep interval heartbeats every device.
	require.NoError(t, h.udp.Tick(h.udp.lastUpkeep.Add(2*time.Second)))

	assert.Equal(t, protocol.HeartbeatBytes(), h.read(t))
}

func TestTickClosedSocketFatal(t *testing.T) {
	h := newTestHarness(t)

	require.NoError(t, h.udp.Close())

	// Socket errors during the drain are unrecoverable and must propagate
	// so the main loop exits instead of spinning on a dead socket.
	assert.Error(t, h.udp.Tick(h.udp.lastUpkeep))
}

func TestMalformedPacketIgnored(t *testing.T) {
	h := newTestHarness(t)

	h.send(t, h.devicesReach(1), handshakeFrame([6]byte{0xaa, 0xbb, 0xcc, 1, 2, 3}))
	h.read(t)

	// Unknown tag and truncated frames are logged and dropped; the server
	// keeps serving.
	_, err := h.client.Write(sequencedFrame(0x7f, 1))
	require.NoError(t, err)
	_, err = h.client.Write([]byte{protocol.PacketTrackerStatus, 1})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.udp.Tick(h.udp.lastUpkeep))

	h.send(t, h.trackersReach(1), dataFrame(2, 0))
}
