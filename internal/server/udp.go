package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/Calbabreaker/mycap/internal/config"
	"github.com/Calbabreaker/mycap/internal/device"
	"github.com/Calbabreaker/mycap/internal/metrics"
	"github.com/Calbabreaker/mycap/internal/protocol"
	"github.com/Calbabreaker/mycap/internal/tracker"
)

// drainDeadline bounds how long an empty-queue receive may wait. Each
// queued datagram is returned immediately; only the final empty read pays
// this, well inside the loop period.
const drainDeadline = time.Millisecond

// UDPServer owns the transport socket. Per tick it runs upkeep when due,
// then drains every queued datagram and dispatches the decoded packets to
// the device manager and tracker registry. It is driven by the main loop
// and is not safe for concurrent use.
type UDPServer struct {
	conn     *net.UDPConn
	config   *config.ServerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	devices  *device.Manager
	registry *tracker.Registry

	lastUpkeep time.Time
	buffer     []byte
}

// NewUDPServer creates an unstarted transport. Call Start to bind the socket.
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, m *metrics.Metrics,
	devices *device.Manager, registry *tracker.Registry) *UDPServer {

	return &UDPServer{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		devices:  devices,
		registry: registry,
		buffer:   make([]byte, 2048),
	}
}

// Start binds the UDP socket and joins the device multicast group.
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	// An empty group disables the multicast join (unicast-only setups).
	if s.config.MulticastGroup != "" {
		group := net.ParseIP(s.config.MulticastGroup)
		if err := ipv4.NewPacketConn(conn).JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			conn.Close()
			return fmt.Errorf("failed to join multicast group %s: %w", s.config.MulticastGroup, err)
		}
	}

	s.lastUpkeep = time.Now()
	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.String("multicast_group", s.config.MulticastGroup),
	)
	return nil
}

// LocalAddr returns the bound socket address, or nil before Start.
func (s *UDPServer) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close releases the socket.
func (s *UDPServer) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Tick runs one transport pass: upkeep when the interval has elapsed, then
// a full non-blocking drain of queued datagrams. A would-block receive ends
// the tick successfully; any other receive error is fatal and propagated.
// Send failures while dispatching abort only that packet's handling.
func (s *UDPServer) Tick(now time.Time) error {
	if now.Sub(s.lastUpkeep) > s.config.GetUpkeepInterval() {
		if err := s.upkeep(now); err != nil {
			// Aborts the remaining sweep only; retried next pass.
			s.logger.Error("Upkeep pass aborted", slog.String("error", err.Error()))
		} else {
			s.lastUpkeep = now
		}
	}

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(drainDeadline)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, peer, err := s.conn.ReadFromUDPAddrPort(s.buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil // queue drained
			}
			return fmt.Errorf("udp receive: %w", err)
		}

		if err := s.handlePacket(s.buffer[:n], netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()), time.Now()); err != nil {
			s.logger.Error("Failed to handle packet",
				slog.String("remote_addr", peer.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// upkeep sweeps timeouts and heartbeats every known device.
func (s *UDPServer) upkeep(now time.Time) error {
	return s.devices.Upkeep(now, func(data []byte, addr netip.AddrPort) error {
		if err := s.sendTo(data, addr); err != nil {
			return err
		}
		s.metrics.RecordHeartbeat()
		return nil
	})
}

// handlePacket decodes one datagram and dispatches it. Decode failures are
// logged and dropped without error; only send failures propagate.
func (s *UDPServer) handlePacket(data []byte, peer netip.AddrPort, now time.Time) error {
	s.metrics.RecordPacketReceived()

	dev := s.devices.Lookup(peer)

	// A typed-nil in the interface would defeat the nil check inside Decode.
	var seq protocol.Sequenced
	if dev != nil {
		seq = dev
	}

	packet, err := protocol.Decode(data, seq, now)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrOutOfOrder):
			s.metrics.RecordOutOfOrderDrop()
			s.logger.Warn("Dropped replayed packet",
				slog.String("remote_addr", peer.String()),
				slog.String("error", err.Error()),
			)
		case errors.Is(err, protocol.ErrNoDevice):
			s.logger.Debug("Dropped packet from unknown sender",
				slog.String("remote_addr", peer.String()),
			)
		default:
			s.metrics.RecordParseError()
			s.logger.Warn("Failed to decode packet",
				slog.String("remote_addr", peer.String()),
				slog.Int("packet_size", len(data)),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	switch p := packet.(type) {
	case protocol.Heartbeat:
		// Keep-alive only; bookkeeping already applied during decode.

	case protocol.Handshake:
		if err := s.sendTo(protocol.HandshakeReply(), peer); err != nil {
			return fmt.Errorf("handshake reply: %w", err)
		}
		s.devices.HandleHandshake(p.MAC, peer, now)

	case *protocol.TrackerData:
		for {
			record, err := p.Next()
			if err != nil {
				s.metrics.RecordParseError()
				s.logger.Warn("Truncated tracker data record",
					slog.String("remote_addr", peer.String()),
					slog.String("error", err.Error()),
				)
				break
			}
			if record == nil {
				break
			}

			index := s.devices.ResolveTracker(dev, record.LocalIndex)
			s.registry.UpdateData(index, record.Acceleration, record.Orientation)
		}

	case protocol.TrackerStatus:
		s.logger.Debug("Got tracker status",
			slog.String("remote_addr", peer.String()),
			slog.String("status", p.String()),
		)
		if err := s.sendTo(p.AckBytes(), peer); err != nil {
			return fmt.Errorf("status ack: %w", err)
		}
		index := s.devices.ResolveTracker(dev, p.LocalIndex)
		s.registry.UpdateStatus(index, p.Status)
	}

	s.metrics.RecordPacketProcessed()
	return nil
}

func (s *UDPServer) sendTo(data []byte, addr netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(data, addr)
	return err
}
