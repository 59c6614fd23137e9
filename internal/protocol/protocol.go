package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Calbabreaker/mycap/internal/tracker"
)

// Protocol constants from the device firmware contract
const (
	// Packet type tags (byte 0 of every datagram)
	PacketHeartbeat     = 0x00
	PacketHandshake     = 0x01
	PacketTrackerStatus = 0x02
	PacketTrackerData   = 0x03

	// Handshake magic strings
	HandshakeDeviceMagic = "MYCAP-DEVICE"
	HandshakeServerMagic = "MYCAP-SERVER"

	// Field sizes
	SequenceSize      = 4  // u32 packet number, little-endian
	MACSize           = 6  // raw MAC bytes in a handshake
	TrackerRecordSize = 25 // 1 local index + 3 f32 Euler + 3 f32 acceleration
)

// Decode errors. ErrOutOfOrder and ErrNoDevice are distinguishable so the
// transport loop can log replays separately from malformed packets.
var (
	ErrTruncated  = errors.New("truncated packet")
	ErrBadMagic   = errors.New("bad handshake magic")
	ErrBadStatus  = errors.New("invalid tracker status code")
	ErrOutOfOrder = errors.New("packet number not after watermark")
	ErrNoDevice   = errors.New("packet type requires a handshaken device")
)

// Sequenced is the per-device bookkeeping surface the codec updates while
// decoding. Watermark and timestamp are applied immediately after a
// successful tag and sequence-number decode, before the type-specific
// payload is attempted, so a payload decode failure still leaves the
// watermark advanced.
type Sequenced interface {
	LastPacketNumber() uint32
	MarkPacket(number uint32, at time.Time)
}

// Packet is the tagged union of decoded datagram variants.
type Packet interface {
	packet()
}

// Heartbeat is an empty keep-alive packet.
type Heartbeat struct{}

// Handshake pairs a device with the server when no prior identity exists.
type Handshake struct {
	MAC string // lowercase colon-separated hex
}

// TrackerStatus reports a status change for one of a device's local trackers.
type TrackerStatus struct {
	LocalIndex uint8
	Status     tracker.Status
}

// TrackerRecord is a single tracker's motion sample within a TrackerData
// packet.
type TrackerRecord struct {
	LocalIndex   uint8
	Orientation  quat.Number
	Acceleration r3.Vec
}

// TrackerData carries motion samples for up to 255 of a device's local
// trackers. Records are decoded lazily, one at a time via Next; the
// iteration is finite and not restartable.
type TrackerData struct {
	count int
	read  int
	rest  []byte
}

func (Heartbeat) packet()     {}
func (Handshake) packet()     {}
func (TrackerStatus) packet() {}
func (*TrackerData) packet()  {}

// Decode parses a raw datagram into a packet. device is the sender's device
// record, or nil if the sender has never handshaken. For every type except
// Handshake the sequence number is validated against the device watermark;
// replays fail with ErrOutOfOrder and leave the device unchanged. Accepted
// sequence numbers update the device before payload decoding, even when the
// tag later turns out to be unknown or the payload malformed.
func Decode(data []byte, device Sequenced, now time.Time) (Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty datagram: %w", ErrTruncated)
	}

	tag := data[0]
	rest := data[1:]

	// Handshakes are the first packet of a connection and carry no
	// sequence number; they are exempt from watermark checks and reset
	// nothing.
	if tag != PacketHandshake {
		if len(rest) < SequenceSize {
			return nil, fmt.Errorf("missing sequence number: %w", ErrTruncated)
		}
		number := binary.LittleEndian.Uint32(rest[:SequenceSize])
		rest = rest[SequenceSize:]

		if device != nil {
			if number <= device.LastPacketNumber() {
				return nil, fmt.Errorf("%w: got %d, watermark %d",
					ErrOutOfOrder, number, device.LastPacketNumber())
			}
			device.MarkPacket(number, now)
		}
	}

	switch tag {
	case PacketHeartbeat:
		return Heartbeat{}, nil
	case PacketHandshake:
		return parseHandshake(rest)
	case PacketTrackerStatus:
		if device == nil {
			return nil, ErrNoDevice
		}
		return parseTrackerStatus(rest)
	case PacketTrackerData:
		if device == nil {
			return nil, ErrNoDevice
		}
		return parseTrackerData(rest)
	default:
		return nil, fmt.Errorf("unknown packet type: %#02x", tag)
	}
}

func parseHandshake(data []byte) (Handshake, error) {
	if len(data) < len(HandshakeDeviceMagic)+MACSize {
		return Handshake{}, fmt.Errorf("handshake too short: %w", ErrTruncated)
	}

	if string(data[:len(HandshakeDeviceMagic)]) != HandshakeDeviceMagic {
		return Handshake{}, ErrBadMagic
	}

	mac := net.HardwareAddr(data[len(HandshakeDeviceMagic) : len(HandshakeDeviceMagic)+MACSize])
	return Handshake{MAC: mac.String()}, nil
}

func parseTrackerStatus(data []byte) (TrackerStatus, error) {
	if len(data) < 2 {
		return TrackerStatus{}, fmt.Errorf("status too short: %w", ErrTruncated)
	}

	status, err := statusFromWire(data[1])
	if err != nil {
		return TrackerStatus{}, err
	}

	return TrackerStatus{LocalIndex: data[0], Status: status}, nil
}

func parseTrackerData(data []byte) (*TrackerData, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("missing tracker count: %w", ErrTruncated)
	}

	return &TrackerData{count: int(data[0]), rest: data[1:]}, nil
}

// Count returns the number of records the packet claims to contain.
func (d *TrackerData) Count() int {
	return d.count
}

// Next decodes the next tracker record. It returns nil once all records
// have been consumed, or ErrTruncated if the packet claims more records
// than its payload holds.
func (d *TrackerData) Next() (*TrackerRecord, error) {
	if d.read >= d.count {
		return nil, nil
	}

	if len(d.rest) < TrackerRecordSize {
		return nil, fmt.Errorf("tracker record %d: %w", d.read, ErrTruncated)
	}

	buf := d.rest[:TrackerRecordSize]
	d.rest = d.rest[TrackerRecordSize:]
	d.read++

	return &TrackerRecord{
		LocalIndex: buf[0],
		Orientation: quatFromEulerXYZ(
			f32At(buf, 1),
			f32At(buf, 5),
			f32At(buf, 9),
		),
		Acceleration: r3.Vec{
			X: f32At(buf, 13),
			Y: f32At(buf, 17),
			Z: f32At(buf, 21),
		},
	}, nil
}

// HandshakeReply returns the fixed handshake response frame.
func HandshakeReply() []byte {
	return append([]byte{PacketHandshake}, HandshakeServerMagic...)
}

// HeartbeatBytes returns the heartbeat frame sent to devices during upkeep.
func HeartbeatBytes() []byte {
	return []byte{PacketHeartbeat}
}

// AckBytes returns the acknowledgement frame echoed back to the device for
// a received status packet.
func (p TrackerStatus) AckBytes() []byte {
	return []byte{PacketTrackerStatus, p.LocalIndex, byte(p.Status)}
}

// String returns a human-readable representation of the status packet.
func (p TrackerStatus) String() string {
	return fmt.Sprintf("TrackerStatus{LocalIndex:%d, Status:%s}", p.LocalIndex, p.Status)
}

// String returns a human-readable representation of the handshake packet.
func (p Handshake) String() string {
	return fmt.Sprintf("Handshake{MAC:%s}", p.MAC)
}

func statusFromWire(code byte) (tracker.Status, error) {
	switch code {
	case 0:
		return tracker.StatusOk, nil
	case 1:
		return tracker.StatusError, nil
	case 2:
		return tracker.StatusOff, nil
	default:
		return 0, fmt.Errorf("%w: %#02x", ErrBadStatus, code)
	}
}

func f32At(buf []byte, offset int) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[offset:])))
}

// quatFromEulerXYZ converts intrinsic XYZ Euler angles in radians to a unit
// quaternion (qx * qy * qz).
func quatFromEulerXYZ(x, y, z float64) quat.Number {
	qx := quat.Number{Real: math.Cos(x / 2), Imag: math.Sin(x / 2)}
	qy := quat.Number{Real: math.Cos(y / 2), Jmag: math.Sin(y / 2)}
	qz := quat.Number{Real: math.Cos(z / 2), Kmag: math.Sin(z / 2)}
	return quat.Mul(quat.Mul(qx, qy), qz)
}
