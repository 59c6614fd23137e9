// Standalone device simulator for manually testing the server end to end.
// It performs the handshake, then streams tracker data packets for a few
// fake trackers at a fixed rate.
//
// Usage: go run devicesim.go -addr 127.0.0.1:5828 -trackers 3
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"time"
)

const (
	packetHeartbeat   = 0x00
	packetHandshake   = 0x01
	packetTrackerData = 0x03

	deviceMagic = "MYCAP-DEVICE"
	serverMagic = "MYCAP-SERVER"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5828", "Server UDP address")
	trackers := flag.Int("trackers", 3, "Number of fake trackers to simulate")
	rate := flag.Duration("rate", 20*time.Millisecond, "Data packet interval")
	flag.Parse()

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("Failed to dial server: %v", err)
	}
	defer conn.Close()

	mac := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	// Handshake until the server responds with its magic.
	handshake := append([]byte{packetHandshake}, deviceMagic...)
	handshake = append(handshake, mac...)

	reply := make([]byte, 64)
	for {
		if _, err := conn.Write(handshake); err != nil {
			log.Fatalf("Handshake send failed: %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(reply)
		if err == nil && n > 0 && reply[0] == packetHandshake && string(reply[1:n]) == serverMagic {
			break
		}
		log.Print("No handshake reply, retrying...")
	}
	log.Printf("Handshake complete with %s", *addr)

	// Drain server frames (heartbeats, acks) in the background.
	go func() {
		buf := make([]byte, 64)
		for {
			conn.SetReadDeadline(time.Time{})
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if n > 0 && buf[0] == packetHeartbeat {
				log.Print("Got heartbeat")
			}
		}
	}()

	sequence := uint32(0)
	start := time.Now()

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	for range ticker.C {
		sequence++

		packet := []byte{packetTrackerData}
		packet = binary.LittleEndian.AppendUint32(packet, sequence)
		packet = append(packet, byte(*trackers))

		// Slow sinusoidal wiggle so viewers show movement.
		t := time.Since(start).Seconds()
		for i := 0; i < *trackers; i++ {
			packet = append(packet, byte(i))
			phase := t + float64(i)
			packet = appendFloat32(packet, float32(0.5*math.Sin(phase))) // euler x
			packet = appendFloat32(packet, float32(0.5*math.Cos(phase))) // euler y
			packet = appendFloat32(packet, 0)                            // euler z
			packet = appendFloat32(packet, 0)                            // accel x
			packet = appendFloat32(packet, 0)                            // accel y
			packet = appendFloat32(packet, 9.8)                          // accel z
		}

		if _, err := conn.Write(packet); err != nil {
			log.Fatalf("Data send failed: %v", err)
		}

		if sequence%250 == 0 {
			fmt.Printf("Sent %d data packets\n", sequence)
		}
	}
}

func appendFloat32(buf []byte, value float32) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(value))
}
