package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"

	serialport "go.bug.st/serial"
)

// ErrNotConfigured is returned by command writes when no serial port is
// configured.
var ErrNotConfigured = errors.New("serial port not configured")

// Porter is the minimal interface needed from a serial port. The
// abstraction enables unit testing without real serial hardware.
type Porter interface {
	io.WriteCloser
}

// Writer sends firmware commands over a serial port. Safe for concurrent
// use; relay consumers may issue commands simultaneously.
type Writer struct {
	mu   sync.Mutex
	port Porter
}

// NewWriter wraps an already-open port. A nil port yields a writer whose
// commands fail with ErrNotConfigured, so disabled configurations produce
// explicit errors instead of silent drops.
func NewWriter(port Porter) *Writer {
	return &Writer{port: port}
}

// Open opens the real serial port at path (8N1) and returns a writer for it.
func Open(path string, baudRate int) (*Writer, error) {
	port, err := serialport.Open(path, &serialport.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewWriter(port), nil
}

// SendWifi sends Wi-Fi credentials to the device. Length validation is the
// caller's responsibility; it belongs at the relay boundary.
func (w *Writer) SendWifi(ssid, password string) error {
	return w.writeCommand("Wifi\x00" + ssid + "\x00" + password)
}

// SendFactoryReset asks the device to wipe its stored configuration.
func (w *Writer) SendFactoryReset() error {
	return w.writeCommand("FactoryReset")
}

func (w *Writer) writeCommand(command string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.port == nil {
		return ErrNotConfigured
	}

	// The firmware reads up to the newline.
	if _, err := w.port.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Close releases the underlying port.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.port == nil {
		return nil
	}
	return w.port.Close()
}
