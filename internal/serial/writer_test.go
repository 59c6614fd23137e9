package serial

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	writes   []string
	writeErr error
	closed   bool
}

func (p *fakePort) Write(data []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, string(data))
	return len(data), nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestSendWifi(t *testing.T) {
	port := &fakePort{}
	writer := NewWriter(port)

	require.NoError(t, writer.SendWifi("MyNetwork", "hunter2"))

	require.Len(t, port.writes, 1)
	assert.Equal(t, "Wifi\x00MyNetwork\x00hunter2\n", port.writes[0])
}

func TestSendFactoryReset(t *testing.T) {
	port := &fakePort{}
	writer := NewWriter(port)

	require.NoError(t, writer.SendFactoryReset())

	require.Len(t, port.writes, 1)
	assert.Equal(t, "FactoryReset\n", port.writes[0])
}

func TestNotConfigured(t *testing.T) {
	writer := NewWriter(nil)

	assert.ErrorIs(t, writer.SendWifi("ssid", "pw"), ErrNotConfigured)
	assert.ErrorIs(t, writer.SendFactoryReset(), ErrNotConfigured)
	assert.NoError(t, writer.Close())
}

func TestWriteFailure(t *testing.T) {
	portErr := errors.New("device unplugged")
	writer := NewWriter(&fakePort{writeErr: portErr})

	assert.ErrorIs(t, writer.SendFactoryReset(), portErr)
}

func TestClose(t *testing.T) {
	port := &fakePort{}
	writer := NewWriter(port)

	require.NoError(t, writer.Close())
	assert.True(t, port.closed)
}
