package relay

import (
	"encoding/json"
	"fmt"

	"github.com/Calbabreaker/mycap/internal/tracker"
)

// Server-to-client message types.
const (
	messageTrackerInfo  = "TrackerInfo"
	messageTrackerData  = "TrackerData"
	messageError        = "Error"
	messageWifi         = "Wifi"
	messageFactoryReset = "FactoryReset"
)

// Credential field limits enforced at this boundary, not inside the core.
const (
	maxSSIDBytes     = 32
	maxPasswordBytes = 64
)

type trackerInfoMessage struct {
	Type string       `json:"type"`
	Info tracker.Info `json:"info"`
}

type trackerDataMessage struct {
	Type  string       `json:"type"`
	Index int          `json:"index"`
	Data  tracker.Data `json:"data"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newTrackerInfoMessage(info tracker.Info) trackerInfoMessage {
	return trackerInfoMessage{Type: messageTrackerInfo, Info: info}
}

func newTrackerDataMessage(index int, data tracker.Data) trackerDataMessage {
	return trackerDataMessage{Type: messageTrackerData, Index: index, Data: data}
}

func newErrorMessage(err error) errorMessage {
	return errorMessage{Type: messageError, Error: err.Error()}
}

// clientMessage is the union of commands a viewer may send.
type clientMessage struct {
	Type     string `json:"type"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func parseClientMessage(data []byte) (*clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch msg.Type {
	case messageWifi:
		if len(msg.SSID) > maxSSIDBytes || len(msg.Password) > maxPasswordBytes {
			return nil, fmt.Errorf("SSID or password too long")
		}
	case messageFactoryReset:
	default:
		return nil, fmt.Errorf("unknown message type: %q", msg.Type)
	}

	return &msg, nil
}
