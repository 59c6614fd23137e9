package tracker

import (
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Status represents the reported state of a tracker.
// The values Ok, Error and Off match the wire protocol status codes;
// TimedOut is assigned server-side by the device timeout sweep.
type Status uint8

const (
	StatusOk Status = iota
	StatusError
	StatusOff
	StatusTimedOut
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusError:
		return "Error"
	case StatusOff:
		return "Off"
	case StatusTimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// MarshalJSON encodes the status as its name string.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a status name string.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	switch name {
	case "Ok":
		*s = StatusOk
	case "Error":
		*s = StatusError
	case "Off":
		*s = StatusOff
	case "TimedOut":
		*s = StatusTimedOut
	default:
		return fmt.Errorf("unknown tracker status %q", name)
	}
	return nil
}

// Info is the identity and status of a tracker. Index is a stable dense
// integer assigned once at registration and never reused.
type Info struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// Data holds the motion state of a tracker.
type Data struct {
	Orientation  quat.Number
	Acceleration r3.Vec
}

// IdentityOrientation returns the unit quaternion representing no rotation.
func IdentityOrientation() quat.Number {
	return quat.Number{Real: 1}
}

// MarshalJSON encodes orientation as [x, y, z, w] and acceleration as
// [x, y, z], matching the layout tracker viewers expect.
func (d Data) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"orientation":[%g,%g,%g,%g],"acceleration":[%g,%g,%g]}`,
		d.Orientation.Imag, d.Orientation.Jmag, d.Orientation.Kmag, d.Orientation.Real,
		d.Acceleration.X, d.Acceleration.Y, d.Acceleration.Z)), nil
}

// Config carries per-tracker registration options.
type Config struct {
	Name string
}

// ConfigWithName returns a Config with the given display name.
func ConfigWithName(name string) Config {
	return Config{Name: name}
}

// Tracker is a virtual sensor endpoint with stable global identity.
// Trackers are owned exclusively by the Registry and live for the
// process lifetime.
type Tracker struct {
	Info Info
	Data Data
}

func newTracker(id string, index int, config Config) *Tracker {
	return &Tracker{
		Info: Info{
			Index:  index,
			ID:     id,
			Name:   config.Name,
			Status: StatusOk,
		},
		Data: Data{Orientation: IdentityOrientation()},
	}
}

// Message is the fan-out event union consumed by relay subscribers.
type Message interface {
	message()
}

// InfoUpdate signals that a tracker was created or its status changed.
type InfoUpdate struct {
	Info Info
}

// DataUpdate carries a tracker's current motion data, emitted once per
// tracker on every registry tick.
type DataUpdate struct {
	Index int
	Data  Data
}

func (InfoUpdate) message() {}
func (DataUpdate) message() {}
