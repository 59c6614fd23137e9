package tracker

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Calbabreaker/mycap/internal/event"
)

// Registry owns the canonical ordered set of trackers. A tracker's index
// equals its position in the collection and is immutable after assignment.
// The Registry is not safe for concurrent use; all mutation happens on the
// main loop goroutine.
type Registry struct {
	trackers  []*Tracker
	idToIndex map[string]int
	bus       *event.Bus[Message]
}

// NewRegistry creates an empty registry broadcasting on bus.
func NewRegistry(bus *event.Bus[Message]) *Registry {
	return &Registry{
		idToIndex: make(map[string]int),
		bus:       bus,
	}
}

// Register creates a tracker for id and returns its index. Registering an
// existing id is idempotent: the existing index is returned, nothing is
// appended and no event is emitted. A creation broadcasts one info event.
func (r *Registry) Register(id string, config Config) int {
	if index, ok := r.idToIndex[id]; ok {
		return index
	}

	index := len(r.trackers)
	t := newTracker(id, index, config)
	r.idToIndex[id] = index
	r.trackers = append(r.trackers, t)
	r.bus.Broadcast(InfoUpdate{Info: t.Info})
	return index
}

// UpdateStatus sets the tracker's status and always broadcasts an info
// event, with no change detection. Callers that need deduplication (such
// as the device timeout sweep) must gate the call themselves.
func (r *Registry) UpdateStatus(index int, status Status) {
	info := &r.trackers[index].Info
	info.Status = status
	r.bus.Broadcast(InfoUpdate{Info: *info})
}

// UpdateData overwrites the tracker's motion data without broadcasting.
// Data becomes visible to subscribers only on the next Tick.
func (r *Registry) UpdateData(index int, acceleration r3.Vec, orientation quat.Number) {
	data := &r.trackers[index].Data
	data.Orientation = orientation
	data.Acceleration = acceleration
}

// Status returns the current status of the tracker at index.
func (r *Registry) Status(index int) Status {
	return r.trackers[index].Info.Status
}

// Tick broadcasts one data event per tracker in index order. This is the
// sole path by which data mutations reach subscribers, so the broadcast
// cadence is driven entirely by the fixed-rate loop rather than by network
// arrival rate.
func (r *Registry) Tick(delta time.Duration) {
	for _, t := range r.trackers {
		r.bus.Broadcast(DataUpdate{Index: t.Info.Index, Data: t.Data})
	}
}

// Len returns the number of registered trackers.
func (r *Registry) Len() int {
	return len(r.trackers)
}

// Snapshot returns a copy of every tracker's info in index order. Used for
// the late-subscriber initial snapshot and the monitoring API.
func (r *Registry) Snapshot() []Info {
	infos := make([]Info, len(r.trackers))
	for i, t := range r.trackers {
		infos[i] = t.Info
	}
	return infos
}
