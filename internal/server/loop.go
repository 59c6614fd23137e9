package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Calbabreaker/mycap/internal/device"
	"github.com/Calbabreaker/mycap/internal/event"
	"github.com/Calbabreaker/mycap/internal/metrics"
	"github.com/Calbabreaker/mycap/internal/tracker"
)

// ErrLoopStopped is returned by Do/Attach/Detach after the main loop exits.
var ErrLoopStopped = errors.New("main loop stopped")

// Loop is the fixed-rate main loop. It exclusively owns all mutable core
// state (registry, device manager, fan-out bus, transport); other goroutines
// reach that state only through Do, which runs closures between iterations.
type Loop struct {
	registry *tracker.Registry
	devices  *device.Manager
	bus      *event.Bus[tracker.Message]
	udp      *UDPServer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	period   time.Duration

	cmds chan func()
	done chan struct{}
}

// NewLoop assembles the main loop around already-constructed components.
func NewLoop(registry *tracker.Registry, devices *device.Manager, bus *event.Bus[tracker.Message],
	udp *UDPServer, logger *slog.Logger, m *metrics.Metrics, period time.Duration) *Loop {

	return &Loop{
		registry: registry,
		devices:  devices,
		bus:      bus,
		udp:      udp,
		logger:   logger,
		metrics:  m,
		period:   period,
		cmds:     make(chan func(), 16),
		done:     make(chan struct{}),
	}
}

// Run drives the loop until ctx is cancelled or the transport fails with an
// unrecoverable receive error. Each iteration: pending commands, registry
// tick with the measured delta, one transport tick, then sleep for whatever
// remains of the target period. Overruns are logged and never compensated,
// so under sustained overload wall-clock drift accumulates.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	lastLoopTime := time.Now()

	for {
		delta := time.Since(lastLoopTime)
		lastLoopTime = time.Now()

		l.runCommands()
		l.registry.Tick(delta)

		if err := l.udp.Tick(lastLoopTime); err != nil {
			return err
		}

		l.metrics.SetTrackersRegistered(l.registry.Len())
		l.metrics.SetDevicesConnected(l.devices.Len())

		elapsed := time.Since(lastLoopTime)
		overrun := elapsed >= l.period
		l.metrics.RecordLoopIteration(elapsed.Seconds(), overrun)

		if overrun {
			l.logger.Warn("Main loop iteration took longer than target period",
				slog.Duration("elapsed", elapsed),
				slog.Duration("target", l.period),
			)
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.period - elapsed):
		}
	}
}

func (l *Loop) runCommands() {
	for {
		select {
		case cmd := <-l.cmds:
			cmd()
		default:
			return
		}
	}
}

// Do runs f inside the loop goroutine between iterations and waits for it
// to complete. Returns ErrLoopStopped if the loop has exited.
func (l *Loop) Do(f func()) error {
	ran := make(chan struct{})

	select {
	case l.cmds <- func() {
		f()
		close(ran)
	}:
	case <-l.done:
		return ErrLoopStopped
	}

	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrLoopStopped
	}
}

// Attach atomically snapshots the current tracker set and subscribes a new
// fan-out channel, so a late subscriber observes every tracker exactly once:
// first via the returned snapshot, then via live events.
func (l *Loop) Attach(buffer int) (*event.Subscription[tracker.Message], []tracker.Info, error) {
	var (
		sub   *event.Subscription[tracker.Message]
		infos []tracker.Info
	)

	err := l.Do(func() {
		infos = l.registry.Snapshot()
		sub = l.bus.Subscribe(buffer)
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, infos, nil
}

// Detach marks the subscription for removal. The bus closes its channel on
// the next broadcast.
func (l *Loop) Detach(sub *event.Subscription[tracker.Message]) error {
	return l.Do(func() {
		l.bus.Unsubscribe(sub)
	})
}

// Trackers returns a snapshot of the tracker set for the monitoring API.
func (l *Loop) Trackers() ([]tracker.Info, error) {
	var infos []tracker.Info
	err := l.Do(func() {
		infos = l.registry.Snapshot()
	})
	return infos, err
}

// Devices returns a snapshot of the device set for the monitoring API.
func (l *Loop) Devices() ([]device.Summary, error) {
	var summaries []device.Summary
	err := l.Do(func() {
		summaries = l.devices.Snapshot()
	})
	return summaries, err
}
