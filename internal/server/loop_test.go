package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Calbabreaker/mycap/internal/tracker"
)

func startLoop(t *testing.T, h *testHarness, period time.Duration) *Loop {
	t.Helper()

	logger := h.udp.logger
	loop := NewLoop(h.registry, h.devices, h.bus, h.udp, logger, h.metrics, period)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return loop
}

func TestLoopDo(t *testing.T) {
	h := newTestHarness(t)
	loop := startLoop(t, h, 5*time.Millisecond)

	var index int
	require.NoError(t, loop.Do(func() {
		index = h.registry.Register("mac/0", tracker.ConfigWithName("test"))
	}))
	assert.Equal(t, 0, index)

	infos, err := loop.Trackers()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "mac/0", infos[0].ID)
}

func TestLoopBroadcastCadence(t *testing.T) {
	h := newTestHarness(t)
	loop := startLoop(t, h, 10*time.Millisecond)

	require.NoError(t, loop.Do(func() {
		h.registry.Register("mac/0", tracker.Config{})
	}))

	sub, infos, err := loop.Attach(256)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	defer loop.Detach(sub)

	// One data event per tracker per iteration. Over 200ms at a 10ms
	// period the loop should complete roughly 20 iterations; scheduling
	// jitter makes the exact count unreliable, so bound it loosely.
	time.Sleep(200 * time.Millisecond)

	dataEvents := 0
	for {
		select {
		case msg := <-sub.C:
			if _, ok := msg.(tracker.DataUpdate); ok {
				dataEvents++
			}
			continue
		default:
		}
		break
	}

	assert.Greater(t, dataEvents, 5, "loop should tick repeatedly")
	assert.Less(t, dataEvents, 60, "loop should not tick faster than its period")
}

func TestLoopAttachSnapshot(t *testing.T) {
	h := newTestHarness(t)
	loop := startLoop(t, h, 5*time.Millisecond)

	require.NoError(t, loop.Do(func() {
		h.registry.Register("mac/0", tracker.Config{})
		h.registry.Register("mac/1", tracker.Config{})
	}))

	sub, infos, err := loop.Attach(256)
	require.NoError(t, err)
	defer loop.Detach(sub)

	// The snapshot carries both existing trackers; their creation events
	// predate the subscription and must not be replayed on the channel.
	require.Len(t, infos, 2)
	assert.Equal(t, 0, infos[0].Index)
	assert.Equal(t, 1, infos[1].Index)

	select {
	case msg := <-sub.C:
		_, isData := msg.(tracker.DataUpdate)
		assert.True(t, isData, "only live data events should follow the snapshot, got %T", msg)
	case <-time.After(time.Second):
		t.Fatal("Expected live events after attach")
	}
}

func TestLoopStopped(t *testing.T) {
	h := newTestHarness(t)

	logger := h.udp.logger
	loop := NewLoop(h.registry, h.devices, h.bus, h.udp, logger, h.metrics, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	require.NoError(t, loop.Do(func() {}))

	cancel()
	<-done

	assert.ErrorIs(t, loop.Do(func() {}), ErrLoopStopped)
	_, _, err := loop.Attach(16)
	assert.ErrorIs(t, err, ErrLoopStopped)
}

func TestLoopOverrun(t *testing.T) {
	h := newTestHarness(t)
	loop := startLoop(t, h, 10*time.Millisecond)

	// Commands run inside the iteration, so a slow closure makes that
	// iteration exceed the target period.
	require.NoError(t, loop.Do(func() {
		time.Sleep(30 * time.Millisecond)
	}))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.LoopOverruns) >= 1
	}, time.Second, 5*time.Millisecond)

	// An overrun iteration proceeds straight to the next one instead of
	// suspending; the loop stays responsive to further commands.
	require.NoError(t, loop.Do(func() {}))
}

func TestLoopUpdatesGauges(t *testing.T) {
	h := newTestHarness(t)
	loop := startLoop(t, h, 5*time.Millisecond)

	require.NoError(t, loop.Do(func() {
		h.registry.Register("mac/0", tracker.Config{})
	}))

	// Gauges are refreshed once per iteration.
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.TrackersRegistered) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.DevicesConnected))
}
