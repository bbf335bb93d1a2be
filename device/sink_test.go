package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolux/lumen/core"
)

func TestSink_FailureThresholdTakesDeviceDown(t *testing.T) {
	drv := NewMemoryDriver(core.DeviceDescriptor{ID: "strip", Geometry: core.Linear(4)})
	sink := NewSink(drv, WithFailureThreshold(2), WithProbeEvery(3))
	ctx := context.Background()
	pixels := make([]core.Pixel, 4)

	boom := errors.New("bus fault")
	drv.FailDevice("strip", boom)

	_, err := sink.Send(ctx, "strip", pixels)
	require.ErrorIs(t, err, boom)
	assert.True(t, sink.Available("strip"), "one failure is below the threshold")

	_, err = sink.Send(ctx, "strip", pixels)
	require.Error(t, err)
	assert.False(t, sink.Available("strip"))
	assert.Equal(t, []core.DeviceID{"strip"}, sink.Down())
}

func TestSink_DownDeviceSkippedUntilProbe(t *testing.T) {
	drv := NewMemoryDriver(core.DeviceDescriptor{ID: "strip", Geometry: core.Linear(4)})
	sink := NewSink(drv, WithFailureThreshold(1), WithProbeEvery(3))
	ctx := context.Background()
	pixels := make([]core.Pixel, 4)

	drv.FailDevice("strip", errors.New("bus fault"))
	_, err := sink.Send(ctx, "strip", pixels)
	require.Error(t, err)
	require.False(t, sink.Available("strip"))

	drv.HealDevice("strip")
	before := drv.SendCount("strip")

	// The first two attempts are skipped without touching the driver; the
	// third is the probe that brings the device back.
	_, err = sink.Send(ctx, "strip", pixels)
	assert.ErrorIs(t, err, ErrDeviceDown)
	_, err = sink.Send(ctx, "strip", pixels)
	assert.ErrorIs(t, err, ErrDeviceDown)
	assert.Equal(t, before, drv.SendCount("strip"))

	recovered, err := sink.Send(ctx, "strip", pixels)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.True(t, sink.Available("strip"))
	assert.Equal(t, before+1, drv.SendCount("strip"))
}

func TestSink_SuccessResetsFailureStreak(t *testing.T) {
	drv := NewMemoryDriver(core.DeviceDescriptor{ID: "strip", Geometry: core.Linear(4)})
	sink := NewSink(drv, WithFailureThreshold(2))
	ctx := context.Background()
	pixels := make([]core.Pixel, 4)

	drv.FailDevice("strip", errors.New("bus fault"))
	_, err := sink.Send(ctx, "strip", pixels)
	require.Error(t, err)

	drv.HealDevice("strip")
	recovered, err := sink.Send(ctx, "strip", pixels)
	require.NoError(t, err)
	assert.False(t, recovered, "the device never went down")

	drv.FailDevice("strip", errors.New("bus fault"))
	_, err = sink.Send(ctx, "strip", pixels)
	require.Error(t, err)
	assert.True(t, sink.Available("strip"), "the streak restarted after the success")
}

func TestMemoryDriver_RuntimeDeviceChanges(t *testing.T) {
	drv := NewMemoryDriver()
	ctx := context.Background()

	devices, err := drv.Devices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)

	drv.AddDevice(core.DeviceDescriptor{ID: "strip", Geometry: core.Linear(8)})
	select {
	case <-drv.Changes():
	default:
		t.Fatal("expected a change signal after AddDevice")
	}

	require.NoError(t, drv.SendFrame(ctx, "strip", make([]core.Pixel, 8)))
	last, ok := drv.LastFrame("strip")
	require.True(t, ok)
	assert.Len(t, last, 8)

	drv.RemoveDevice("strip")
	err = drv.SendFrame(ctx, "strip", make([]core.Pixel, 8))
	assert.ErrorIs(t, err, ErrUnknownDevice)
}
