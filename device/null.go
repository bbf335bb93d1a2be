package device

import (
	"context"

	"github.com/audiolux/lumen/core"
)

// NullDriver presents a fixed device list and discards every frame. Useful
// for benchmarks and for running the engine with no hardware attached.
type NullDriver struct {
	devices []core.DeviceDescriptor
}

// NewNullDriver creates a driver over a fixed device list.
func NewNullDriver(devices ...core.DeviceDescriptor) *NullDriver {
	return &NullDriver{devices: append([]core.DeviceDescriptor(nil), devices...)}
}

// Devices returns the fixed device list.
func (d *NullDriver) Devices(_ context.Context) ([]core.DeviceDescriptor, error) {
	return append([]core.DeviceDescriptor(nil), d.devices...), nil
}

// SendFrame discards the frame.
func (d *NullDriver) SendFrame(_ context.Context, _ core.DeviceID, _ []core.Pixel) error {
	return nil
}

// Close is a no-op.
func (d *NullDriver) Close() error { return nil }
