// Package device defines the driver boundary between the engine and
// physical LED hardware, plus in-memory drivers for tests and local runs.
//
// The engine never speaks a wire protocol itself: a Driver enumerates
// devices with their geometries and accepts one composited frame per device
// per tick. Send failures are per device and recoverable; the Sink wrapper
// tracks consecutive failures, takes a failing device out of rotation and
// probes it periodically until it recovers.
package device

import (
	"context"
	"errors"

	"github.com/audiolux/lumen/core"
)

var (
	// ErrUnknownDevice indicates a send to a device the driver does not have.
	ErrUnknownDevice = errors.New("device: unknown device")
	// ErrDeviceDown indicates a device currently held out of rotation after
	// repeated send failures.
	ErrDeviceDown = errors.New("device: device down")
)

// Driver is implemented by device backends.
type Driver interface {
	// Devices returns descriptors for the currently connected devices.
	Devices(ctx context.Context) ([]core.DeviceDescriptor, error)
	// SendFrame writes one composited frame to a device. A failure concerns
	// only that device; the engine keeps serving the others.
	SendFrame(ctx context.Context, device core.DeviceID, pixels []core.Pixel) error
	// Close releases driver resources.
	Close() error
}

// Watcher is optionally implemented by drivers that can signal device
// connect and disconnect events. The channel is a coalesced notification:
// one pending signal covers any number of changes.
type Watcher interface {
	Changes() <-chan struct{}
}
