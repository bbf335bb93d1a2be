package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/audiolux/lumen/core"
)

// MemoryDriver is an in-memory Driver that records every frame it receives.
// It backs tests, examples and the simulated devices of a local jam: devices
// can be added, removed and made to fail at runtime.
type MemoryDriver struct {
	mu        sync.Mutex
	devices   map[core.DeviceID]core.DeviceDescriptor
	last      map[core.DeviceID][]core.Pixel
	sendCount map[core.DeviceID]int
	failures  map[core.DeviceID]error
	closed    bool

	changes chan struct{}
}

// NewMemoryDriver creates a driver pre-populated with the given devices.
func NewMemoryDriver(devices ...core.DeviceDescriptor) *MemoryDriver {
	d := &MemoryDriver{
		devices:   make(map[core.DeviceID]core.DeviceDescriptor, len(devices)),
		last:      make(map[core.DeviceID][]core.Pixel),
		sendCount: make(map[core.DeviceID]int),
		failures:  make(map[core.DeviceID]error),
		changes:   make(chan struct{}, 1),
	}
	for _, desc := range devices {
		d.devices[desc.ID] = desc
	}
	return d
}

// Devices returns descriptors for the currently connected devices.
func (d *MemoryDriver) Devices(_ context.Context) ([]core.DeviceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]core.DeviceDescriptor, 0, len(d.devices))
	for _, desc := range d.devices {
		out = append(out, desc)
	}
	return out, nil
}

// SendFrame records the frame as the device's latest and counts the send.
func (d *MemoryDriver) SendFrame(_ context.Context, device core.DeviceID, pixels []core.Pixel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("memory driver closed")
	}
	if _, ok := d.devices[device]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	if err := d.failures[device]; err != nil {
		return err
	}
	d.last[device] = append([]core.Pixel(nil), pixels...)
	d.sendCount[device]++
	return nil
}

// Close marks the driver closed.
func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Changes returns the coalesced connect/disconnect signal.
func (d *MemoryDriver) Changes() <-chan struct{} {
	return d.changes
}

// AddDevice connects a device at runtime.
func (d *MemoryDriver) AddDevice(desc core.DeviceDescriptor) {
	d.mu.Lock()
	d.devices[desc.ID] = desc
	d.mu.Unlock()
	d.signal()
}

// RemoveDevice disconnects a device at runtime.
func (d *MemoryDriver) RemoveDevice(id core.DeviceID) {
	d.mu.Lock()
	delete(d.devices, id)
	delete(d.last, id)
	d.mu.Unlock()
	d.signal()
}

// FailDevice makes subsequent sends to the device return err.
func (d *MemoryDriver) FailDevice(id core.DeviceID, err error) {
	d.mu.Lock()
	d.failures[id] = err
	d.mu.Unlock()
}

// HealDevice clears an injected failure.
func (d *MemoryDriver) HealDevice(id core.DeviceID) {
	d.mu.Lock()
	delete(d.failures, id)
	d.mu.Unlock()
}

// LastFrame returns a copy of the most recent frame sent to the device.
func (d *MemoryDriver) LastFrame(id core.DeviceID) ([]core.Pixel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pixels, ok := d.last[id]
	if !ok {
		return nil, false
	}
	return append([]core.Pixel(nil), pixels...), true
}

// SendCount returns how many frames the device has accepted.
func (d *MemoryDriver) SendCount(id core.DeviceID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendCount[id]
}

func (d *MemoryDriver) signal() {
	select {
	case d.changes <- struct{}{}:
	default:
	}
}
