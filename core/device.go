package core

import "fmt"

// DeviceID uniquely identifies an output device.
type DeviceID string

// DeviceDescriptor describes one addressable output device as reported by
// its driver.
type DeviceDescriptor struct {
	// ID is the device's unique identifier.
	ID DeviceID `json:"id"`
	// Geometry is the device's pixel arrangement.
	Geometry Geometry `json:"geometry"`
	// Capacity caps how many pixels the device's bus can accept per frame.
	// Zero means the geometry's full pixel count.
	Capacity int `json:"capacity,omitempty"`
}

// EffectiveCapacity returns the number of pixels actually writable per
// frame: the geometry's pixel count, further capped by Capacity when set.
func (d DeviceDescriptor) EffectiveCapacity() int {
	count := d.Geometry.PixelCount()
	if d.Capacity > 0 && d.Capacity < count {
		return d.Capacity
	}
	return count
}

// Validate checks the descriptor for a usable ID and geometry.
func (d DeviceDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device descriptor requires an id")
	}
	if err := d.Geometry.Validate(); err != nil {
		return fmt.Errorf("device %s: %w", d.ID, err)
	}
	if d.Capacity < 0 {
		return fmt.Errorf("device %s: negative capacity %d", d.ID, d.Capacity)
	}
	return nil
}
