package testutil

import "github.com/audiolux/lumen/core"

// RosterBuilder helps construct producer rosters with fluent chaining for
// tests. Example:
//
//	roster := NewRosterBuilder().
//		Producer("grid", core.ModeStepGrid).Active().
//		Producer("ripple", core.ModeAmplitudeRipple).Priority(2).
//		Build()
//
// Chainable modifiers always apply to the most recently added producer.
type RosterBuilder struct {
	producers []core.ProducerDescriptor
}

// NewRosterBuilder creates an empty roster builder.
func NewRosterBuilder() *RosterBuilder { return &RosterBuilder{} }

// Producer appends a producer with the next registration ordinal (chainable).
func (b *RosterBuilder) Producer(id core.ProducerID, mode core.ModeID) *RosterBuilder {
	b.producers = append(b.producers, core.ProducerDescriptor{
		ID:      id,
		Mode:    mode,
		Ordinal: uint64(len(b.producers) + 1),
	})
	return b
}

func (b *RosterBuilder) last() *core.ProducerDescriptor {
	return &b.producers[len(b.producers)-1]
}

// Active marks the last producer as currently animating (chainable).
func (b *RosterBuilder) Active() *RosterBuilder { b.last().Active = true; return b }

// Priority sets the last producer's priority (chainable).
func (b *RosterBuilder) Priority(p int) *RosterBuilder { b.last().Priority = p; return b }

// Pin pins the last producer to a device (chainable).
func (b *RosterBuilder) Pin(device core.DeviceID) *RosterBuilder { b.last().Pinned = device; return b }

// Build returns the roster slice.
func (b *RosterBuilder) Build() []core.ProducerDescriptor {
	return append([]core.ProducerDescriptor(nil), b.producers...)
}

// LinearDevice constructs a linear device descriptor for tests.
func LinearDevice(id core.DeviceID, length int) core.DeviceDescriptor {
	return core.DeviceDescriptor{ID: id, Geometry: core.Linear(length)}
}

// GridDevice constructs a grid device descriptor for tests.
func GridDevice(id core.DeviceID, rows, cols int) core.DeviceDescriptor {
	return core.DeviceDescriptor{ID: id, Geometry: core.Grid(rows, cols)}
}
