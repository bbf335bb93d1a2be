package core

import "sort"

// Role distinguishes a device's base layer from translucent layers above it.
type Role uint8

const (
	// RolePrimary is the device's base layer. Every occupied device has
	// exactly one primary slot.
	RolePrimary Role = iota + 1
	// RoleOverlay is a translucent layer blended over the primary.
	RoleOverlay
)

// String returns the role's display name.
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleOverlay:
		return "overlay"
	default:
		return "unassigned"
	}
}

// Slot binds one producer to a device in a specific role.
type Slot struct {
	Producer ProducerID `json:"producer"`
	Role     Role       `json:"role"`
}

// Assignment is the complete mapping decided by one routing pass. The slot
// order per device is the composition order; with the commutative operator
// set it does not affect output, but it is kept deterministic anyway.
type Assignment struct {
	// Devices maps each occupied device to its ordered slots.
	Devices map[DeviceID][]Slot `json:"devices"`
	// Unrouted lists producers that could not be placed on any device. This
	// is an observable condition, not an error.
	Unrouted []ProducerID `json:"unrouted,omitempty"`
}

// NewAssignment returns an empty assignment.
func NewAssignment() Assignment {
	return Assignment{Devices: make(map[DeviceID][]Slot)}
}

// SlotsFor returns the ordered slots for a device, or nil when unoccupied.
func (a Assignment) SlotsFor(device DeviceID) []Slot {
	return a.Devices[device]
}

// DeviceFor returns the device a producer is assigned to.
func (a Assignment) DeviceFor(producer ProducerID) (DeviceID, bool) {
	for device, slots := range a.Devices {
		for _, slot := range slots {
			if slot.Producer == producer {
				return device, true
			}
		}
	}
	return "", false
}

// Routed reports whether the producer holds any slot.
func (a Assignment) Routed(producer ProducerID) bool {
	_, ok := a.DeviceFor(producer)
	return ok
}

// Clone returns a deep copy safe for concurrent readers.
func (a Assignment) Clone() Assignment {
	cp := Assignment{Devices: make(map[DeviceID][]Slot, len(a.Devices))}
	for device, slots := range a.Devices {
		cp.Devices[device] = append([]Slot(nil), slots...)
	}
	if a.Unrouted != nil {
		cp.Unrouted = append([]ProducerID(nil), a.Unrouted...)
	}
	return cp
}

// Equal reports whether two assignments place the same producers in the same
// roles on the same devices, with the same unrouted set.
func (a Assignment) Equal(b Assignment) bool {
	if len(a.Devices) != len(b.Devices) || len(a.Unrouted) != len(b.Unrouted) {
		return false
	}
	for device, slots := range a.Devices {
		other, ok := b.Devices[device]
		if !ok || len(other) != len(slots) {
			return false
		}
		for i := range slots {
			if slots[i] != other[i] {
				return false
			}
		}
	}
	au := append([]ProducerID(nil), a.Unrouted...)
	bu := append([]ProducerID(nil), b.Unrouted...)
	sort.Slice(au, func(i, j int) bool { return au[i] < au[j] })
	sort.Slice(bu, func(i, j int) bool { return bu[i] < bu[j] })
	for i := range au {
		if au[i] != bu[i] {
			return false
		}
	}
	return true
}
