package core

// ProducerID uniquely identifies a frame producer.
type ProducerID string

// ProducerDescriptor is the routing-relevant snapshot of one registered
// producer. Descriptors are values: routing receives a copied roster and
// never observes later mutation.
type ProducerDescriptor struct {
	// ID is the producer's unique identifier.
	ID ProducerID `json:"id"`
	// Mode is the producer's declared visualization mode. Re-registering the
	// same ID replaces the declaration.
	Mode ModeID `json:"mode"`
	// Priority weights routing decisions; higher wins contested devices.
	Priority int `json:"priority"`
	// Pinned names a device the user explicitly assigned this producer to,
	// or empty for no pin. Pins dominate every other routing preference.
	Pinned DeviceID `json:"pinned,omitempty"`
	// Active marks the producer as currently animating. Active producers
	// outrank idle ones when contesting a device.
	Active bool `json:"active"`
	// Ordinal is the registration sequence number, the deterministic final
	// tie-break.
	Ordinal uint64 `json:"ordinal"`
}
