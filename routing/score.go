package routing

import "github.com/audiolux/lumen/core"

// fitClass grades how well a mode's geometry maps onto a device.
type fitClass uint8

const (
	// fitReject means the device cannot host the mode at all.
	fitReject fitClass = iota
	// fitAdmissible means the mode's minimum geometry fits the device but
	// the device is not the mode's preferred arrangement.
	fitAdmissible
	// fitExact means the device matches the mode's preferred geometry.
	fitExact
)

// classifyFit grades a device for a mode. Content never upscales: a device
// smaller than the mode's minimum geometry, or with too little bus capacity
// for it, is rejected.
func classifyFit(spec core.ModeSpec, device core.DeviceDescriptor) fitClass {
	if !spec.MinGeometry.Admits(device.Geometry) {
		return fitReject
	}
	if device.EffectiveCapacity() < spec.MinGeometry.PixelCount() {
		return fitReject
	}
	if device.Geometry.Equal(spec.PreferredGeometry) {
		return fitExact
	}
	return fitAdmissible
}

// candidate is one possible placement for the producer under consideration.
type candidate struct {
	device core.DeviceDescriptor
	fit    fitClass
	// evicted lists occupants that must lose their slot for this placement.
	evicted []core.ProducerID
}

// betterCandidate ranks placements: better geometry fit first, then the
// placement disturbing fewer occupants, then the lexically first device so
// that equal inputs always produce the same choice.
func betterCandidate(a, b candidate) bool {
	if a.fit != b.fit {
		return a.fit > b.fit
	}
	if len(a.evicted) != len(b.evicted) {
		return len(a.evicted) < len(b.evicted)
	}
	return a.device.ID < b.device.ID
}
