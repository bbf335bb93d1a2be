package core

import (
	"errors"
	"time"
)

// ErrPixelLengthMismatch indicates a pixel buffer whose length does not match
// the geometry it is being combined with or rendered to.
var ErrPixelLengthMismatch = errors.New("core: pixel length mismatch")

// Pixel is a single RGB LED value. Channel arithmetic during blending is
// carried out in 16-bit space and clamped back to 8 bits after every step.
type Pixel struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Frame is one complete visual payload produced for a single tick. Frames are
// immutable once published: producers hand ownership of the pixel slice to
// the engine and must not mutate it afterwards.
type Frame struct {
	// Producer identifies the publishing producer.
	Producer ProducerID
	// Mode is the visualization mode the producer declared at registration.
	Mode ModeID
	// Seq is a per-producer monotonic sequence number. A frame whose Seq is
	// not greater than the previously accepted one is discarded.
	Seq uint64
	// CapturedAt is the producer-local monotonic timestamp of the source
	// state the frame was rendered from. It is used for stall detection,
	// never for cross-producer ordering.
	CapturedAt time.Time
	// Pixels is the rendered payload in the producer's declared geometry.
	Pixels []Pixel
}

// Clone returns a deep copy of the frame with its own pixel slice.
func (f Frame) Clone() Frame {
	cp := f
	if f.Pixels != nil {
		cp.Pixels = make([]Pixel, len(f.Pixels))
		copy(cp.Pixels, f.Pixels)
	}
	return cp
}

// Age returns how far behind now the frame's capture timestamp is. Negative
// ages (clock skew) are reported as zero.
func (f Frame) Age(now time.Time) time.Duration {
	d := now.Sub(f.CapturedAt)
	if d < 0 {
		return 0
	}
	return d
}
