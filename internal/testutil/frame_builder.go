package testutil

import (
	"time"

	"github.com/audiolux/lumen/core"
)

// FrameBuilder provides a fluent helper for constructing frames in tests.
// Example:
//
//	f := NewFrameBuilder("ripple").Mode(core.ModeAmplitudeRipple).Seq(3).Solid(64, core.Pixel{R: 255}).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type FrameBuilder struct {
	producer   core.ProducerID
	mode       core.ModeID
	seq        uint64
	capturedAt time.Time
	pixels     []core.Pixel
}

// NewFrameBuilder creates a builder for the given producer with sequence 1
// and a capture timestamp of now.
func NewFrameBuilder(producer core.ProducerID) *FrameBuilder {
	return &FrameBuilder{producer: producer, seq: 1, capturedAt: time.Now()}
}

// Mode sets the declared visualization mode (chainable).
func (b *FrameBuilder) Mode(m core.ModeID) *FrameBuilder { b.mode = m; return b }

// Seq sets the per-producer sequence number (chainable).
func (b *FrameBuilder) Seq(seq uint64) *FrameBuilder { b.seq = seq; return b }

// CapturedAt sets the producer-local capture timestamp (chainable).
func (b *FrameBuilder) CapturedAt(t time.Time) *FrameBuilder { b.capturedAt = t; return b }

// Solid fills the payload with n copies of the given pixel (chainable).
func (b *FrameBuilder) Solid(n int, p core.Pixel) *FrameBuilder {
	b.pixels = make([]core.Pixel, n)
	for i := range b.pixels {
		b.pixels[i] = p
	}
	return b
}

// Pixels sets the payload verbatim (chainable).
func (b *FrameBuilder) Pixels(px ...core.Pixel) *FrameBuilder { b.pixels = px; return b }

// Gradient fills the payload with n pixels ramping the red channel from 0 to
// 255 (chainable). Handy when a test needs per-position distinct values.
func (b *FrameBuilder) Gradient(n int) *FrameBuilder {
	b.pixels = make([]core.Pixel, n)
	for i := range b.pixels {
		b.pixels[i] = core.Pixel{R: uint8(i * 255 / max(n-1, 1))}
	}
	return b
}

// Build constructs the core.Frame value.
func (b *FrameBuilder) Build() core.Frame {
	return core.Frame{
		Producer:   b.producer,
		Mode:       b.mode,
		Seq:        b.seq,
		CapturedAt: b.capturedAt,
		Pixels:     b.pixels,
	}
}
