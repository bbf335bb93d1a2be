package core

import "fmt"

// BlendOp identifies one of the closed set of per-pixel blend operators. All
// operators are commutative and clamp their result to the 8-bit channel
// range, so the order in which overlay layers are folded together does not
// change the output.
type BlendOp uint8

const (
	// BlendMultiply darkens: out = a * b / 255 per channel.
	BlendMultiply BlendOp = iota + 1
	// BlendScreen lightens: out = 255 - (255-a) * (255-b) / 255 per channel.
	BlendScreen
	// BlendAdditive sums channels, saturating at 255.
	BlendAdditive
	// BlendMax takes the per-channel maximum.
	BlendMax
)

// String returns the operator's configuration name.
func (op BlendOp) String() string {
	switch op {
	case BlendMultiply:
		return "multiply"
	case BlendScreen:
		return "screen"
	case BlendAdditive:
		return "additive"
	case BlendMax:
		return "max"
	default:
		return fmt.Sprintf("blend(%d)", uint8(op))
	}
}

// Valid reports whether op is a member of the closed operator set.
func (op BlendOp) Valid() bool {
	switch op {
	case BlendMultiply, BlendScreen, BlendAdditive, BlendMax:
		return true
	default:
		return false
	}
}

// ParseBlendOp maps a configuration name to its operator. Unknown names
// return an error rather than a silent default so that a typo in a
// compatibility declaration is caught at load time.
func ParseBlendOp(name string) (BlendOp, error) {
	switch name {
	case "multiply":
		return BlendMultiply, nil
	case "screen":
		return BlendScreen, nil
	case "additive":
		return BlendAdditive, nil
	case "max":
		return BlendMax, nil
	default:
		return 0, fmt.Errorf("unknown blend operator %q", name)
	}
}

// Apply combines two pixels with the operator. Unknown operators fall back
// to BlendMax, the most conservative visible choice, rather than panicking
// inside the compositor tick.
func (op BlendOp) Apply(a, b Pixel) Pixel {
	switch op {
	case BlendMultiply:
		return Pixel{
			R: mulChannel(a.R, b.R),
			G: mulChannel(a.G, b.G),
			B: mulChannel(a.B, b.B),
		}
	case BlendScreen:
		return Pixel{
			R: screenChannel(a.R, b.R),
			G: screenChannel(a.G, b.G),
			B: screenChannel(a.B, b.B),
		}
	case BlendAdditive:
		return Pixel{
			R: addChannel(a.R, b.R),
			G: addChannel(a.G, b.G),
			B: addChannel(a.B, b.B),
		}
	default:
		return Pixel{
			R: maxChannel(a.R, b.R),
			G: maxChannel(a.G, b.G),
			B: maxChannel(a.B, b.B),
		}
	}
}

// BlendInto folds src into dst in place using the operator. The slices must
// have equal length; the caller is responsible for fitting both buffers to
// the device geometry first.
func BlendInto(op BlendOp, dst, src []Pixel) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: dst %d src %d", ErrPixelLengthMismatch, len(dst), len(src))
	}
	for i := range dst {
		dst[i] = op.Apply(dst[i], src[i])
	}
	return nil
}

func mulChannel(a, b uint8) uint8 {
	return uint8(uint16(a) * uint16(b) / 255)
}

func screenChannel(a, b uint8) uint8 {
	return 255 - uint8(uint16(255-a)*uint16(255-b)/255)
}

func addChannel(a, b uint8) uint8 {
	sum := uint16(a) + uint16(b)
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}

func maxChannel(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}
