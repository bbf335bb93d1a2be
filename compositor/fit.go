package compositor

import "github.com/audiolux/lumen/core"

// fitPixels maps a producer's payload onto a buffer of target length using a
// deterministic center rule on the raw buffer: a larger payload is cropped
// to its centered window, a smaller one is placed centered on black. The
// rule works on pixel counts, so a linear payload lands row-major on a grid
// device. Content is never scaled.
func fitPixels(src []core.Pixel, target int) []core.Pixel {
	if target <= 0 {
		return nil
	}
	if len(src) == target {
		out := make([]core.Pixel, target)
		copy(out, src)
		return out
	}

	out := make([]core.Pixel, target)
	if len(src) > target {
		offset := (len(src) - target) / 2
		copy(out, src[offset:offset+target])
		return out
	}
	offset := (target - len(src)) / 2
	copy(out[offset:], src)
	return out
}
