package core

import "fmt"

// GeometryKind discriminates the closed set of pixel arrangements a device or
// mode can describe.
type GeometryKind uint8

const (
	// GeometryLinear is a one-dimensional strip of pixels.
	GeometryLinear GeometryKind = iota + 1
	// GeometryGrid is a two-dimensional row-major matrix of pixels.
	GeometryGrid
)

// String returns a human-readable name for the kind.
func (k GeometryKind) String() string {
	switch k {
	case GeometryLinear:
		return "linear"
	case GeometryGrid:
		return "grid"
	default:
		return fmt.Sprintf("geometry(%d)", uint8(k))
	}
}

// Geometry describes an arrangement of addressable pixels. The zero value is
// invalid; construct instances with Linear or Grid.
type Geometry struct {
	// Kind selects which of the dimension fields below are meaningful.
	Kind GeometryKind `json:"kind" toml:"kind" yaml:"kind"`
	// Length is the pixel count of a linear strip. Only set for GeometryLinear.
	Length int `json:"length,omitempty" toml:"length,omitempty" yaml:"length,omitempty"`
	// Rows is the row count of a grid. Only set for GeometryGrid.
	Rows int `json:"rows,omitempty" toml:"rows,omitempty" yaml:"rows,omitempty"`
	// Cols is the column count of a grid. Only set for GeometryGrid.
	Cols int `json:"cols,omitempty" toml:"cols,omitempty" yaml:"cols,omitempty"`
}

// Linear constructs a linear strip geometry of n pixels.
func Linear(n int) Geometry {
	return Geometry{Kind: GeometryLinear, Length: n}
}

// Grid constructs a rows x cols grid geometry.
func Grid(rows, cols int) Geometry {
	return Geometry{Kind: GeometryGrid, Rows: rows, Cols: cols}
}

// PixelCount returns the total number of addressable pixels.
func (g Geometry) PixelCount() int {
	switch g.Kind {
	case GeometryLinear:
		return g.Length
	case GeometryGrid:
		return g.Rows * g.Cols
	default:
		return 0
	}
}

// Validate reports whether the geometry describes at least one pixel with
// consistent dimensions for its kind.
func (g Geometry) Validate() error {
	switch g.Kind {
	case GeometryLinear:
		if g.Length <= 0 {
			return fmt.Errorf("linear geometry requires positive length, got %d", g.Length)
		}
		if g.Rows != 0 || g.Cols != 0 {
			return fmt.Errorf("linear geometry must not set grid dimensions")
		}
	case GeometryGrid:
		if g.Rows <= 0 || g.Cols <= 0 {
			return fmt.Errorf("grid geometry requires positive dimensions, got %dx%d", g.Rows, g.Cols)
		}
		if g.Length != 0 {
			return fmt.Errorf("grid geometry must not set length")
		}
	default:
		return fmt.Errorf("unknown geometry kind %d", g.Kind)
	}
	return nil
}

// Equal reports whether two geometries have identical kind and dimensions.
func (g Geometry) Equal(other Geometry) bool {
	return g == other
}

// Admits reports whether content sized for g can render onto a device with
// the target geometry without upscaling. Kinds must match and every dimension
// of the target must be at least as large as the corresponding dimension of g.
func (g Geometry) Admits(target Geometry) bool {
	if g.Kind != target.Kind {
		return false
	}
	switch g.Kind {
	case GeometryLinear:
		return target.Length >= g.Length
	case GeometryGrid:
		return target.Rows >= g.Rows && target.Cols >= g.Cols
	default:
		return false
	}
}

// String returns a compact dimension description such as "linear/64" or
// "grid/8x8".
func (g Geometry) String() string {
	switch g.Kind {
	case GeometryLinear:
		return fmt.Sprintf("linear/%d", g.Length)
	case GeometryGrid:
		return fmt.Sprintf("grid/%dx%d", g.Rows, g.Cols)
	default:
		return "geometry/invalid"
	}
}
