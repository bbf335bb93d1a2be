package core

import "fmt"

// ModeID names a visualization mode. Producers declare exactly one mode at
// registration time and the compatibility matrix is keyed by mode pairs.
type ModeID string

// Built-in visualization modes. The set is open: integrations may declare
// additional modes, but every new mode must also be declared against the
// compatibility matrix before it can share a device with anything.
const (
	// ModeStepGrid renders a step sequencer as a velocity-colored grid.
	ModeStepGrid ModeID = "step-grid"
	// ModeKeySpan renders the full pitch range as a keyboard strip.
	ModeKeySpan ModeID = "key-span"
	// ModeAmplitudeRipple renders note onsets as decaying ripples.
	ModeAmplitudeRipple ModeID = "amplitude-ripple"
	// ModePaletteWash renders a slow ambient wash of the session palette.
	ModePaletteWash ModeID = "palette-wash"
)

// ModeSpec declares the rendering requirements of a visualization mode.
type ModeSpec struct {
	// ID is the mode's unique name.
	ID ModeID
	// MinGeometry is the smallest arrangement the mode can render into.
	MinGeometry Geometry
	// PreferredGeometry is the arrangement the mode is designed for. Routing
	// scores an exact preferred match above a merely admissible one.
	PreferredGeometry Geometry
	// OverlayEligible marks the mode as able to act as a translucent layer
	// on top of another mode's output. Overlay still requires an explicit
	// compatibility declaration per pair.
	OverlayEligible bool
}

// Validate checks the spec's geometries and their relationship.
func (s ModeSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("mode spec requires an id")
	}
	if err := s.MinGeometry.Validate(); err != nil {
		return fmt.Errorf("mode %s min geometry: %w", s.ID, err)
	}
	if err := s.PreferredGeometry.Validate(); err != nil {
		return fmt.Errorf("mode %s preferred geometry: %w", s.ID, err)
	}
	if !s.MinGeometry.Admits(s.PreferredGeometry) {
		return fmt.Errorf("mode %s preferred geometry %s is smaller than min %s", s.ID, s.PreferredGeometry, s.MinGeometry)
	}
	return nil
}

// BuiltinModeSpecs returns the specs of the modes shipped with the engine.
// The amplitude ripple and palette wash modes are overlay eligible; the two
// dense content modes are not.
func BuiltinModeSpecs() []ModeSpec {
	return []ModeSpec{
		{
			ID:                ModeStepGrid,
			MinGeometry:       Linear(16),
			PreferredGeometry: Linear(64),
		},
		{
			ID:                ModeKeySpan,
			MinGeometry:       Linear(25),
			PreferredGeometry: Linear(88),
		},
		{
			ID:                ModeAmplitudeRipple,
			MinGeometry:       Linear(8),
			PreferredGeometry: Linear(64),
			OverlayEligible:   true,
		},
		{
			ID:                ModePaletteWash,
			MinGeometry:       Linear(1),
			PreferredGeometry: Linear(64),
			OverlayEligible:   true,
		},
	}
}
