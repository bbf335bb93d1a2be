package session

import "fmt"

// Default pattern dimensions for sessions that have never been saved.
const (
	DefaultSteps   = 16
	DefaultPitches = 8
)

// OpKind discriminates the closed set of pattern mutations.
type OpKind string

const (
	// OpSetStep writes a velocity into one step/pitch cell.
	OpSetStep OpKind = "set-step"
	// OpClearStep empties one step/pitch cell.
	OpClearStep OpKind = "clear-step"
	// OpSetTempo changes the pattern tempo.
	OpSetTempo OpKind = "set-tempo"
	// OpSetPalette changes the pattern's color palette name.
	OpSetPalette OpKind = "set-palette"
)

// PatternOp is one mutation of the shared pattern. Only the fields relevant
// to its Kind are set.
type PatternOp struct {
	Kind     OpKind  `json:"kind"`
	Step     int     `json:"step,omitempty"`
	Pitch    int     `json:"pitch,omitempty"`
	Velocity uint8   `json:"velocity,omitempty"`
	Tempo    float64 `json:"tempo,omitempty"`
	Palette  string  `json:"palette,omitempty"`
}

// SetStep constructs a set-step op.
func SetStep(step, pitch int, velocity uint8) PatternOp {
	return PatternOp{Kind: OpSetStep, Step: step, Pitch: pitch, Velocity: velocity}
}

// ClearStep constructs a clear-step op.
func ClearStep(step, pitch int) PatternOp {
	return PatternOp{Kind: OpClearStep, Step: step, Pitch: pitch}
}

// SetTempo constructs a set-tempo op.
func SetTempo(bpm float64) PatternOp {
	return PatternOp{Kind: OpSetTempo, Tempo: bpm}
}

// SetPalette constructs a set-palette op.
func SetPalette(name string) PatternOp {
	return PatternOp{Kind: OpSetPalette, Palette: name}
}

// PatternState is the replicated session state: a step sequencer grid of
// velocities plus tempo and palette metadata. Producers regenerate their
// frames from this state, never from another participant's rendered pixels.
type PatternState struct {
	// Steps is the number of sequencer steps (columns).
	Steps int `json:"steps"`
	// Pitches is the number of pitch rows.
	Pitches int `json:"pitches"`
	// Velocity holds one velocity per cell, indexed [step][pitch]. Zero
	// means the cell is empty.
	Velocity [][]uint8 `json:"velocity"`
	// Tempo is the pattern tempo in beats per minute.
	Tempo float64 `json:"tempo"`
	// Palette names the color palette producers render with.
	Palette string `json:"palette"`
}

// NewPatternState creates an empty steps x pitches pattern at 120 BPM.
func NewPatternState(steps, pitches int) *PatternState {
	velocity := make([][]uint8, steps)
	for i := range velocity {
		velocity[i] = make([]uint8, pitches)
	}
	return &PatternState{
		Steps:    steps,
		Pitches:  pitches,
		Velocity: velocity,
		Tempo:    120,
		Palette:  "aurora",
	}
}

// Clone returns a deep copy.
func (p *PatternState) Clone() *PatternState {
	cp := *p
	cp.Velocity = make([][]uint8, len(p.Velocity))
	for i, row := range p.Velocity {
		cp.Velocity[i] = append([]uint8(nil), row...)
	}
	return &cp
}

// Apply mutates the pattern with one op. Out-of-bounds references and
// unknown kinds return an error and leave the state untouched.
func (p *PatternState) Apply(op PatternOp) error {
	switch op.Kind {
	case OpSetStep, OpClearStep:
		if op.Step < 0 || op.Step >= p.Steps {
			return fmt.Errorf("step %d out of bounds [0,%d)", op.Step, p.Steps)
		}
		if op.Pitch < 0 || op.Pitch >= p.Pitches {
			return fmt.Errorf("pitch %d out of bounds [0,%d)", op.Pitch, p.Pitches)
		}
		if op.Kind == OpClearStep {
			p.Velocity[op.Step][op.Pitch] = 0
		} else {
			p.Velocity[op.Step][op.Pitch] = op.Velocity
		}
		return nil
	case OpSetTempo:
		if op.Tempo <= 0 {
			return fmt.Errorf("tempo %v must be positive", op.Tempo)
		}
		p.Tempo = op.Tempo
		return nil
	case OpSetPalette:
		if op.Palette == "" {
			return fmt.Errorf("palette name must not be empty")
		}
		p.Palette = op.Palette
		return nil
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// Equal reports whether two patterns hold identical content.
func (p *PatternState) Equal(other *PatternState) bool {
	if p.Steps != other.Steps || p.Pitches != other.Pitches || p.Tempo != other.Tempo || p.Palette != other.Palette {
		return false
	}
	for i := range p.Velocity {
		for j := range p.Velocity[i] {
			if p.Velocity[i][j] != other.Velocity[i][j] {
				return false
			}
		}
	}
	return true
}
