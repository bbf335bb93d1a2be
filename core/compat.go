package core

import (
	"fmt"
	"sync"
)

// Policy classifies how two visualization modes may share a device.
type Policy uint8

const (
	// PolicyIncompatible forbids co-location. This is also the verdict for
	// every pair that was never declared: unknown combinations are refused,
	// never guessed.
	PolicyIncompatible Policy = iota
	// PolicyExclusive allows either mode on the device but never both at
	// once; routing resolves the conflict through eviction.
	PolicyExclusive
	// PolicyOverlay allows both modes simultaneously, combined with the
	// pair's declared blend operator.
	PolicyOverlay
)

// String returns the policy's configuration name.
func (p Policy) String() string {
	switch p {
	case PolicyExclusive:
		return "exclusive"
	case PolicyOverlay:
		return "overlay"
	default:
		return "incompatible"
	}
}

// ParsePolicy maps a configuration name to its policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "incompatible":
		return PolicyIncompatible, nil
	case "exclusive":
		return PolicyExclusive, nil
	case "overlay":
		return PolicyOverlay, nil
	default:
		return 0, fmt.Errorf("unknown compatibility policy %q", name)
	}
}

// CompatibilityEntry is the declared relationship of one unordered mode pair.
type CompatibilityEntry struct {
	// Policy classifies the pair.
	Policy Policy
	// Op is the blend operator used when Policy is PolicyOverlay. Declaring
	// an overlay pair without an operator defaults it to BlendScreen.
	Op BlendOp
}

// pairKey is an unordered mode pair in canonical order.
type pairKey struct {
	lo, hi ModeID
}

func makePairKey(a, b ModeID) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// CompatibilityMatrix records, per unordered mode pair, whether the two modes
// may share a device and how. Lookups are symmetric by construction and any
// pair that was never declared classifies as PolicyIncompatible. A mode is
// not overlay-compatible with itself unless the self pair is declared.
type CompatibilityMatrix struct {
	mu      sync.RWMutex
	entries map[pairKey]CompatibilityEntry
}

// NewCompatibilityMatrix returns an empty matrix.
func NewCompatibilityMatrix() *CompatibilityMatrix {
	return &CompatibilityMatrix{entries: make(map[pairKey]CompatibilityEntry)}
}

// Declare records the relationship of the unordered pair (a, b), replacing
// any previous declaration. Overlay declarations with an invalid operator
// default to BlendScreen.
func (m *CompatibilityMatrix) Declare(a, b ModeID, entry CompatibilityEntry) {
	if entry.Policy == PolicyOverlay && !entry.Op.Valid() {
		entry.Op = BlendScreen
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[makePairKey(a, b)] = entry
}

// Classify returns the policy for the unordered pair (a, b). Unknown pairs
// return PolicyIncompatible.
func (m *CompatibilityMatrix) Classify(a, b ModeID) Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[makePairKey(a, b)].Policy
}

// OpFor returns the blend operator declared for the pair. The second return
// is false unless the pair is a declared overlay.
func (m *CompatibilityMatrix) OpFor(a, b ModeID) (BlendOp, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[makePairKey(a, b)]
	if !ok || entry.Policy != PolicyOverlay {
		return 0, false
	}
	return entry.Op, true
}

// Pairs returns a copy of every declared pair. Intended for status surfaces
// and diagnostics, not for routing decisions.
func (m *CompatibilityMatrix) Pairs() map[[2]ModeID]CompatibilityEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[[2]ModeID]CompatibilityEntry, len(m.entries))
	for k, v := range m.entries {
		out[[2]ModeID{k.lo, k.hi}] = v
	}
	return out
}

// DefaultMatrix returns the matrix shipped with the built-in modes: the two
// dense content modes are exclusive against each other, each overlay mode
// screens over both content modes, and the two overlay modes may stack with
// additive ripple energy.
func DefaultMatrix() *CompatibilityMatrix {
	m := NewCompatibilityMatrix()
	m.Declare(ModeStepGrid, ModeKeySpan, CompatibilityEntry{Policy: PolicyExclusive})
	m.Declare(ModeStepGrid, ModeAmplitudeRipple, CompatibilityEntry{Policy: PolicyOverlay, Op: BlendScreen})
	m.Declare(ModeKeySpan, ModeAmplitudeRipple, CompatibilityEntry{Policy: PolicyOverlay, Op: BlendScreen})
	m.Declare(ModeStepGrid, ModePaletteWash, CompatibilityEntry{Policy: PolicyOverlay, Op: BlendMultiply})
	m.Declare(ModeKeySpan, ModePaletteWash, CompatibilityEntry{Policy: PolicyOverlay, Op: BlendMultiply})
	m.Declare(ModeAmplitudeRipple, ModePaletteWash, CompatibilityEntry{Policy: PolicyOverlay, Op: BlendAdditive})
	m.Declare(ModeAmplitudeRipple, ModeAmplitudeRipple, CompatibilityEntry{Policy: PolicyOverlay, Op: BlendAdditive})
	return m
}
