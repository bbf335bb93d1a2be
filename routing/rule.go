// Package routing decides which producers render to which devices.
//
// A routing pass is a pure function of its inputs: a roster snapshot, a
// device snapshot, the compatibility matrix and the ordered rule chain. The
// router never reads ambient state, so the same inputs always yield the same
// assignment. Contested devices are resolved through the rule chain; losers
// are re-offered to the remaining devices and end up unrouted only when
// nothing admissible is left.
package routing

import "github.com/audiolux/lumen/core"

// RuleContext carries the device under contest so rules can express
// device-relative preferences.
type RuleContext struct {
	// Device is the contested device.
	Device core.DeviceID
}

// Rule expresses one ordered preference between two producers contesting a
// placement. Compare returns a positive value when a is preferred, a negative
// value when b is preferred and zero when the rule has no opinion, in which
// case the next rule in the chain decides.
type Rule interface {
	// Name returns the rule's identifier.
	Name() string
	// Compare ranks two producers for the contested device.
	Compare(ctx RuleContext, a, b core.ProducerDescriptor) int
}

// PinRule prefers the producer the user explicitly pinned to the contested
// device. User intent dominates every automatic preference.
type PinRule struct{}

// NewPinRule creates a new pin rule.
func NewPinRule() *PinRule { return &PinRule{} }

// Name returns the rule's identifier.
func (r *PinRule) Name() string { return "pin" }

// Compare prefers whichever producer is pinned to the contested device.
func (r *PinRule) Compare(ctx RuleContext, a, b core.ProducerDescriptor) int {
	aPinned := a.Pinned != "" && a.Pinned == ctx.Device
	bPinned := b.Pinned != "" && b.Pinned == ctx.Device
	switch {
	case aPinned && !bPinned:
		return 1
	case bPinned && !aPinned:
		return -1
	default:
		return 0
	}
}

// ActiveRule prefers producers that are currently animating over idle ones.
type ActiveRule struct{}

// NewActiveRule creates a new active rule.
func NewActiveRule() *ActiveRule { return &ActiveRule{} }

// Name returns the rule's identifier.
func (r *ActiveRule) Name() string { return "active" }

// Compare prefers the active producer.
func (r *ActiveRule) Compare(_ RuleContext, a, b core.ProducerDescriptor) int {
	switch {
	case a.Active && !b.Active:
		return 1
	case b.Active && !a.Active:
		return -1
	default:
		return 0
	}
}

// PriorityRule prefers the producer with the higher declared priority.
type PriorityRule struct{}

// NewPriorityRule creates a new priority rule.
func NewPriorityRule() *PriorityRule { return &PriorityRule{} }

// Name returns the rule's identifier.
func (r *PriorityRule) Name() string { return "priority" }

// Compare prefers the higher priority.
func (r *PriorityRule) Compare(_ RuleContext, a, b core.ProducerDescriptor) int {
	switch {
	case a.Priority > b.Priority:
		return 1
	case b.Priority > a.Priority:
		return -1
	default:
		return 0
	}
}

// OrdinalRule prefers the earlier registration. It never returns zero for
// distinct producers, which makes any chain ending in it a total order and
// keeps routing deterministic.
type OrdinalRule struct{}

// NewOrdinalRule creates a new ordinal rule.
func NewOrdinalRule() *OrdinalRule { return &OrdinalRule{} }

// Name returns the rule's identifier.
func (r *OrdinalRule) Name() string { return "ordinal" }

// Compare prefers the earlier registered producer.
func (r *OrdinalRule) Compare(_ RuleContext, a, b core.ProducerDescriptor) int {
	switch {
	case a.Ordinal < b.Ordinal:
		return 1
	case b.Ordinal < a.Ordinal:
		return -1
	default:
		return 0
	}
}

// DefaultRules returns the built-in chain: user pins, then activity, then
// declared priority, then registration order.
func DefaultRules() []Rule {
	return []Rule{NewPinRule(), NewActiveRule(), NewPriorityRule(), NewOrdinalRule()}
}

// compareChain evaluates the chain in order and returns the first non-zero
// verdict.
func compareChain(rules []Rule, ctx RuleContext, a, b core.ProducerDescriptor) int {
	for _, rule := range rules {
		if v := rule.Compare(ctx, a, b); v != 0 {
			return v
		}
	}
	return 0
}
