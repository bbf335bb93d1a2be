package routing

import (
	"fmt"
	"sort"

	"github.com/audiolux/lumen/core"
)

// IncompatiblePolicy selects how the router treats a producer whose mode can
// never share a device with an already placed occupant.
type IncompatiblePolicy uint8

const (
	// IncompatibleExclude skips the contested device, keeps looking for
	// another placement and records the pair as a standing warning. This is
	// the default: the session keeps running with the conflict visible.
	IncompatibleExclude IncompatiblePolicy = iota
	// IncompatibleRefuse rejects the later producer outright as soon as an
	// incompatible contest is found.
	IncompatibleRefuse
)

// String returns the policy's configuration name.
func (p IncompatiblePolicy) String() string {
	if p == IncompatibleRefuse {
		return "refuse"
	}
	return "exclude"
}

// ParseIncompatiblePolicy maps a configuration name to its policy.
func ParseIncompatiblePolicy(name string) (IncompatiblePolicy, error) {
	switch name {
	case "", "exclude":
		return IncompatibleExclude, nil
	case "refuse":
		return IncompatibleRefuse, nil
	default:
		return 0, fmt.Errorf("unknown incompatible policy %q", name)
	}
}

// Options configures a Router.
type Options struct {
	// Rules is the ordered preference chain. Defaults to DefaultRules.
	Rules []Rule
	// OnIncompatible selects the incompatible co-location policy.
	OnIncompatible IncompatiblePolicy
}

// Router computes device assignments from roster and device snapshots.
type Router struct {
	matrix         *core.CompatibilityMatrix
	modes          map[core.ModeID]core.ModeSpec
	rules          []Rule
	onIncompatible IncompatiblePolicy
}

// New creates a Router over a compatibility matrix and the mode specs it may
// encounter. The rule chain is appended with an ordinal tie-break if the
// configured chain does not already guarantee a total order.
func New(matrix *core.CompatibilityMatrix, specs []core.ModeSpec, optFns ...func(o *Options)) (*Router, error) {
	if matrix == nil {
		return nil, fmt.Errorf("routing: compatibility matrix is required")
	}

	opts := Options{Rules: DefaultRules()}
	for _, fn := range optFns {
		fn(&opts)
	}

	modes := make(map[core.ModeID]core.ModeSpec, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("routing: %w", err)
		}
		modes[spec.ID] = spec
	}

	rules := append([]Rule(nil), opts.Rules...)
	if len(rules) == 0 || rules[len(rules)-1].Name() != (&OrdinalRule{}).Name() {
		rules = append(rules, NewOrdinalRule())
	}

	return &Router{
		matrix:         matrix,
		modes:          modes,
		rules:          rules,
		onIncompatible: opts.OnIncompatible,
	}, nil
}

// WithRules replaces the preference chain.
func WithRules(rules ...Rule) func(o *Options) {
	return func(o *Options) { o.Rules = rules }
}

// WithIncompatiblePolicy selects the incompatible co-location policy.
func WithIncompatiblePolicy(p IncompatiblePolicy) func(o *Options) {
	return func(o *Options) { o.OnIncompatible = p }
}

// Result is the outcome of one routing pass.
type Result struct {
	// Assignment is the computed producer to device mapping.
	Assignment core.Assignment
	// IncompatiblePairs lists producer pairs that contested a device but may
	// never share one. Each pair is reported once, in canonical order.
	IncompatiblePairs [][2]core.ProducerID
	// UnknownModes lists producers whose declared mode has no registered
	// spec. They are also present in Assignment.Unrouted.
	UnknownModes []core.ProducerID
}

// Route computes an assignment for the given roster and device snapshots.
// The inputs are not mutated and the same inputs always produce the same
// result. Evicted producers are re-offered to the remaining devices before
// being declared unrouted.
func (r *Router) Route(roster []core.ProducerDescriptor, devices []core.DeviceDescriptor) Result {
	devs := append([]core.DeviceDescriptor(nil), devices...)
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })

	queue := append([]core.ProducerDescriptor(nil), roster...)
	sort.SliceStable(queue, func(i, j int) bool {
		return compareChain(r.rules, RuleContext{}, queue[i], queue[j]) > 0
	})

	placed := make(map[core.DeviceID][]core.ProducerDescriptor)
	var unrouted []core.ProducerID
	var unknown []core.ProducerID
	incompatible := make(map[[2]core.ProducerID]struct{})

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		spec, ok := r.modes[p.Mode]
		if !ok {
			unknown = append(unknown, p.ID)
			unrouted = append(unrouted, p.ID)
			continue
		}

		var best *candidate
		refused := false
		for _, d := range devs {
			if p.Pinned != "" && p.Pinned != d.ID {
				continue
			}
			fit := classifyFit(spec, d)
			if fit == fitReject {
				continue
			}

			cand, blocked, conflict := r.evaluate(p, d, fit, placed[d.ID])
			if conflict {
				recordPair(incompatible, p.ID, blockedByIncompatible(r.matrix, p, placed[d.ID]))
				if r.onIncompatible == IncompatibleRefuse {
					refused = true
					break
				}
			}
			if blocked {
				continue
			}
			if best == nil || betterCandidate(cand, *best) {
				c := cand
				best = &c
			}
		}

		if refused || best == nil {
			unrouted = append(unrouted, p.ID)
			continue
		}

		// Evicted occupants lose their slot and go back to the queue for
		// re-offer against the remaining devices.
		if len(best.evicted) > 0 {
			evictSet := make(map[core.ProducerID]struct{}, len(best.evicted))
			for _, id := range best.evicted {
				evictSet[id] = struct{}{}
			}
			kept := placed[best.device.ID][:0]
			for _, occ := range placed[best.device.ID] {
				if _, gone := evictSet[occ.ID]; gone {
					queue = append(queue, occ)
					continue
				}
				kept = append(kept, occ)
			}
			placed[best.device.ID] = kept
		}
		placed[best.device.ID] = append(placed[best.device.ID], p)
	}

	assignment := core.NewAssignment()
	for deviceID, occupants := range placed {
		if len(occupants) == 0 {
			continue
		}
		assignment.Devices[deviceID] = r.normalizeSlots(deviceID, occupants)
	}
	sort.Slice(unrouted, func(i, j int) bool { return unrouted[i] < unrouted[j] })
	assignment.Unrouted = unrouted

	result := Result{Assignment: assignment, UnknownModes: unknown}
	for pair := range incompatible {
		result.IncompatiblePairs = append(result.IncompatiblePairs, pair)
	}
	sort.Slice(result.IncompatiblePairs, func(i, j int) bool {
		if result.IncompatiblePairs[i][0] != result.IncompatiblePairs[j][0] {
			return result.IncompatiblePairs[i][0] < result.IncompatiblePairs[j][0]
		}
		return result.IncompatiblePairs[i][1] < result.IncompatiblePairs[j][1]
	})
	return result
}

// evaluate checks whether p can take a slot on device d given its current
// occupants. It returns the placement candidate, whether the device is
// blocked for p, and whether the block involved an incompatible pair.
func (r *Router) evaluate(p core.ProducerDescriptor, d core.DeviceDescriptor, fit fitClass, occupants []core.ProducerDescriptor) (candidate, bool, bool) {
	cand := candidate{device: d, fit: fit}
	ctx := RuleContext{Device: d.ID}

	for _, occ := range occupants {
		switch r.matrix.Classify(p.Mode, occ.Mode) {
		case core.PolicyOverlay:
			// Shareable; occupant keeps its slot.
		case core.PolicyExclusive:
			if compareChain(r.rules, ctx, p, occ) > 0 {
				cand.evicted = append(cand.evicted, occ.ID)
				continue
			}
			return candidate{}, true, false
		default:
			return candidate{}, true, true
		}
	}
	return cand, false, false
}

// normalizeSlots orders a device's occupants into deterministic slots: the
// base layer first, overlays after it. A mode that is not overlay eligible
// anchors the base layer even when it was placed after an eligible one.
func (r *Router) normalizeSlots(deviceID core.DeviceID, occupants []core.ProducerDescriptor) []core.Slot {
	ctx := RuleContext{Device: deviceID}
	ordered := append([]core.ProducerDescriptor(nil), occupants...)
	sort.SliceStable(ordered, func(i, j int) bool {
		iEligible := r.modes[ordered[i].Mode].OverlayEligible
		jEligible := r.modes[ordered[j].Mode].OverlayEligible
		if iEligible != jEligible {
			return !iEligible
		}
		return compareChain(r.rules, ctx, ordered[i], ordered[j]) > 0
	})

	slots := make([]core.Slot, len(ordered))
	for i, occ := range ordered {
		role := core.RoleOverlay
		if i == 0 {
			role = core.RolePrimary
		}
		slots[i] = core.Slot{Producer: occ.ID, Role: role}
	}
	return slots
}

// blockedByIncompatible returns the first occupant whose mode is
// incompatible with p's, for conflict reporting.
func blockedByIncompatible(matrix *core.CompatibilityMatrix, p core.ProducerDescriptor, occupants []core.ProducerDescriptor) core.ProducerID {
	for _, occ := range occupants {
		if matrix.Classify(p.Mode, occ.Mode) == core.PolicyIncompatible {
			return occ.ID
		}
	}
	return ""
}

func recordPair(set map[[2]core.ProducerID]struct{}, a, b core.ProducerID) {
	if a == "" || b == "" {
		return
	}
	if b < a {
		a, b = b, a
	}
	set[[2]core.ProducerID{a, b}] = struct{}{}
}
