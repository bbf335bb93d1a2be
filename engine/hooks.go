package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/audiolux/lumen/compositor"
	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/routing"
)

// HookType defines the lifecycle points where hooks can be executed.
//
// Hooks provide a mechanism for observing the engine's pipeline without
// modifying core logic. Each type represents a specific point where custom
// logic can be injected:
//
//   - BeforeRoute/AfterRoute: around each routing pass
//   - AfterTick: after each compositor tick
//   - OnCondition: when a condition is reported
//
// Hooks execute synchronously on engine goroutines and must return
// promptly.
type HookType string

const (
	// HookBeforeRoute is triggered before a routing pass computes a new
	// assignment. Use for instrumentation or capturing the trigger.
	HookBeforeRoute HookType = "before_route"

	// HookAfterRoute is triggered after a routing pass was applied to the
	// compositor. The context carries the full routing result.
	HookAfterRoute HookType = "after_route"

	// HookAfterTick is triggered after every compositor tick. The context
	// carries the tick report. This is the metrics feed.
	HookAfterTick HookType = "after_tick"

	// HookOnCondition is triggered for every condition the engine
	// surfaces, in addition to the Conditions stream.
	HookOnCondition HookType = "on_condition"
)

// HookContext carries the data relevant to one hook execution. Only the
// fields matching the hook type are set.
type HookContext struct {
	// Type indicates which lifecycle point triggered this execution.
	Type HookType

	// RouteResult is the outcome of a routing pass. Set for AfterRoute.
	RouteResult *routing.Result

	// TickReport is the outcome of a compositor tick. Set for AfterTick.
	TickReport *compositor.TickReport

	// Condition is the reported condition. Set for OnCondition.
	Condition *core.Condition

	// At is when the lifecycle point was reached.
	At time.Time
}

// Hook is a function executed at a lifecycle point.
type Hook func(hctx HookContext)

// Hooks is a registry of lifecycle hooks, safe for concurrent use. Hooks
// for the same type run in registration order.
type Hooks struct {
	mu    sync.RWMutex
	hooks map[HookType][]Hook
}

// NewHooks constructs an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{hooks: make(map[HookType][]Hook)}
}

// Register adds a hook for a lifecycle point.
func (h *Hooks) Register(t HookType, fn Hook) error {
	switch t {
	case HookBeforeRoute, HookAfterRoute, HookAfterTick, HookOnCondition:
	default:
		return fmt.Errorf("unknown hook type %q", t)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[t] = append(h.hooks[t], fn)
	return nil
}

// run executes the hooks registered for a lifecycle point.
func (h *Hooks) run(hctx HookContext) {
	h.mu.RLock()
	fns := h.hooks[hctx.Type]
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(hctx)
	}
}
