// Package engine implements the core orchestration layer for Lumen.
//
// The Engine wires the full rendering pipeline and keeps it converged as
// producers, devices and sessions come and go. It bridges the gap between
// frame-producing visualizations and the physical device fleet, providing
// the coordination that no single stage owns.
//
// # Core Responsibilities
//
// Producer Management:
//   - Registration, activity, priority and pinning through the registry
//   - Latest-frame intake with overwrite semantics, never queues
//
// Routing:
//   - Debounced recomputation when producers or devices churn
//   - Deterministic assignment via the pin, activity, priority,
//     registration rule chain
//   - Edge-triggered conditions for unroutable producers and
//     incompatible pairs
//
// Compositing:
//   - Fixed-cadence ticking with exactly one frame per device per tick
//   - Stall cutoff so a frozen producer drops out of the blend
//   - Failure isolation per device through the sink
//
// Sessions:
//   - Optional delta-synchronized shared pattern state
//   - Session conditions surfaced on the same stream as pipeline ones
//
// # Condition Stream
//
// Everything that degrades without stopping the show flows through one
// buffered stream: unroutable producers, stalls, incompatible contests,
// rejected deltas, resyncs, device failures and recoveries, journal
// trouble. The stream drops its oldest entry under pressure; conditions
// are advisory, not a ledger.
//
// # Typical Usage
//
//	eng, err := engine.New(driver,
//	    engine.WithLogger(logger),
//	    engine.WithSessionManager(sessions))
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	handle, err := eng.RegisterProducer("piano", core.ModeKeySpan)
//	if err != nil {
//	    return err
//	}
//	handle.Publish(frame)
package engine
