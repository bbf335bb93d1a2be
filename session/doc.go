// Package session implements delta-synchronized shared pattern state.
//
// Every participant in a session holds a Replica: a full copy of the
// pattern plus a version counter that advances by one per applied op.
// Local mutations apply immediately and travel to peers as deltas; a delta
// names the version it was built against, so a receiver applies it only
// when the versions line up, buffers it when it arrives early, and drops
// it when it arrives late. Gaps that outlive the wait window trigger a
// resync, answered by any peer with a newer version serving a full
// snapshot. Snapshots only roll replicas forward, which makes duplicate
// and reordered delivery harmless.
//
// The moving parts:
//
//   - Replica: versioned pattern state with buffering and reconciliation.
//   - Sender: coalesces bursts of local ops and paces publishes.
//   - Manager: joins sessions over a Transport and pumps envelopes
//     between channels and replicas.
//   - Store: persists pattern state between joins.
//
// The Channel and Transport interfaces are defined here and implemented
// by the transport package, so session logic stays independent of any
// particular wire.
package session
