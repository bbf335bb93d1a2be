// Package core provides the foundational domain types used by Lumen. It
// defines the core abstractions for:
//
//   - Frames and Pixels (immutable per-tick visual payloads)
//   - Geometries (linear strips and grids of addressable pixels)
//   - Visualization modes and the compatibility matrix between them
//   - Blend operators (the closed set of per-pixel combination rules)
//   - Devices, producers and routing assignments
//   - Conditions (the recoverable status taxonomy surfaced by the engine)
//
// The package intentionally keeps implementation concerns (routing policy,
// compositing cadence, replication transports) out of scope, exposing plain
// data types and small pure functions so that every higher-level package can
// share one vocabulary. All exported identifiers include concise
// documentation to aid discoverability and external consumption.
package core
