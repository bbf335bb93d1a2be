// Package httpapi exposes the engine's standing state, session snapshots,
// producer controls, and Prometheus metrics over HTTP. The surface is
// read-mostly: the only mutation is toggling a producer's active flag,
// everything else observes the pipeline without touching it.
package httpapi
