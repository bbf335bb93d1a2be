// Package transport provides session channels: an in-process loopback hub
// with injectable faults for tests and single-process jams, and an MQTT
// binding for sessions spanning machines.
//
// Both implement session.Transport. The sync protocol tolerates dropped,
// duplicated, reordered and delayed envelopes, so channels here are
// deliberately lossy rather than reliable: the loopback hub drops on
// backpressure and the MQTT binding publishes at QoS 1 without waiting for
// perfection.
package transport
