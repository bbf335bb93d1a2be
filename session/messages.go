package session

import (
	"context"
	"fmt"
	"time"

	"github.com/audiolux/lumen/core"
)

// Delta carries a batch of pattern ops from one participant to its peers.
// It applies only to a replica whose version equals Base; after application
// the replica's version is Base plus the number of ops.
type Delta struct {
	Session core.SessionID `json:"session"`
	Base    uint64         `json:"base"`
	Ops     []PatternOp    `json:"ops"`
	Origin  string         `json:"origin"`
	SentAt  time.Time      `json:"sent_at"`
}

// Snapshot is a full reconciliation payload: the complete pattern at a
// specific version. Applying the same snapshot twice is a no-op.
type Snapshot struct {
	Session core.SessionID `json:"session"`
	Version uint64         `json:"version"`
	State   PatternState   `json:"state"`
	Origin  string         `json:"origin"`
}

// ResyncRequest asks peers for a snapshot newer than the requester's
// version.
type ResyncRequest struct {
	Session core.SessionID `json:"session"`
	Have    uint64         `json:"have"`
	Origin  string         `json:"origin"`
}

// EnvelopeKind discriminates the wire message variants.
type EnvelopeKind string

const (
	// KindDelta carries a Delta.
	KindDelta EnvelopeKind = "delta"
	// KindSnapshot carries a Snapshot.
	KindSnapshot EnvelopeKind = "snapshot"
	// KindResync carries a ResyncRequest.
	KindResync EnvelopeKind = "resync"
)

// Envelope is the single wire message type exchanged over a Channel.
// Exactly one payload field is set, matching Kind.
type Envelope struct {
	Kind     EnvelopeKind   `json:"kind"`
	Delta    *Delta         `json:"delta,omitempty"`
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
	Resync   *ResyncRequest `json:"resync,omitempty"`
}

// Validate checks that the envelope carries exactly the payload its kind
// announces.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindDelta:
		if e.Delta == nil {
			return fmt.Errorf("delta envelope without delta payload")
		}
	case KindSnapshot:
		if e.Snapshot == nil {
			return fmt.Errorf("snapshot envelope without snapshot payload")
		}
	case KindResync:
		if e.Resync == nil {
			return fmt.Errorf("resync envelope without resync payload")
		}
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}

// SessionID returns the session the envelope belongs to.
func (e Envelope) SessionID() core.SessionID {
	switch e.Kind {
	case KindDelta:
		if e.Delta != nil {
			return e.Delta.Session
		}
	case KindSnapshot:
		if e.Snapshot != nil {
			return e.Snapshot.Session
		}
	case KindResync:
		if e.Resync != nil {
			return e.Resync.Session
		}
	}
	return ""
}

// Channel moves envelopes between session participants. Implementations may
// drop, duplicate, reorder and delay messages; the protocol tolerates all
// four. A channel is bound to one session.
type Channel interface {
	// Publish sends an envelope to the peers. It must not block beyond ctx.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns the stream of incoming envelopes. The channel is
	// closed when the transport shuts down.
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	// Close releases the channel.
	Close() error
}
