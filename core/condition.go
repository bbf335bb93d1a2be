package core

import (
	"fmt"
	"time"
)

// SessionID uniquely identifies a collaborative session whose state is
// replicated between participants.
type SessionID string

// ConditionKind names one of the recoverable degradation states the engine
// can report. None of these are fatal: each names the degraded capability and
// clears when the underlying cause does.
type ConditionKind string

const (
	// ConditionUnrouted reports a producer no device could host.
	ConditionUnrouted ConditionKind = "unrouted"
	// ConditionStalled reports a producer whose latest frame exceeded the
	// stall timeout and was dropped from composition.
	ConditionStalled ConditionKind = "stalled"
	// ConditionIncompatiblePair reports two producers whose modes cannot
	// legally share any placement the router attempted.
	ConditionIncompatiblePair ConditionKind = "incompatible-pair"
	// ConditionDeltaRejected reports a state delta that did not apply
	// cleanly to the local replica.
	ConditionDeltaRejected ConditionKind = "delta-rejected"
	// ConditionResyncRequested reports that a replica gave up on buffered
	// deltas and asked its peer for a full snapshot.
	ConditionResyncRequested ConditionKind = "resync-requested"
	// ConditionDriverFailure reports a device driver send failure. Other
	// devices are unaffected.
	ConditionDriverFailure ConditionKind = "driver-failure"
	// ConditionDriverRecovered reports a previously failed device accepting
	// frames again.
	ConditionDriverRecovered ConditionKind = "driver-recovered"
	// ConditionJournalDegraded reports the session journal failing to
	// record; synchronization itself is unaffected.
	ConditionJournalDegraded ConditionKind = "journal-degraded"
)

// Condition is one observable status event. Fields other than Kind, Detail
// and At are set only when they apply.
type Condition struct {
	Kind     ConditionKind `json:"kind"`
	Producer ProducerID    `json:"producer,omitempty"`
	Device   DeviceID      `json:"device,omitempty"`
	Session  SessionID     `json:"session,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	At       time.Time     `json:"at"`
}

// String renders the condition for logs.
func (c Condition) String() string {
	s := string(c.Kind)
	if c.Producer != "" {
		s += fmt.Sprintf(" producer=%s", c.Producer)
	}
	if c.Device != "" {
		s += fmt.Sprintf(" device=%s", c.Device)
	}
	if c.Session != "" {
		s += fmt.Sprintf(" session=%s", c.Session)
	}
	if c.Detail != "" {
		s += fmt.Sprintf(" (%s)", c.Detail)
	}
	return s
}
