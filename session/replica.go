package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audiolux/lumen/core"
)

// ApplyResult classifies what a replica did with a remote delta.
type ApplyResult uint8

const (
	// ResultApplied means the delta matched the replica's version and was
	// applied, possibly unblocking buffered successors.
	ResultApplied ApplyResult = iota
	// ResultBuffered means the delta is ahead of the replica and waits for
	// the gap to fill.
	ResultBuffered
	// ResultStale means the delta's base is older than the replica. Stale
	// deltas are discarded; duplicate delivery lands here.
	ResultStale
	// ResultRejected means the delta matched the version but an op failed
	// validation. The state is untouched and a resync is warranted.
	ResultRejected
)

// String returns the result's name for logs.
func (r ApplyResult) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultBuffered:
		return "buffered"
	case ResultStale:
		return "stale"
	case ResultRejected:
		return "rejected"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// SnapshotResult classifies what a replica did with a reconciliation
// snapshot.
type SnapshotResult uint8

const (
	// SnapshotReplaced means the snapshot was newer and replaced the state.
	SnapshotReplaced SnapshotResult = iota
	// SnapshotNoop means the snapshot matched the current version exactly;
	// applying it again changes nothing.
	SnapshotNoop
	// SnapshotStale means the snapshot is older than the replica and was
	// discarded.
	SnapshotStale
)

type bufferedDelta struct {
	delta     Delta
	arrivedAt time.Time
}

// ReplicaOptions configures a Replica.
type ReplicaOptions struct {
	// Version seeds the version counter, for resuming a session from a
	// saved state rather than starting at zero.
	Version uint64
}

// WithVersion seeds the replica's version counter.
func WithVersion(v uint64) func(*ReplicaOptions) {
	return func(o *ReplicaOptions) { o.Version = v }
}

// Replica is one participant's copy of a session's pattern. All methods are
// safe for concurrent use; mutations serialize on an internal mutex and the
// version counter advances by exactly one per applied op, so two replicas at
// the same version hold identical state.
type Replica struct {
	id core.SessionID

	mu       sync.Mutex
	state    *PatternState
	version  uint64
	buffered []bufferedDelta

	onChange func()
}

// NewReplica creates a replica over an initial pattern.
func NewReplica(id core.SessionID, initial *PatternState, optFns ...func(*ReplicaOptions)) *Replica {
	var opts ReplicaOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if initial == nil {
		initial = NewPatternState(DefaultSteps, DefaultPitches)
	}
	return &Replica{id: id, state: initial.Clone(), version: opts.Version}
}

// ID returns the session ID.
func (r *Replica) ID() core.SessionID { return r.id }

// Version returns the current version counter.
func (r *Replica) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Snapshot returns a deep copy of the state with its version. Frame
// producers render from this copy so a concurrent delta can never tear a
// frame.
func (r *Replica) Snapshot() (*PatternState, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone(), r.version
}

// MakeSnapshot builds a reconciliation payload for peers.
func (r *Replica) MakeSnapshot(origin string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Session: r.id, Version: r.version, State: *r.state.Clone(), Origin: origin}
}

// SetOnChange installs the hook fired after every state change. The hook
// runs outside the replica lock.
func (r *Replica) SetOnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// ApplyLocal validates and applies local ops, advancing the version by one
// per op, and returns the delta describing them for transmission. The ops
// apply atomically: if any fails, nothing is changed.
func (r *Replica) ApplyLocal(ops ...PatternOp) (Delta, error) {
	if len(ops) == 0 {
		return Delta{}, fmt.Errorf("session %s: empty local mutation", r.id)
	}

	r.mu.Lock()
	next := r.state.Clone()
	for _, op := range ops {
		if err := next.Apply(op); err != nil {
			r.mu.Unlock()
			return Delta{}, fmt.Errorf("session %s: %w", r.id, err)
		}
	}
	base := r.version
	r.state = next
	r.version += uint64(len(ops))
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return Delta{Session: r.id, Base: base, Ops: ops}, nil
}

// ApplyRemote offers a remote delta to the replica. A delta applies only
// when its base equals the current version; a delta from the future is
// buffered, an old one discards as stale and an invalid op rejects the
// whole delta without touching state. Applying a delta drains any buffered
// successors that now match.
func (r *Replica) ApplyRemote(d Delta, now time.Time) ApplyResult {
	r.mu.Lock()

	switch {
	case d.Base < r.version:
		r.mu.Unlock()
		return ResultStale
	case d.Base > r.version:
		r.insertBufferedLocked(d, now)
		r.mu.Unlock()
		return ResultBuffered
	}

	next := r.state.Clone()
	for _, op := range d.Ops {
		if err := next.Apply(op); err != nil {
			r.mu.Unlock()
			return ResultRejected
		}
	}
	r.state = next
	r.version += uint64(len(d.Ops))
	r.drainBufferedLocked()
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ResultApplied
}

// ApplySnapshot reconciles the replica against a full snapshot. Snapshots
// only roll the replica forward; an equal version is a no-op and an older
// one is discarded, which makes redelivered snapshots harmless.
func (r *Replica) ApplySnapshot(s Snapshot) SnapshotResult {
	r.mu.Lock()

	switch {
	case s.Version < r.version:
		r.mu.Unlock()
		return SnapshotStale
	case s.Version == r.version:
		r.mu.Unlock()
		return SnapshotNoop
	}

	r.state = s.State.Clone()
	r.version = s.Version
	r.drainBufferedLocked()
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return SnapshotReplaced
}

// BufferedCount returns how many deltas wait for a gap to fill.
func (r *Replica) BufferedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffered)
}

// OldestBuffered returns the arrival time of the oldest waiting delta.
func (r *Replica) OldestBuffered() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffered) == 0 {
		return time.Time{}, false
	}
	oldest := r.buffered[0].arrivedAt
	for _, b := range r.buffered[1:] {
		if b.arrivedAt.Before(oldest) {
			oldest = b.arrivedAt
		}
	}
	return oldest, true
}

// insertBufferedLocked stores an out-of-order delta sorted by base. A
// duplicate of an already buffered base is dropped.
func (r *Replica) insertBufferedLocked(d Delta, now time.Time) {
	for _, b := range r.buffered {
		if b.delta.Base == d.Base {
			return
		}
	}
	r.buffered = append(r.buffered, bufferedDelta{delta: d, arrivedAt: now})
	sort.Slice(r.buffered, func(i, j int) bool { return r.buffered[i].delta.Base < r.buffered[j].delta.Base })
}

// drainBufferedLocked applies buffered deltas that now chain onto the
// version, discarding ones the version has passed. A buffered delta that
// fails validation is dropped; the gap it leaves triggers a resync through
// the usual path.
func (r *Replica) drainBufferedLocked() {
	for {
		advanced := false
		kept := r.buffered[:0]
		for _, b := range r.buffered {
			switch {
			case b.delta.Base < r.version:
				// Superseded while waiting.
			case b.delta.Base == r.version:
				next := r.state.Clone()
				ok := true
				for _, op := range b.delta.Ops {
					if err := next.Apply(op); err != nil {
						ok = false
						break
					}
				}
				if ok {
					r.state = next
					r.version += uint64(len(b.delta.Ops))
					advanced = true
				}
			default:
				kept = append(kept, b)
			}
		}
		r.buffered = kept
		if !advanced {
			return
		}
	}
}
