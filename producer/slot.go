package producer

import (
	"sync"

	"github.com/audiolux/lumen/core"
)

// frameSlot holds the latest published frame for one producer. It is a
// single value mailbox: a new frame overwrites the previous one and a frame
// that was never read before being replaced is counted as dropped, not
// queued. The compositor reads whatever is current at tick time.
type frameSlot struct {
	mu             sync.Mutex
	frame          core.Frame
	hasFrame       bool
	readSinceStore bool

	published   uint64
	overwritten uint64
	seqRejected uint64
}

// store accepts a frame when its sequence number advances past the current
// one. Stale or duplicate sequence numbers are rejected so that reordered
// publishes can never roll a producer's output backwards.
func (s *frameSlot) store(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasFrame && f.Seq <= s.frame.Seq {
		s.seqRejected++
		return ErrSeqRegression
	}
	if s.hasFrame && !s.readSinceStore {
		s.overwritten++
	}
	s.frame = f
	s.hasFrame = true
	s.readSinceStore = false
	s.published++
	return nil
}

// latest returns the current frame without consuming it. Frames are
// immutable once published, so the caller may keep the returned value across
// the tick without copying.
func (s *frameSlot) latest() (core.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasFrame {
		return core.Frame{}, false
	}
	s.readSinceStore = true
	return s.frame, true
}

// stats returns a snapshot of the slot's counters.
func (s *frameSlot) stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SlotStats{
		Published:   s.published,
		Overwritten: s.overwritten,
		SeqRejected: s.seqRejected,
		HasFrame:    s.hasFrame,
		LatestSeq:   s.frame.Seq,
	}
}

// SlotStats is a point-in-time snapshot of one producer's publish counters.
type SlotStats struct {
	// Published counts frames accepted into the slot.
	Published uint64 `json:"published"`
	// Overwritten counts accepted frames that were replaced before the
	// compositor read them. Overwrites are expected whenever a producer
	// renders faster than the tick rate.
	Overwritten uint64 `json:"overwritten"`
	// SeqRejected counts frames dropped for a non-advancing sequence number.
	SeqRejected uint64 `json:"seq_rejected"`
	// HasFrame reports whether the slot currently holds a frame.
	HasFrame bool `json:"has_frame"`
	// LatestSeq is the sequence number of the held frame, if any.
	LatestSeq uint64 `json:"latest_seq"`
}
