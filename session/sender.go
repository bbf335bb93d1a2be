package session

import (
	"context"
	"sync"
	"time"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/logging"
)

const (
	// DefaultCoalesceWindow is how long a sender holds a delta open for
	// follow-up ops before publishing.
	DefaultCoalesceWindow = 30 * time.Millisecond
	// DefaultMaxPerSecond caps how many deltas a sender publishes per
	// second, regardless of mutation rate.
	DefaultMaxPerSecond = 20
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	// CoalesceWindow is the hold time for merging a burst of local ops
	// into one delta.
	CoalesceWindow time.Duration

	// MaxPerSecond is the publish rate cap.
	MaxPerSecond int

	// Logger receives publish failures.
	Logger logging.Logger
}

// WithCoalesceWindow sets the merge window for local op bursts.
func WithCoalesceWindow(d time.Duration) func(*SenderOptions) {
	return func(o *SenderOptions) {
		if d > 0 {
			o.CoalesceWindow = d
		}
	}
}

// WithMaxPerSecond sets the publish rate cap.
func WithMaxPerSecond(n int) func(*SenderOptions) {
	return func(o *SenderOptions) {
		if n > 0 {
			o.MaxPerSecond = n
		}
	}
}

// WithSenderLogger sets the sender's logger.
func WithSenderLogger(l logging.Logger) func(*SenderOptions) {
	return func(o *SenderOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

type pendingDelta struct {
	base uint64
	ops  []PatternOp
}

// Sender publishes local deltas onto a channel, coalescing bursts of ops
// into single deltas and pacing publishes under a rate cap. A knob swept
// across thirty values still reaches peers as a handful of deltas.
//
// Merging is only syntactic: a delta whose base continues the queued ops
// extends them, anything else is queued as its own delta. Receivers order
// by base, so queued deltas may publish in any order.
type Sender struct {
	session core.SessionID
	origin  string
	ch      Channel
	logger  logging.Logger

	window time.Duration
	minGap time.Duration

	mu          sync.Mutex
	queue       []pendingDelta
	timer       *time.Timer
	nextAllowed time.Time
	closed      bool
}

// NewSender creates a sender for one session. The origin tag is stamped on
// every published delta so the sender's own replica can ignore echoes.
func NewSender(session core.SessionID, origin string, ch Channel, optFns ...func(*SenderOptions)) *Sender {
	opts := SenderOptions{
		CoalesceWindow: DefaultCoalesceWindow,
		MaxPerSecond:   DefaultMaxPerSecond,
		Logger:         logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Sender{
		session: session,
		origin:  origin,
		ch:      ch,
		logger:  opts.Logger,
		window:  opts.CoalesceWindow,
		minGap:  time.Second / time.Duration(opts.MaxPerSecond),
	}
}

// Enqueue adds a local delta to the outgoing queue. Contiguous deltas merge
// into the one already queued; the first op in an empty queue arms the
// coalescing timer.
func (s *Sender) Enqueue(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if n := len(s.queue); n > 0 {
		last := &s.queue[n-1]
		if d.Base == last.base+uint64(len(last.ops)) {
			last.ops = append(last.ops, d.Ops...)
			return
		}
	}
	s.queue = append(s.queue, pendingDelta{base: d.Base, ops: append([]PatternOp(nil), d.Ops...)})
	if len(s.queue) == 1 {
		s.scheduleLocked(s.window)
	}
}

// Pending returns how many deltas wait in the queue.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close flushes anything queued and stops the sender. Further enqueues are
// dropped.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	remaining := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, p := range remaining {
		s.publish(p)
	}
}

func (s *Sender) scheduleLocked(min time.Duration) {
	delay := min
	if until := time.Until(s.nextAllowed); until > delay {
		delay = until
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(delay, s.fire)
	} else {
		s.timer.Reset(delay)
	}
}

// fire publishes the oldest queued delta. One delta per firing keeps the
// rate cap honest; anything still queued reschedules at the pacing gap.
func (s *Sender) fire() {
	s.mu.Lock()
	if s.closed || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if wait := s.nextAllowed.Sub(now); wait > 0 {
		s.timer.Reset(wait)
		s.mu.Unlock()
		return
	}
	head := s.queue[0]
	s.queue = append(s.queue[:0], s.queue[1:]...)
	s.nextAllowed = now.Add(s.minGap)
	if len(s.queue) > 0 {
		s.timer.Reset(s.minGap)
	}
	s.mu.Unlock()

	s.publish(head)
}

func (s *Sender) publish(p pendingDelta) {
	d := Delta{
		Session: s.session,
		Base:    p.base,
		Ops:     p.ops,
		Origin:  s.origin,
		SentAt:  time.Now(),
	}
	if err := s.ch.Publish(context.Background(), Envelope{Kind: KindDelta, Delta: &d}); err != nil {
		s.logger.Warn("Delta publish failed",
			"session", s.session,
			"base", d.Base,
			"ops", len(d.Ops),
			"error", err)
	}
}
