package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/logging"
	"github.com/audiolux/lumen/session"
)

// ErrHubClosed is returned when opening a channel on a closed hub.
var ErrHubClosed = errors.New("transport: loopback hub closed")

// LoopbackOptions configures a LoopbackHub.
type LoopbackOptions struct {
	// DropRate is the probability in [0,1] that a delivery is lost.
	DropRate float64

	// DuplicateRate is the probability in [0,1] that a delivery arrives
	// twice.
	DuplicateRate float64

	// Delay is a fixed delivery latency.
	Delay time.Duration

	// Jitter adds up to this much random extra latency per delivery.
	// Nonzero jitter reorders messages.
	Jitter time.Duration

	// Seed seeds the fault dice so a test run is reproducible.
	Seed int64

	// BufferSize is each subscriber's envelope buffer. Deliveries beyond
	// it are dropped.
	BufferSize int

	// Logger receives dropped-delivery reports.
	Logger logging.Logger
}

// WithDropRate sets the delivery loss probability.
func WithDropRate(p float64) func(*LoopbackOptions) {
	return func(o *LoopbackOptions) { o.DropRate = p }
}

// WithDuplicateRate sets the duplicate delivery probability.
func WithDuplicateRate(p float64) func(*LoopbackOptions) {
	return func(o *LoopbackOptions) { o.DuplicateRate = p }
}

// WithDelay sets a fixed delivery latency.
func WithDelay(d time.Duration) func(*LoopbackOptions) {
	return func(o *LoopbackOptions) { o.Delay = d }
}

// WithJitter adds random extra latency, which reorders deliveries.
func WithJitter(d time.Duration) func(*LoopbackOptions) {
	return func(o *LoopbackOptions) { o.Jitter = d }
}

// WithSeed seeds the fault dice.
func WithSeed(seed int64) func(*LoopbackOptions) {
	return func(o *LoopbackOptions) { o.Seed = seed }
}

// WithBufferSize sets the per-subscriber envelope buffer.
func WithBufferSize(n int) func(*LoopbackOptions) {
	return func(o *LoopbackOptions) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// WithLoopbackLogger sets the hub's logger.
func WithLoopbackLogger(l logging.Logger) func(*LoopbackOptions) {
	return func(o *LoopbackOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// LoopbackHub routes envelopes between subscribers in the same process,
// broker-style: every subscriber of a session receives every publish on it,
// the publisher's own included. Configurable drop, duplication and latency
// faults make it double as the adversarial channel for protocol tests.
type LoopbackHub struct {
	dropRate float64
	dupRate  float64
	delay    time.Duration
	jitter   time.Duration
	bufSize  int
	logger   logging.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	subs   map[core.SessionID][]*loopbackChannel
	closed bool
}

// NewLoopbackHub constructs a hub with optional fault injection.
func NewLoopbackHub(optFns ...func(*LoopbackOptions)) *LoopbackHub {
	opts := LoopbackOptions{
		Seed:       time.Now().UnixNano(),
		BufferSize: 64,
		Logger:     logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &LoopbackHub{
		dropRate: opts.DropRate,
		dupRate:  opts.DuplicateRate,
		delay:    opts.Delay,
		jitter:   opts.Jitter,
		bufSize:  opts.BufferSize,
		logger:   opts.Logger,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		subs:     make(map[core.SessionID][]*loopbackChannel),
	}
}

// Open subscribes a new channel to a session.
func (h *LoopbackHub) Open(_ context.Context, id core.SessionID) (session.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	ch := &loopbackChannel{
		hub:    h,
		id:     id,
		events: make(chan session.Envelope, h.bufSize),
	}
	h.subs[id] = append(h.subs[id], ch)
	return ch, nil
}

// Close shuts the hub down, closing every open channel.
func (h *LoopbackHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for _, chans := range h.subs {
		for _, ch := range chans {
			ch.shutdown()
		}
	}
	h.subs = make(map[core.SessionID][]*loopbackChannel)
	return nil
}

// deliver fans one envelope out to a session's subscribers, rolling the
// fault dice per subscriber.
func (h *LoopbackHub) deliver(id core.SessionID, env session.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, ch := range h.subs[id] {
		if h.dropRate > 0 && h.rng.Float64() < h.dropRate {
			continue
		}
		copies := 1
		if h.dupRate > 0 && h.rng.Float64() < h.dupRate {
			copies = 2
		}
		for i := 0; i < copies; i++ {
			delay := h.delay
			if h.jitter > 0 {
				delay += time.Duration(h.rng.Int63n(int64(h.jitter)))
			}
			if delay <= 0 {
				ch.push(env)
				continue
			}
			target := ch
			time.AfterFunc(delay, func() { target.push(env) })
		}
	}
}

// remove unsubscribes a channel and closes its event stream.
func (h *LoopbackHub) remove(target *loopbackChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.subs[target.id]
	kept := chans[:0]
	for _, ch := range chans {
		if ch != target {
			kept = append(kept, ch)
		}
	}
	h.subs[target.id] = kept
	target.shutdown()
}

type loopbackChannel struct {
	hub    *LoopbackHub
	id     core.SessionID
	events chan session.Envelope

	mu     sync.Mutex
	closed bool
}

// Publish hands the envelope to the hub for fan-out.
func (c *loopbackChannel) Publish(_ context.Context, env session.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrHubClosed
	}
	c.hub.deliver(c.id, env)
	return nil
}

// Subscribe returns the channel's event stream.
func (c *loopbackChannel) Subscribe(context.Context) (<-chan session.Envelope, error) {
	return c.events, nil
}

// Close unsubscribes from the hub.
func (c *loopbackChannel) Close() error {
	c.hub.remove(c)
	return nil
}

// push delivers one envelope, dropping on backpressure or after close.
// Delayed deliveries race channel shutdown, so the closed check and the
// send share the channel lock.
func (c *loopbackChannel) push(env session.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.events <- env:
	default:
		c.hub.logger.Debug("Loopback delivery dropped on backpressure", "session", c.id)
	}
}

// shutdown marks the channel closed and releases its stream. Callers hold
// the hub lock.
func (c *loopbackChannel) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
