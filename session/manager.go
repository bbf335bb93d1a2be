package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/logging"
)

var (
	// ErrNotJoined is returned when an operation names a session the
	// manager has not joined.
	ErrNotJoined = errors.New("session: not joined")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("session: manager closed")
)

// DefaultBufferWindow is how long a gap in the delta stream may stand
// before the manager requests a resync.
const DefaultBufferWindow = 250 * time.Millisecond

// Transport opens per-session channels. Implementations route a session's
// envelopes between every participant subscribed to it.
type Transport interface {
	Open(ctx context.Context, id core.SessionID) (Channel, error)
}

// Journal records the delta stream for later replay. Journal failures
// degrade durability, never liveness: the manager reports them as
// conditions and carries on.
type Journal interface {
	RecordDelta(d Delta) error
	RecordSnapshot(s Snapshot) error
}

// ManagerOptions holds dependency and configuration overrides passed to
// NewManager.
type ManagerOptions struct {
	// Store persists pattern state across joins.
	Store Store
	// Journal records the delta stream; nil disables journaling.
	Journal Journal
	// BufferWindow is how long an out-of-order delta may wait before the
	// manager requests a resync, and the cadence of repeat requests.
	BufferWindow time.Duration
	// CoalesceWindow is the sender's merge window for local op bursts.
	CoalesceWindow time.Duration
	// MaxPerSecond is the sender's publish rate cap.
	MaxPerSecond int
	// Origin tags everything this manager publishes so its own replicas
	// can ignore echoes. Defaults to a random ID.
	Origin string
	// OnCondition receives session conditions. Called from manager
	// goroutines; must not block.
	OnCondition func(core.Condition)
	// OnApply is invoked after every applied delta, local or remote,
	// with the replica's resulting version and the op count. Called from
	// manager goroutines; must not block.
	OnApply func(id core.SessionID, version uint64, ops int)
	// Logger receives manager logs.
	Logger logging.Logger
}

// WithStore sets the pattern state store.
func WithStore(s Store) func(*ManagerOptions) {
	return func(o *ManagerOptions) {
		if s != nil {
			o.Store = s
		}
	}
}

// WithJournal enables delta journaling.
func WithJournal(j Journal) func(*ManagerOptions) {
	return func(o *ManagerOptions) { o.Journal = j }
}

// WithBufferWindow sets the out-of-order wait window.
func WithBufferWindow(d time.Duration) func(*ManagerOptions) {
	return func(o *ManagerOptions) {
		if d > 0 {
			o.BufferWindow = d
		}
	}
}

// WithManagerCoalesceWindow sets the sender merge window.
func WithManagerCoalesceWindow(d time.Duration) func(*ManagerOptions) {
	return func(o *ManagerOptions) {
		if d > 0 {
			o.CoalesceWindow = d
		}
	}
}

// WithManagerMaxPerSecond sets the sender publish rate cap.
func WithManagerMaxPerSecond(n int) func(*ManagerOptions) {
	return func(o *ManagerOptions) {
		if n > 0 {
			o.MaxPerSecond = n
		}
	}
}

// WithOrigin sets the manager's origin tag.
func WithOrigin(origin string) func(*ManagerOptions) {
	return func(o *ManagerOptions) {
		if origin != "" {
			o.Origin = origin
		}
	}
}

// WithOnCondition sets the condition callback.
func WithOnCondition(fn func(core.Condition)) func(*ManagerOptions) {
	return func(o *ManagerOptions) { o.OnCondition = fn }
}

// WithOnApply sets the applied delta callback.
func WithOnApply(fn func(id core.SessionID, version uint64, ops int)) func(*ManagerOptions) {
	return func(o *ManagerOptions) { o.OnApply = fn }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l logging.Logger) func(*ManagerOptions) {
	return func(o *ManagerOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// binding is one joined session: its replica, its channel and the
// goroutine pumping envelopes between them.
type binding struct {
	replica *Replica
	channel Channel
	sender  *Sender
	cancel  context.CancelFunc
	done    chan struct{}

	journalDegraded atomic.Bool
}

// Manager joins sessions over a transport and keeps one replica per joined
// session converged with its peers. Local mutations go through Mutate,
// which applies them immediately and hands the resulting delta to a
// coalescing sender; remote envelopes are pumped into the replica by a per
// session goroutine that also watches for gaps and answers resync
// requests. Public methods are safe for concurrent use.
type Manager struct {
	transport Transport
	store     Store
	journal   Journal
	logger    logging.Logger

	origin         string
	bufferWindow   time.Duration
	coalesceWindow time.Duration
	maxPerSecond   int
	onCondition    func(core.Condition)
	onApply        func(id core.SessionID, version uint64, ops int)

	mu       sync.RWMutex
	bindings map[core.SessionID]*binding
	closed   bool
}

// NewManager constructs a Manager with optional overrides.
func NewManager(transport Transport, optFns ...func(*ManagerOptions)) *Manager {
	opts := ManagerOptions{
		Store:          NewInMemoryStore(),
		BufferWindow:   DefaultBufferWindow,
		CoalesceWindow: DefaultCoalesceWindow,
		MaxPerSecond:   DefaultMaxPerSecond,
		Origin:         uuid.NewString(),
		Logger:         logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		transport:      transport,
		store:          opts.Store,
		journal:        opts.Journal,
		logger:         opts.Logger,
		origin:         opts.Origin,
		bufferWindow:   opts.BufferWindow,
		coalesceWindow: opts.CoalesceWindow,
		maxPerSecond:   opts.MaxPerSecond,
		onCondition:    opts.OnCondition,
		onApply:        opts.OnApply,
		bindings:       make(map[core.SessionID]*binding),
	}
}

// Origin returns the tag stamped on everything this manager publishes.
func (m *Manager) Origin() string { return m.origin }

// Join binds a session, loading its last saved state from the store and
// subscribing to its channel. Joining an already joined session returns
// the existing replica.
func (m *Manager) Join(ctx context.Context, id core.SessionID) (*Replica, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if b, ok := m.bindings[id]; ok {
		m.mu.Unlock()
		return b.replica, nil
	}
	m.mu.Unlock()

	state, version, ok := m.store.Load(id)
	if !ok {
		state = NewPatternState(DefaultSteps, DefaultPitches)
	}
	replica := NewReplica(id, state, WithVersion(version))

	ch, err := m.transport.Open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open channel for session %s: %w", id, err)
	}

	bctx, cancel := context.WithCancel(context.Background())
	events, err := ch.Subscribe(bctx)
	if err != nil {
		cancel()
		ch.Close()
		return nil, fmt.Errorf("subscribe to session %s: %w", id, err)
	}

	b := &binding{
		replica: replica,
		channel: ch,
		sender: NewSender(id, m.origin, ch,
			WithCoalesceWindow(m.coalesceWindow),
			WithMaxPerSecond(m.maxPerSecond),
			WithSenderLogger(m.logger)),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		b.sender.Close()
		ch.Close()
		return nil, ErrManagerClosed
	}
	if existing, ok := m.bindings[id]; ok {
		m.mu.Unlock()
		cancel()
		b.sender.Close()
		ch.Close()
		return existing.replica, nil
	}
	m.bindings[id] = b
	m.mu.Unlock()

	go m.recvLoop(bctx, b, events)

	m.logger.Info("Joined session", "session", id, "version", version, "origin", m.origin)
	return replica, nil
}

// Leave unbinds a session, flushing its sender and saving its state back
// to the store.
func (m *Manager) Leave(id core.SessionID) error {
	m.mu.Lock()
	b, ok := m.bindings[id]
	if ok {
		delete(m.bindings, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}

	m.release(b)

	state, version := b.replica.Snapshot()
	if err := m.store.Save(id, state, version); err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	m.logger.Info("Left session", "session", id, "version", version)
	return nil
}

// Mutate applies local ops to a joined session and queues the resulting
// delta for publication. The ops apply atomically; the returned error
// means nothing changed.
func (m *Manager) Mutate(id core.SessionID, ops ...PatternOp) error {
	m.mu.RLock()
	b, ok := m.bindings[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotJoined
	}

	d, err := b.replica.ApplyLocal(ops...)
	if err != nil {
		return err
	}
	b.sender.Enqueue(d)
	m.record(b, func() error { return m.journal.RecordDelta(d) })
	if m.onApply != nil {
		m.onApply(id, d.Base+uint64(len(d.Ops)), len(d.Ops))
	}
	return nil
}

// Replica returns the replica for a joined session.
func (m *Manager) Replica(id core.SessionID) (*Replica, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[id]
	if !ok {
		return nil, false
	}
	return b.replica, true
}

// Sessions returns the IDs of every joined session.
func (m *Manager) Sessions() []core.SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]core.SessionID, 0, len(m.bindings))
	for id := range m.bindings {
		ids = append(ids, id)
	}
	return ids
}

// Close leaves every joined session. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	bindings := m.bindings
	m.bindings = make(map[core.SessionID]*binding)
	m.mu.Unlock()

	var firstErr error
	for id, b := range bindings {
		m.release(b)
		state, version := b.replica.Snapshot()
		if err := m.store.Save(id, state, version); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("save session %s: %w", id, err)
		}
	}
	return firstErr
}

// release stops a binding's goroutine, flushes its sender and closes its
// channel, in that order so the flush still has a channel to publish on.
func (m *Manager) release(b *binding) {
	b.cancel()
	<-b.done
	b.sender.Close()
	if err := b.channel.Close(); err != nil {
		m.logger.Warn("Channel close failed", "session", b.replica.ID(), "error", err)
	}
}

// recvLoop pumps remote envelopes into the replica and watches the buffer
// for gaps that have outlived the wait window.
func (m *Manager) recvLoop(ctx context.Context, b *binding, events <-chan Envelope) {
	defer close(b.done)

	check := m.bufferWindow / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	var lastResync time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			m.handle(ctx, b, env)
		case <-ticker.C:
			now := time.Now()
			oldest, ok := b.replica.OldestBuffered()
			if !ok {
				continue
			}
			if now.Sub(oldest) < m.bufferWindow || now.Sub(lastResync) < m.bufferWindow {
				continue
			}
			lastResync = now
			m.requestResync(ctx, b, "delta gap outlived wait window")
		}
	}
}

// handle dispatches one remote envelope.
func (m *Manager) handle(ctx context.Context, b *binding, env Envelope) {
	id := b.replica.ID()

	switch env.Kind {
	case KindDelta:
		d := env.Delta
		if d == nil || d.Origin == m.origin {
			return
		}
		res := b.replica.ApplyRemote(*d, time.Now())
		if res == ResultApplied {
			m.logger.Debug("Delta applied",
				"session", id, "base", d.Base,
				"version", b.replica.Version(), "ops", len(d.Ops))
		} else {
			m.logger.Debug("Delta deferred",
				"session", id, "base", d.Base,
				"version", b.replica.Version(), "result", res)
		}
		switch res {
		case ResultApplied:
			m.record(b, func() error { return m.journal.RecordDelta(*d) })
			if m.onApply != nil {
				m.onApply(id, b.replica.Version(), len(d.Ops))
			}
		case ResultRejected:
			m.emit(core.Condition{
				Kind:    core.ConditionDeltaRejected,
				Session: id,
				Detail:  fmt.Sprintf("delta at base %d carried an invalid op", d.Base),
				At:      time.Now(),
			})
			m.requestResync(ctx, b, "rejected delta")
		}

	case KindSnapshot:
		s := env.Snapshot
		if s == nil || s.Origin == m.origin {
			return
		}
		if res := b.replica.ApplySnapshot(*s); res == SnapshotReplaced {
			m.logger.Info("Reconciled from snapshot",
				"session", id,
				"version", s.Version,
				"origin", s.Origin)
			m.record(b, func() error { return m.journal.RecordSnapshot(*s) })
		}

	case KindResync:
		req := env.Resync
		if req == nil || req.Origin == m.origin {
			return
		}
		if b.replica.Version() <= req.Have {
			return
		}
		snap := b.replica.MakeSnapshot(m.origin)
		if err := b.channel.Publish(ctx, Envelope{Kind: KindSnapshot, Snapshot: &snap}); err != nil {
			m.logger.Warn("Snapshot publish failed", "session", id, "error", err)
		}
	}
}

// requestResync publishes a resync request carrying the replica's current
// version and reports the condition.
func (m *Manager) requestResync(ctx context.Context, b *binding, reason string) {
	id := b.replica.ID()
	req := ResyncRequest{Session: id, Have: b.replica.Version(), Origin: m.origin}
	if err := b.channel.Publish(ctx, Envelope{Kind: KindResync, Resync: &req}); err != nil {
		m.logger.Warn("Resync request publish failed", "session", id, "error", err)
		return
	}
	m.emit(core.Condition{
		Kind:    core.ConditionResyncRequested,
		Session: id,
		Detail:  reason,
		At:      time.Now(),
	})
}

// record runs a journal write, tracking the degraded edge so a broken
// journal reports once instead of once per delta.
func (m *Manager) record(b *binding, write func() error) {
	if m.journal == nil {
		return
	}
	err := write()
	if err == nil {
		b.journalDegraded.Store(false)
		return
	}
	m.logger.Warn("Journal write failed", "session", b.replica.ID(), "error", err)
	if b.journalDegraded.CompareAndSwap(false, true) {
		m.emit(core.Condition{
			Kind:    core.ConditionJournalDegraded,
			Session: b.replica.ID(),
			Detail:  err.Error(),
			At:      time.Now(),
		})
	}
}

func (m *Manager) emit(c core.Condition) {
	if m.onCondition != nil {
		m.onCondition(c)
	}
}
