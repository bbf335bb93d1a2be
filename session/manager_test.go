package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolux/lumen/core"
)

// testHub fans envelopes out to every subscriber of a session, own
// publishes included, the way a broker would. A drop hook lets tests lose
// chosen envelopes.
type testHub struct {
	mu   sync.Mutex
	subs map[core.SessionID][]*testChannel
	drop func(Envelope) bool
}

func newTestHub() *testHub {
	return &testHub{subs: make(map[core.SessionID][]*testChannel)}
}

func (h *testHub) Open(_ context.Context, id core.SessionID) (Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := &testChannel{hub: h, id: id, events: make(chan Envelope, 64)}
	h.subs[id] = append(h.subs[id], ch)
	return ch, nil
}

func (h *testHub) broadcast(id core.SessionID, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.drop != nil && h.drop(env) {
		return
	}
	for _, ch := range h.subs[id] {
		select {
		case ch.events <- env:
		default:
		}
	}
}

func (h *testHub) remove(target *testChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.subs[target.id][:0]
	for _, ch := range h.subs[target.id] {
		if ch != target {
			kept = append(kept, ch)
		}
	}
	h.subs[target.id] = kept
	close(target.events)
}

type testChannel struct {
	hub    *testHub
	id     core.SessionID
	events chan Envelope
	closed sync.Once
}

func (c *testChannel) Publish(_ context.Context, env Envelope) error {
	c.hub.broadcast(c.id, env)
	return nil
}

func (c *testChannel) Subscribe(_ context.Context) (<-chan Envelope, error) {
	return c.events, nil
}

func (c *testChannel) Close() error {
	c.closed.Do(func() { c.hub.remove(c) })
	return nil
}

// conditionLog collects conditions across goroutines.
type conditionLog struct {
	mu    sync.Mutex
	conds []core.Condition
}

func (l *conditionLog) add(c core.Condition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conds = append(l.conds, c)
}

func (l *conditionLog) count(kind core.ConditionKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.conds {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func newTestManager(hub *testHub, optFns ...func(*ManagerOptions)) *Manager {
	base := []func(*ManagerOptions){
		WithManagerCoalesceWindow(5 * time.Millisecond),
		WithManagerMaxPerSecond(200),
		WithBufferWindow(50 * time.Millisecond),
	}
	return NewManager(hub, append(base, optFns...)...)
}

func TestManager_MutationsConvergeAcrossPeers(t *testing.T) {
	hub := newTestHub()
	a := newTestManager(hub)
	b := newTestManager(hub)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	ra, err := a.Join(ctx, "jam")
	require.NoError(t, err)
	rb, err := b.Join(ctx, "jam")
	require.NoError(t, err)

	require.NoError(t, a.Mutate("jam", SetStep(3, 3, 77), SetTempo(132)))

	assert.Eventually(t, func() bool {
		sa, va := ra.Snapshot()
		sb, vb := rb.Snapshot()
		return va == vb && sa.Equal(sb) && sb.Velocity[3][3] == 77
	}, 5*time.Second, 5*time.Millisecond)

	// The author's own echo must not re-apply or reject.
	assert.Equal(t, uint64(2), ra.Version())
}

func TestManager_JoinIsIdempotent(t *testing.T) {
	hub := newTestHub()
	m := newTestManager(hub)
	defer m.Close()

	r1, err := m.Join(context.Background(), "jam")
	require.NoError(t, err)
	r2, err := m.Join(context.Background(), "jam")
	require.NoError(t, err)
	assert.Same(t, r1, r2)
}

func TestManager_ResyncRecoversLostDelta(t *testing.T) {
	hub := newTestHub()

	// Lose the first delta of the session, once.
	var dropped atomic.Bool
	hub.drop = func(env Envelope) bool {
		return env.Kind == KindDelta && env.Delta.Base == 0 && dropped.CompareAndSwap(false, true)
	}

	conds := &conditionLog{}
	a := newTestManager(hub)
	b := newTestManager(hub, WithOnCondition(conds.add))
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	ra, err := a.Join(ctx, "jam")
	require.NoError(t, err)
	rb, err := b.Join(ctx, "jam")
	require.NoError(t, err)

	require.NoError(t, a.Mutate("jam", SetStep(0, 0, 11)))
	// Let the first delta flush (and vanish) before authoring the second,
	// so the receiver sees a genuine gap.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.Mutate("jam", SetStep(1, 0, 22)))

	assert.Eventually(t, func() bool {
		sa, va := ra.Snapshot()
		sb, vb := rb.Snapshot()
		return va == vb && sa.Equal(sb)
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, dropped.Load(), "the fault was never exercised")
	assert.GreaterOrEqual(t, conds.count(core.ConditionResyncRequested), 1)

	sb, _ := rb.Snapshot()
	assert.Equal(t, uint8(11), sb.Velocity[0][0])
	assert.Equal(t, uint8(22), sb.Velocity[1][0])
}

func TestManager_LateJoinerCatchesUp(t *testing.T) {
	hub := newTestHub()
	a := newTestManager(hub)
	b := newTestManager(hub)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	ra, err := a.Join(ctx, "jam")
	require.NoError(t, err)
	require.NoError(t, a.Mutate("jam", SetStep(0, 0, 1), SetStep(1, 1, 2), SetStep(2, 2, 3)))

	// B joins after the session already has history. Its replica only
	// hears about the gap when the next delta arrives.
	rb, err := b.Join(ctx, "jam")
	require.NoError(t, err)
	require.NoError(t, a.Mutate("jam", SetStep(3, 3, 4)))

	assert.Eventually(t, func() bool {
		sa, va := ra.Snapshot()
		sb, vb := rb.Snapshot()
		return va == vb && sa.Equal(sb)
	}, 5*time.Second, 5*time.Millisecond)

	sb, _ := rb.Snapshot()
	assert.Equal(t, uint8(1), sb.Velocity[0][0])
	assert.Equal(t, uint8(4), sb.Velocity[3][3])
}

func TestManager_LeavePersistsState(t *testing.T) {
	hub := newTestHub()
	store := NewInMemoryStore()
	m := newTestManager(hub, WithStore(store))
	defer m.Close()

	ctx := context.Background()
	_, err := m.Join(ctx, "jam")
	require.NoError(t, err)
	require.NoError(t, m.Mutate("jam", SetStep(4, 4, 44), SetPalette("ember")))
	require.NoError(t, m.Leave("jam"))

	r, err := m.Join(ctx, "jam")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Version())

	state, _ := r.Snapshot()
	assert.Equal(t, uint8(44), state.Velocity[4][4])
	assert.Equal(t, "ember", state.Palette)
}

func TestManager_MutateUnjoinedSession(t *testing.T) {
	m := newTestManager(newTestHub())
	defer m.Close()

	err := m.Mutate("nope", SetTempo(100))
	assert.ErrorIs(t, err, ErrNotJoined)
}

type failingJournal struct{ err error }

func (j *failingJournal) RecordDelta(Delta) error       { return j.err }
func (j *failingJournal) RecordSnapshot(Snapshot) error { return j.err }

func TestManager_JournalDegradedReportsOnce(t *testing.T) {
	conds := &conditionLog{}
	m := newTestManager(newTestHub(),
		WithJournal(&failingJournal{err: errors.New("disk full")}),
		WithOnCondition(conds.add))
	defer m.Close()

	_, err := m.Join(context.Background(), "jam")
	require.NoError(t, err)

	require.NoError(t, m.Mutate("jam", SetStep(0, 0, 1)))
	require.NoError(t, m.Mutate("jam", SetStep(1, 1, 2)))
	require.NoError(t, m.Mutate("jam", SetStep(2, 2, 3)))

	assert.Equal(t, 1, conds.count(core.ConditionJournalDegraded))
}

func TestManager_CloseLeavesAllSessions(t *testing.T) {
	hub := newTestHub()
	store := NewInMemoryStore()
	m := newTestManager(hub, WithStore(store))

	ctx := context.Background()
	_, err := m.Join(ctx, "one")
	require.NoError(t, err)
	_, err = m.Join(ctx, "two")
	require.NoError(t, err)
	require.NoError(t, m.Mutate("one", SetTempo(99)))

	require.NoError(t, m.Close())

	_, version, ok := store.Load("one")
	require.True(t, ok)
	assert.Equal(t, uint64(1), version)
	_, _, ok = store.Load("two")
	assert.True(t, ok)

	_, err = m.Join(ctx, "one")
	assert.ErrorIs(t, err, ErrManagerClosed)
}
