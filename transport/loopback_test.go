package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolux/lumen/session"
)

func tempoEnvelope(base uint64) session.Envelope {
	d := session.Delta{
		Session: "jam",
		Base:    base,
		Ops:     []session.PatternOp{session.SetTempo(120 + float64(base))},
		Origin:  "test",
	}
	return session.Envelope{Kind: session.KindDelta, Delta: &d}
}

func TestLoopbackHub_DeliversToAllSubscribers(t *testing.T) {
	hub := NewLoopbackHub()
	defer hub.Close()

	ctx := context.Background()
	a, err := hub.Open(ctx, "jam")
	require.NoError(t, err)
	b, err := hub.Open(ctx, "jam")
	require.NoError(t, err)

	eventsA, err := a.Subscribe(ctx)
	require.NoError(t, err)
	eventsB, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, tempoEnvelope(0)))

	// Broker semantics: the publisher hears its own publish too.
	for name, events := range map[string]<-chan session.Envelope{"publisher": eventsA, "peer": eventsB} {
		select {
		case env := <-events:
			assert.Equal(t, session.KindDelta, env.Kind, name)
			assert.Equal(t, uint64(0), env.Delta.Base, name)
		case <-time.After(time.Second):
			t.Fatalf("%s received nothing", name)
		}
	}
}

func TestLoopbackHub_SessionsAreIsolated(t *testing.T) {
	hub := NewLoopbackHub()
	defer hub.Close()

	ctx := context.Background()
	a, err := hub.Open(ctx, "jam")
	require.NoError(t, err)
	other, err := hub.Open(ctx, "other")
	require.NoError(t, err)

	otherEvents, err := other.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, tempoEnvelope(0)))

	select {
	case env := <-otherEvents:
		t.Fatalf("envelope leaked across sessions: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackHub_DropRateLosesEverything(t *testing.T) {
	hub := NewLoopbackHub(WithDropRate(1), WithSeed(1))
	defer hub.Close()

	ctx := context.Background()
	ch, err := hub.Open(ctx, "jam")
	require.NoError(t, err)
	events, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, tempoEnvelope(0)))

	select {
	case env := <-events:
		t.Fatalf("expected total loss, got %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackHub_DuplicateRateDoubles(t *testing.T) {
	hub := NewLoopbackHub(WithDuplicateRate(1), WithSeed(1))
	defer hub.Close()

	ctx := context.Background()
	ch, err := hub.Open(ctx, "jam")
	require.NoError(t, err)
	events, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, tempoEnvelope(0)))

	for i := 0; i < 2; i++ {
		select {
		case env := <-events:
			assert.Equal(t, uint64(0), env.Delta.Base)
		case <-time.After(time.Second):
			t.Fatalf("expected duplicate delivery, got %d copies", i)
		}
	}
}

func TestLoopbackHub_DelayDefersDelivery(t *testing.T) {
	hub := NewLoopbackHub(WithDelay(40 * time.Millisecond))
	defer hub.Close()

	ctx := context.Background()
	ch, err := hub.Open(ctx, "jam")
	require.NoError(t, err)
	events, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, ch.Publish(ctx, tempoEnvelope(0)))

	select {
	case <-events:
		assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed envelope never arrived")
	}
}

func TestLoopbackHub_ClosedChannelRejectsPublish(t *testing.T) {
	hub := NewLoopbackHub()
	defer hub.Close()

	ch, err := hub.Open(context.Background(), "jam")
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	err = ch.Publish(context.Background(), tempoEnvelope(0))
	assert.ErrorIs(t, err, ErrHubClosed)
}

// Two managers over a hostile channel must still converge: drops heal via
// resync, duplicates and reordering are absorbed by versioning.
func TestLoopback_ManagersConvergeOverFaultyChannel(t *testing.T) {
	hub := NewLoopbackHub(
		WithDropRate(0.3),
		WithDuplicateRate(0.3),
		WithJitter(5*time.Millisecond),
		WithSeed(42))
	defer hub.Close()

	a := session.NewManager(hub,
		session.WithManagerCoalesceWindow(2*time.Millisecond),
		session.WithManagerMaxPerSecond(500),
		session.WithBufferWindow(40*time.Millisecond))
	b := session.NewManager(hub,
		session.WithManagerCoalesceWindow(2*time.Millisecond),
		session.WithManagerMaxPerSecond(500),
		session.WithBufferWindow(40*time.Millisecond))
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	ra, err := a.Join(ctx, "jam")
	require.NoError(t, err)
	rb, err := b.Join(ctx, "jam")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Mutate("jam", session.SetStep(i%16, i%8, uint8(1+i))))
	}

	// A trailing loss leaves no gap for the receiver to notice until more
	// traffic arrives, so nudge with fresh mutations while diverged.
	tempo := 100.0
	assert.Eventually(t, func() bool {
		sa, va := ra.Snapshot()
		sb, vb := rb.Snapshot()
		if va == vb && sa.Equal(sb) {
			return true
		}
		tempo++
		_ = a.Mutate("jam", session.SetTempo(tempo))
		return false
	}, 15*time.Second, 60*time.Millisecond)

	sa, _ := ra.Snapshot()
	sb, _ := rb.Snapshot()
	assert.True(t, sa.Equal(sb))
}
