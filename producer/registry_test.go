package producer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/internal/testutil"
)

func drainChanges(r *Registry) {
	select {
	case <-r.Changes():
	default:
	}
}

func TestRegistry_RegisterAndRoster(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register("grid", core.ModeStepGrid, WithPriority(2))
	require.NoError(t, err)
	_, err = r.Register("ripple", core.ModeAmplitudeRipple, WithActive(true))
	require.NoError(t, err)

	roster := r.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, core.ProducerID("grid"), roster[0].ID)
	assert.Equal(t, uint64(1), roster[0].Ordinal)
	assert.Equal(t, 2, roster[0].Priority)
	assert.Equal(t, core.ProducerID("ripple"), roster[1].ID)
	assert.True(t, roster[1].Active)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register("", core.ModeStepGrid)
	assert.Error(t, err)
	_, err = r.Register("grid", "")
	assert.Error(t, err)
}

func TestRegistry_ReRegisterReplacesDeclaration(t *testing.T) {
	r := NewRegistry()

	old, err := r.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)
	require.NoError(t, old.Publish(testutil.NewFrameBuilder("grid").Seq(5).Solid(4, core.Pixel{R: 1}).Build()))

	fresh, err := r.Register("grid", core.ModeKeySpan)
	require.NoError(t, err)

	roster := r.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, core.ModeKeySpan, roster[0].Mode)
	assert.Equal(t, uint64(2), roster[0].Ordinal, "a replacement counts as a new registration")

	_, ok := r.Latest("grid")
	assert.False(t, ok, "replacement must reset the frame slot")

	err = old.Publish(testutil.NewFrameBuilder("grid").Seq(6).Build())
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.NoError(t, fresh.Publish(testutil.NewFrameBuilder("grid").Seq(1).Build()))
}

func TestHandle_PublishLatestWins(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)

	require.NoError(t, h.Publish(testutil.NewFrameBuilder("grid").Seq(1).Solid(2, core.Pixel{R: 10}).Build()))
	require.NoError(t, h.Publish(testutil.NewFrameBuilder("grid").Seq(2).Solid(2, core.Pixel{R: 20}).Build()))

	frame, ok := r.Latest("grid")
	require.True(t, ok)
	assert.Equal(t, uint64(2), frame.Seq, "the newer frame replaces the unread one")
	assert.Equal(t, uint8(20), frame.Pixels[0].R)

	stats := r.Stats()["grid"]
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Overwritten)
}

func TestHandle_PublishStampsIdentity(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)

	frame := testutil.NewFrameBuilder("someone-else").Mode(core.ModeKeySpan).Build()
	require.NoError(t, h.Publish(frame))

	got, ok := r.Latest("grid")
	require.True(t, ok)
	assert.Equal(t, core.ProducerID("grid"), got.Producer)
	assert.Equal(t, core.ModeStepGrid, got.Mode, "identity comes from the registration, not the frame")
}

func TestHandle_SeqRegressionRejected(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)

	require.NoError(t, h.Publish(testutil.NewFrameBuilder("grid").Seq(3).Build()))
	err = h.Publish(testutil.NewFrameBuilder("grid").Seq(3).Build())
	assert.ErrorIs(t, err, ErrSeqRegression)
	err = h.Publish(testutil.NewFrameBuilder("grid").Seq(2).Build())
	assert.ErrorIs(t, err, ErrSeqRegression)

	frame, ok := r.Latest("grid")
	require.True(t, ok)
	assert.Equal(t, uint64(3), frame.Seq)
	assert.Equal(t, uint64(2), r.Stats()["grid"].SeqRejected)
}

func TestRegistry_ChangesCoalesce(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register("a", core.ModeStepGrid)
	require.NoError(t, err)
	_, err = r.Register("b", core.ModeKeySpan)
	require.NoError(t, err)
	require.NoError(t, r.SetActive("a", true))

	// Three mutations, at most one pending signal.
	select {
	case <-r.Changes():
	default:
		t.Fatal("expected a pending change signal")
	}
	select {
	case <-r.Changes():
		t.Fatal("change signals must coalesce")
	default:
	}
}

func TestRegistry_NoopMutationDoesNotSignal(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("a", core.ModeStepGrid)
	require.NoError(t, err)
	drainChanges(r)

	require.NoError(t, r.SetActive("a", false), "already idle")
	require.NoError(t, r.Pin("a", ""))

	select {
	case <-r.Changes():
		t.Fatal("noop mutations must not raise a change signal")
	default:
	}
}

func TestRegistry_UnknownProducerOperations(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.SetActive("ghost", true), ErrUnknownProducer)
	assert.ErrorIs(t, r.Pin("ghost", "strip"), ErrUnknownProducer)
	assert.ErrorIs(t, r.Unregister("ghost"), ErrUnknownProducer)
	_, ok := r.Latest("ghost")
	assert.False(t, ok)
}

func TestRegistry_CloseInvalidatesHandles(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)

	r.Close()
	r.Close() // idempotent

	err = h.Publish(testutil.NewFrameBuilder("grid").Build())
	assert.ErrorIs(t, err, ErrRegistryClosed)
	_, err = r.Register("late", core.ModeKeySpan)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Empty(t, r.Roster())
}

func TestHandle_CloseUnregisters(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	assert.Empty(t, r.Roster())
	assert.ErrorIs(t, h.Close(), ErrStaleHandle)
}
