package compositor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/device"
	"github.com/audiolux/lumen/internal/testutil"
	"github.com/audiolux/lumen/producer"
)

type condCollector struct {
	mu    sync.Mutex
	conds []core.Condition
}

func (c *condCollector) add(cond core.Condition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conds = append(c.conds, cond)
}

func (c *condCollector) ofKind(kind core.ConditionKind) []core.Condition {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.Condition
	for _, cond := range c.conds {
		if cond.Kind == kind {
			out = append(out, cond)
		}
	}
	return out
}

type fixture struct {
	registry *producer.Registry
	driver   *device.MemoryDriver
	sink     *device.Sink
	clock    *testutil.ManualClock
	conds    *condCollector
	comp     *Compositor
}

func newFixture(t *testing.T, devices []core.DeviceDescriptor, optFns ...func(o *Options)) *fixture {
	t.Helper()

	f := &fixture{
		registry: producer.NewRegistry(),
		driver:   device.NewMemoryDriver(devices...),
		clock:    testutil.NewManualClock(time.Unix(1000, 0)),
		conds:    &condCollector{},
	}
	f.sink = device.NewSink(f.driver, device.WithFailureThreshold(1))

	opts := append([]func(o *Options){
		WithClock(f.clock),
		WithConditionFunc(f.conds.add),
	}, optFns...)
	f.comp = New(f.registry, f.sink, opts...)
	return f
}

func (f *fixture) publish(t *testing.T, h *producer.Handle, seq uint64, n int, p core.Pixel) {
	t.Helper()
	frame := testutil.NewFrameBuilder(h.ID()).Seq(seq).CapturedAt(f.clock.Now()).Solid(n, p).Build()
	require.NoError(t, h.Publish(frame))
}

func TestCompositor_SingleProducerPassthrough(t *testing.T) {
	strip := testutil.LinearDevice("strip", 4)
	f := newFixture(t, []core.DeviceDescriptor{strip})

	h, err := f.registry.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)
	f.publish(t, h, 1, 4, core.Pixel{R: 10, G: 20, B: 30})

	a := core.NewAssignment()
	a.Devices["strip"] = []core.Slot{{Producer: "grid", Role: core.RolePrimary}}
	f.comp.SetAssignment(a, []core.DeviceDescriptor{strip})

	report := f.comp.Tick(context.Background())

	assert.Equal(t, 1, report.DevicesWritten)
	assert.Equal(t, 1, report.Composed)
	sent, ok := f.driver.LastFrame("strip")
	require.True(t, ok)
	assert.Equal(t, []core.Pixel{{R: 10, G: 20, B: 30}, {R: 10, G: 20, B: 30}, {R: 10, G: 20, B: 30}, {R: 10, G: 20, B: 30}}, sent)
}

func TestCompositor_ScreenBlendsOverlayOntoPrimary(t *testing.T) {
	strip := testutil.LinearDevice("strip", 64)
	f := newFixture(t, []core.DeviceDescriptor{strip})

	grid, err := f.registry.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)
	ripple, err := f.registry.Register("ripple", core.ModeAmplitudeRipple)
	require.NoError(t, err)
	f.publish(t, grid, 1, 64, core.Pixel{R: 128})
	f.publish(t, ripple, 1, 64, core.Pixel{R: 128, B: 64})

	a := core.NewAssignment()
	a.Devices["strip"] = []core.Slot{
		{Producer: "grid", Role: core.RolePrimary},
		{Producer: "ripple", Role: core.RoleOverlay},
	}
	f.comp.SetAssignment(a, []core.DeviceDescriptor{strip})

	report := f.comp.Tick(context.Background())
	assert.Equal(t, 2, report.Composed)

	sent, ok := f.driver.LastFrame("strip")
	require.True(t, ok)
	want := core.BlendScreen.Apply(core.Pixel{R: 128}, core.Pixel{R: 128, B: 64})
	for i, px := range sent {
		require.Equal(t, want, px, "pixel %d", i)
	}
}

func TestCompositor_LayerOrderDoesNotChangeOutput(t *testing.T) {
	strip := testutil.LinearDevice("strip", 8)
	f := newFixture(t, []core.DeviceDescriptor{strip})

	ra, err := f.registry.Register("ripple-a", core.ModeAmplitudeRipple)
	require.NoError(t, err)
	rb, err := f.registry.Register("ripple-b", core.ModeAmplitudeRipple)
	require.NoError(t, err)
	f.publish(t, ra, 1, 8, core.Pixel{R: 100, G: 7})
	f.publish(t, rb, 1, 8, core.Pixel{R: 200, B: 9})

	forward := core.NewAssignment()
	forward.Devices["strip"] = []core.Slot{
		{Producer: "ripple-a", Role: core.RolePrimary},
		{Producer: "ripple-b", Role: core.RoleOverlay},
	}
	f.comp.SetAssignment(forward, []core.DeviceDescriptor{strip})
	f.comp.Tick(context.Background())
	first, ok := f.driver.LastFrame("strip")
	require.True(t, ok)

	reversed := core.NewAssignment()
	reversed.Devices["strip"] = []core.Slot{
		{Producer: "ripple-b", Role: core.RolePrimary},
		{Producer: "ripple-a", Role: core.RoleOverlay},
	}
	f.comp.SetAssignment(reversed, []core.DeviceDescriptor{strip})
	f.comp.Tick(context.Background())
	second, ok := f.driver.LastFrame("strip")
	require.True(t, ok)

	assert.Equal(t, first, second, "commutative operators must make layer order irrelevant")
}

func TestCompositor_StalledProducerDroppedFromTick(t *testing.T) {
	strip := testutil.LinearDevice("strip", 4)
	f := newFixture(t, []core.DeviceDescriptor{strip})

	grid, err := f.registry.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)
	ripple, err := f.registry.Register("ripple", core.ModeAmplitudeRipple)
	require.NoError(t, err)
	f.publish(t, grid, 1, 4, core.Pixel{R: 50})
	f.publish(t, ripple, 1, 4, core.Pixel{G: 50})

	a := core.NewAssignment()
	a.Devices["strip"] = []core.Slot{
		{Producer: "grid", Role: core.RolePrimary},
		{Producer: "ripple", Role: core.RoleOverlay},
	}
	f.comp.SetAssignment(a, []core.DeviceDescriptor{strip})

	// Fresh frames compose normally.
	report := f.comp.Tick(context.Background())
	assert.Equal(t, 2, report.Composed)
	assert.Equal(t, 0, report.Stalled)

	// Only the grid keeps publishing; the ripple's frame ages out.
	f.clock.Advance(200 * time.Millisecond)
	f.publish(t, grid, 2, 4, core.Pixel{R: 60})

	report = f.comp.Tick(context.Background())
	assert.Equal(t, 1, report.Composed)
	assert.Equal(t, 1, report.Stalled)

	sent, ok := f.driver.LastFrame("strip")
	require.True(t, ok)
	assert.Equal(t, core.Pixel{R: 60}, sent[0], "the stalled overlay must not contribute")

	stalls := f.conds.ofKind(core.ConditionStalled)
	require.Len(t, stalls, 1)
	assert.Equal(t, core.ProducerID("ripple"), stalls[0].Producer)
	assert.Equal(t, []core.ProducerID{"ripple"}, f.comp.StalledProducers())

	// The stall condition is edge triggered, not repeated per tick.
	f.comp.Tick(context.Background())
	assert.Len(t, f.conds.ofKind(core.ConditionStalled), 1)

	// A fresh frame clears the stall.
	f.publish(t, ripple, 2, 4, core.Pixel{G: 60})
	report = f.comp.Tick(context.Background())
	assert.Equal(t, 2, report.Composed)
	assert.Empty(t, f.comp.StalledProducers())
}

func TestCompositor_ExactlyOneSendPerDevicePerTick(t *testing.T) {
	stripA := testutil.LinearDevice("strip-a", 4)
	stripB := testutil.LinearDevice("strip-b", 8)
	f := newFixture(t, []core.DeviceDescriptor{stripA, stripB})

	h, err := f.registry.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)
	f.publish(t, h, 1, 4, core.Pixel{R: 1})

	a := core.NewAssignment()
	a.Devices["strip-a"] = []core.Slot{{Producer: "grid", Role: core.RolePrimary}}
	f.comp.SetAssignment(a, []core.DeviceDescriptor{stripA, stripB})

	const ticks = 5
	for i := 0; i < ticks; i++ {
		f.comp.Tick(context.Background())
	}

	assert.Equal(t, ticks, f.driver.SendCount("strip-a"))
	assert.Equal(t, ticks, f.driver.SendCount("strip-b"), "unassigned devices still get exactly one frame per tick")
}

func TestCompositor_UnassignedDeviceGetsBlack(t *testing.T) {
	strip := testutil.LinearDevice("strip", 3)
	f := newFixture(t, []core.DeviceDescriptor{strip})
	f.comp.SetAssignment(core.NewAssignment(), []core.DeviceDescriptor{strip})

	f.comp.Tick(context.Background())

	sent, ok := f.driver.LastFrame("strip")
	require.True(t, ok)
	assert.Equal(t, make([]core.Pixel, 3), sent)
}

func TestCompositor_DriverFailureIsPerDevice(t *testing.T) {
	stripA := testutil.LinearDevice("strip-a", 4)
	stripB := testutil.LinearDevice("strip-b", 4)
	f := newFixture(t, []core.DeviceDescriptor{stripA, stripB})

	h, err := f.registry.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)
	f.publish(t, h, 1, 4, core.Pixel{R: 9})

	a := core.NewAssignment()
	a.Devices["strip-a"] = []core.Slot{{Producer: "grid", Role: core.RolePrimary}}
	a.Devices["strip-b"] = []core.Slot{{Producer: "grid", Role: core.RolePrimary}}
	f.comp.SetAssignment(a, []core.DeviceDescriptor{stripA, stripB})

	f.driver.FailDevice("strip-a", errors.New("bus fault"))
	report := f.comp.Tick(context.Background())

	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.DevicesWritten, "the healthy device keeps receiving frames")
	failures := f.conds.ofKind(core.ConditionDriverFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, core.DeviceID("strip-a"), failures[0].Device)

	_, ok := f.driver.LastFrame("strip-b")
	assert.True(t, ok)
}

func TestCompositor_CapacityCapsPayload(t *testing.T) {
	strip := testutil.LinearDevice("strip", 8)
	strip.Capacity = 4
	f := newFixture(t, []core.DeviceDescriptor{strip})

	h, err := f.registry.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)
	f.publish(t, h, 1, 8, core.Pixel{R: 3})

	a := core.NewAssignment()
	a.Devices["strip"] = []core.Slot{{Producer: "grid", Role: core.RolePrimary}}
	f.comp.SetAssignment(a, []core.DeviceDescriptor{strip})

	f.comp.Tick(context.Background())

	sent, ok := f.driver.LastFrame("strip")
	require.True(t, ok)
	assert.Len(t, sent, 4)
}

func TestCompositor_StartAndStop(t *testing.T) {
	strip := testutil.LinearDevice("strip", 2)
	f := newFixture(t, []core.DeviceDescriptor{strip}, WithTickInterval(16*time.Millisecond))
	f.comp.SetAssignment(core.NewAssignment(), []core.DeviceDescriptor{strip})

	ctx := context.Background()
	require.NoError(t, f.comp.Start(ctx))
	assert.ErrorIs(t, f.comp.Start(ctx), ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		return f.driver.SendCount("strip") >= 2
	}, time.Second, 5*time.Millisecond, "the loop should tick on its own")

	f.comp.Stop()
	f.comp.Stop() // idempotent
	after := f.driver.SendCount("strip")
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, f.driver.SendCount("strip"), "no ticks after Stop")
}

func TestCompositor_SetStallTimeoutTakesEffect(t *testing.T) {
	strip := testutil.LinearDevice("strip", 4)
	f := newFixture(t, []core.DeviceDescriptor{strip})

	grid, err := f.registry.Register("grid", core.ModeStepGrid)
	require.NoError(t, err)
	f.publish(t, grid, 1, 4, core.Pixel{R: 40})

	a := core.NewAssignment()
	a.Devices["strip"] = []core.Slot{{Producer: "grid", Role: core.RolePrimary}}
	f.comp.SetAssignment(a, []core.DeviceDescriptor{strip})

	// Under the default cutoff a 200ms-old frame is stale.
	f.clock.Advance(200 * time.Millisecond)
	report := f.comp.Tick(context.Background())
	assert.Equal(t, 1, report.Stalled)
	assert.Equal(t, 0, report.Composed)

	// A more patient cutoff admits the same frame again.
	f.comp.SetStallTimeout(time.Second)
	report = f.comp.Tick(context.Background())
	assert.Equal(t, 0, report.Stalled)
	assert.Equal(t, 1, report.Composed)

	// Tightening it past the frame's age stalls it once more.
	f.comp.SetStallTimeout(50 * time.Millisecond)
	report = f.comp.Tick(context.Background())
	assert.Equal(t, 1, report.Stalled)
}

func TestCompositor_SetTickIntervalWhileRunning(t *testing.T) {
	strip := testutil.LinearDevice("strip", 2)
	f := newFixture(t, []core.DeviceDescriptor{strip}, WithTickInterval(33*time.Millisecond))
	f.comp.SetAssignment(core.NewAssignment(), []core.DeviceDescriptor{strip})

	require.NoError(t, f.comp.Start(context.Background()))
	defer f.comp.Stop()

	f.comp.SetTickInterval(5 * time.Millisecond)
	assert.Equal(t, 16*time.Millisecond, f.comp.TickInterval(), "cadence clamps to the 60Hz floor")

	before := f.driver.SendCount("strip")
	assert.Eventually(t, func() bool {
		return f.driver.SendCount("strip") >= before+3
	}, 2*time.Second, 5*time.Millisecond, "the loop keeps ticking after a cadence change")

	f.comp.SetTickInterval(0)
	assert.Equal(t, 16*time.Millisecond, f.comp.TickInterval(), "zero is ignored")
}
