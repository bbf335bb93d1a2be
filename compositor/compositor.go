// Package compositor runs the fixed-rate tick loop that turns the latest
// producer frames into exactly one composited frame per device per tick.
//
// There is one compositor per process, never one per device. Every tick it
// reads the newest frame from each assigned producer's slot, drops frames
// older than the stall timeout, folds overlay layers into the base layer
// with the compatibility matrix's blend operators and hands each device its
// finished buffer. Producers are never waited on: a missing or stale frame
// degrades that producer's slot for the tick and nothing else.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/device"
	"github.com/audiolux/lumen/logging"
)

// ErrAlreadyRunning indicates a second Start on a running compositor.
var ErrAlreadyRunning = errors.New("compositor: already running")

// DefaultTickInterval is the default compositor cadence, about 30 frames
// per second.
const DefaultTickInterval = 33 * time.Millisecond

// FrameSource provides the latest frame per producer. The producer registry
// implements it.
type FrameSource interface {
	Latest(id core.ProducerID) (core.Frame, bool)
}

// Output receives composited frames. The device sink implements it.
type Output interface {
	Send(ctx context.Context, device core.DeviceID, pixels []core.Pixel) (recovered bool, err error)
	Available(device core.DeviceID) bool
}

// Options configures a Compositor.
type Options struct {
	// TickInterval is the compositor cadence. The supported range is 60 Hz
	// to 30 Hz; values outside it are clamped. Defaults to
	// DefaultTickInterval.
	TickInterval time.Duration
	// StallTimeout is the frame age beyond which a producer counts as
	// stalled for the tick. Defaults to three tick intervals.
	StallTimeout time.Duration
	// Matrix supplies blend operators for overlay pairs. Defaults to the
	// built-in matrix.
	Matrix *core.CompatibilityMatrix
	// Clock drives stall detection. Defaults to the system clock.
	Clock Clock
	// Logger receives tick logs. Defaults to NoOpLogger.
	Logger logging.Logger
	// OnCondition receives stall and driver conditions as they arise. Must
	// not block; the engine hands it a buffered stream.
	OnCondition func(core.Condition)
	// OnTick receives a report after every tick, for metrics.
	OnTick func(TickReport)
}

// TickReport summarizes one compositor tick.
type TickReport struct {
	// DevicesWritten counts devices that accepted a frame this tick.
	DevicesWritten int
	// Composed counts producer frames folded into outputs.
	Composed int
	// Stalled counts producers whose frames were dropped as stale.
	Stalled int
	// Skipped counts sends withheld from devices that are out of rotation.
	Skipped int
	// Failures counts driver send failures.
	Failures int
	// Duration is how long the tick took.
	Duration time.Duration
}

// Compositor owns the tick loop. Assignment and device snapshots are swapped
// in atomically between ticks via SetAssignment.
type Compositor struct {
	source FrameSource
	output Output

	matrix      *core.CompatibilityMatrix
	clock       Clock
	logger      logging.Logger
	onCondition func(core.Condition)
	onTick      func(TickReport)

	mu           sync.RWMutex
	assignment   core.Assignment
	devices      []core.DeviceDescriptor
	stalled      map[core.ProducerID]bool
	tickInterval time.Duration
	stallTimeout time.Duration

	retick chan time.Duration

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Compositor reading from source and writing to output.
func New(source FrameSource, output Output, optFns ...func(o *Options)) *Compositor {
	opts := Options{
		TickInterval: DefaultTickInterval,
		Matrix:       core.DefaultMatrix(),
		Clock:        SystemClock(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.TickInterval = clampTick(opts.TickInterval)
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 3 * opts.TickInterval
	}
	if opts.Matrix == nil {
		opts.Matrix = core.DefaultMatrix()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Compositor{
		source:       source,
		output:       output,
		tickInterval: opts.TickInterval,
		stallTimeout: opts.StallTimeout,
		matrix:       opts.Matrix,
		clock:        opts.Clock,
		logger:       opts.Logger,
		onCondition:  opts.OnCondition,
		onTick:       opts.OnTick,
		assignment:   core.NewAssignment(),
		stalled:      make(map[core.ProducerID]bool),
		retick:       make(chan time.Duration, 1),
	}
}

// clampTick bounds the cadence to the supported 60 Hz to 30 Hz range.
func clampTick(d time.Duration) time.Duration {
	if d < 16*time.Millisecond {
		return 16 * time.Millisecond
	}
	if d > 34*time.Millisecond {
		return 34 * time.Millisecond
	}
	return d
}

// WithTickInterval sets the tick cadence.
func WithTickInterval(d time.Duration) func(o *Options) {
	return func(o *Options) { o.TickInterval = d }
}

// WithStallTimeout sets the stall timeout.
func WithStallTimeout(d time.Duration) func(o *Options) {
	return func(o *Options) { o.StallTimeout = d }
}

// WithMatrix sets the compatibility matrix used for blend operator lookup.
func WithMatrix(m *core.CompatibilityMatrix) func(o *Options) {
	return func(o *Options) { o.Matrix = m }
}

// WithClock sets the clock used for stall detection.
func WithClock(c Clock) func(o *Options) {
	return func(o *Options) { o.Clock = c }
}

// WithLogger sets the compositor logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithConditionFunc sets the condition callback.
func WithConditionFunc(fn func(core.Condition)) func(o *Options) {
	return func(o *Options) { o.OnCondition = fn }
}

// WithTickFunc sets the per-tick report callback.
func WithTickFunc(fn func(TickReport)) func(o *Options) {
	return func(o *Options) { o.OnTick = fn }
}

// TickInterval returns the current cadence.
func (c *Compositor) TickInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickInterval
}

// SetAssignment swaps in a new assignment and device snapshot. The swap
// takes effect on the next tick; the running tick finishes with the old one.
func (c *Compositor) SetAssignment(a core.Assignment, devices []core.DeviceDescriptor) {
	devs := append([]core.DeviceDescriptor(nil), devices...)
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })

	c.mu.Lock()
	c.assignment = a.Clone()
	c.devices = devs
	c.mu.Unlock()
}

// Start launches the tick loop. It returns ErrAlreadyRunning when the loop
// is already up.
func (c *Compositor) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	c.mu.RLock()
	interval, stall := c.tickInterval, c.stallTimeout
	c.mu.RUnlock()

	go c.run(runCtx, interval)
	c.logger.Info("Compositor started", "tick_interval", interval, "stall_timeout", stall)
	return nil
}

// Stop halts the tick loop and waits for the running tick to finish. Stop is
// idempotent.
func (c *Compositor) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return
	}
	c.cancel()
	<-c.done
	c.running = false
	c.logger.Info("Compositor stopped")
}

func (c *Compositor) run(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.retick:
			ticker.Reset(d)
		case <-ticker.C:
			report := c.Tick(ctx)
			if c.onTick != nil {
				c.onTick(report)
			}
		}
	}
}

// SetTickInterval changes the cadence, clamped to the supported range. A
// running loop picks the new cadence up from its next tick.
func (c *Compositor) SetTickInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	d = clampTick(d)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickInterval = d

	// Keep only the newest pending cadence.
	select {
	case <-c.retick:
	default:
	}
	select {
	case c.retick <- d:
	default:
	}
}

// SetStallTimeout changes the frame age cutoff, effective from the next
// tick. Non-positive values are ignored.
func (c *Compositor) SetStallTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.stallTimeout = d
	c.mu.Unlock()
}

// Tick performs one compositing pass over every device. It is exported so
// tests and offline replays can drive the compositor without the loop; the
// engine only ever uses the internal ticker.
func (c *Compositor) Tick(ctx context.Context) TickReport {
	start := time.Now()
	now := c.clock.Now()

	c.mu.RLock()
	assignment := c.assignment
	devices := c.devices
	stall := c.stallTimeout
	c.mu.RUnlock()

	var report TickReport
	for _, desc := range devices {
		pixels, composed, stalled := c.composeDevice(assignment.SlotsFor(desc.ID), desc, now, stall)
		report.Composed += composed
		report.Stalled += stalled

		recovered, err := c.output.Send(ctx, desc.ID, pixels)
		switch {
		case err == nil:
			report.DevicesWritten++
			if recovered {
				c.emit(core.Condition{Kind: core.ConditionDriverRecovered, Device: desc.ID, At: now})
			}
		case errors.Is(err, device.ErrDeviceDown):
			report.Skipped++
		default:
			report.Failures++
			c.emit(core.Condition{Kind: core.ConditionDriverFailure, Device: desc.ID, Detail: err.Error(), At: now})
		}
	}

	report.Duration = time.Since(start)
	c.logger.Debug("Tick completed", "devices", report.DevicesWritten, "composed", report.Composed, "stalled", report.Stalled, "duration", report.Duration)
	return report
}

// composeDevice builds one device's output buffer from its slot layers. An
// unassigned device gets a black frame so evicted content never lingers on
// the LEDs. Each overlay folds in with the operator the matrix declares
// between the base layer's mode and the overlay's mode.
func (c *Compositor) composeDevice(slots []core.Slot, desc core.DeviceDescriptor, now time.Time, stall time.Duration) ([]core.Pixel, int, int) {
	target := desc.Geometry.PixelCount()
	capacity := desc.EffectiveCapacity()

	var out []core.Pixel
	var baseMode core.ModeID
	composed := 0
	stalledCount := 0

	for _, slot := range slots {
		frame, ok := c.source.Latest(slot.Producer)
		if !ok {
			continue
		}
		if frame.Age(now) > stall {
			stalledCount++
			c.markStalled(slot.Producer, frame.Age(now), now, stall)
			continue
		}
		c.clearStalled(slot.Producer)

		layer := fitPixels(frame.Pixels, target)
		if out == nil {
			out = layer
			baseMode = frame.Mode
			composed++
			continue
		}

		op, declared := c.matrix.OpFor(baseMode, frame.Mode)
		if !declared {
			// The router only co-locates declared overlay pairs; an
			// undeclared fold here means the matrix changed under us.
			op = core.BlendMax
			c.logger.Warn("Overlay pair without declared operator", "base", baseMode, "overlay", frame.Mode)
		}
		if err := core.BlendInto(op, out, layer); err != nil {
			c.logger.Error("Blend failed", "device", desc.ID, "error", err)
			continue
		}
		composed++
	}

	if out == nil {
		out = make([]core.Pixel, target)
	}
	if len(out) > capacity {
		out = out[:capacity]
	}
	return out, composed, stalledCount
}

func (c *Compositor) markStalled(id core.ProducerID, age time.Duration, now time.Time, stall time.Duration) {
	c.mu.Lock()
	already := c.stalled[id]
	c.stalled[id] = true
	c.mu.Unlock()

	if !already {
		c.emit(core.Condition{
			Kind:     core.ConditionStalled,
			Producer: id,
			Detail:   fmt.Sprintf("frame age %s exceeds stall timeout %s", age.Round(time.Millisecond), stall),
			At:       now,
		})
	}
}

func (c *Compositor) clearStalled(id core.ProducerID) {
	c.mu.Lock()
	delete(c.stalled, id)
	c.mu.Unlock()
}

// StalledProducers returns the producers currently held out of composition.
func (c *Compositor) StalledProducers() []core.ProducerID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]core.ProducerID, 0, len(c.stalled))
	for id := range c.stalled {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Compositor) emit(cond core.Condition) {
	if c.onCondition != nil {
		c.onCondition(cond)
	}
}
