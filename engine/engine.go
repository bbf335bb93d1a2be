package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolux/lumen/compositor"
	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/device"
	"github.com/audiolux/lumen/logging"
	"github.com/audiolux/lumen/producer"
	"github.com/audiolux/lumen/routing"
	"github.com/audiolux/lumen/session"
)

// ErrAlreadyRunning is returned when Start is called on a running engine.
var ErrAlreadyRunning = errors.New("engine: already running")

// Config defines tuning parameters for the engine's operational behavior.
//
// This configuration focuses on the timing characteristics of the pipeline:
//   - Routing: how long producer and device churn settles before a pass
//   - Ticking: the compositor cadence and stall cutoff
//   - Buffering: how many conditions queue before old ones drop
//
// Dependencies such as the compatibility matrix, mode specs and the session
// manager are configured via functional options rather than this struct.
type Config struct {
	// RouteDebounce is how long registration and device churn must go
	// quiet before a routing pass runs. Several producers joining in one
	// burst cost one pass instead of one each.
	RouteDebounce time.Duration

	// TickInterval is the compositor cadence.
	TickInterval time.Duration

	// StallTimeout is how old a producer's latest frame may grow before
	// the producer counts as stalled. Zero derives it from the tick
	// interval.
	StallTimeout time.Duration

	// ConditionBuffer sets the Conditions stream buffer. When full, the
	// oldest condition is dropped for the newest.
	ConditionBuffer int
}

// DefaultConfig provides production-ready defaults: a 50ms routing
// debounce, the compositor's native cadence and room for 64 queued
// conditions.
var DefaultConfig = Config{
	RouteDebounce:   50 * time.Millisecond,
	TickInterval:    compositor.DefaultTickInterval,
	ConditionBuffer: 64,
}

// Options configures an Engine instance using the functional options
// pattern. All dependencies except the device driver have defaults, so a
// bare New(driver) yields a working single-process engine.
type Options struct {
	// Config contains operational parameters for the engine behavior.
	Config Config

	// Matrix declares which visualization modes may share a device and
	// how they blend. Defaults to the built-in matrix.
	Matrix *core.CompatibilityMatrix

	// ModeSpecs declares the geometry requirements per mode. Defaults to
	// the built-in specs.
	ModeSpecs []core.ModeSpec

	// Rules orders producers when they contest a device. Defaults to the
	// pin, activity, priority, registration chain.
	Rules []routing.Rule

	// IncompatiblePolicy picks how incompatible contests resolve.
	IncompatiblePolicy routing.IncompatiblePolicy

	// SessionManager wires shared sessions into the engine's condition
	// stream. Nil runs the engine without sessions.
	SessionManager *session.Manager

	// Clock supplies time to the compositor.
	Clock compositor.Clock

	// Logger provides structured logging for the whole pipeline.
	Logger logging.Logger
}

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithMatrix sets the compatibility matrix.
func WithMatrix(m *core.CompatibilityMatrix) func(o *Options) {
	return func(o *Options) {
		if m != nil {
			o.Matrix = m
		}
	}
}

// WithModeSpecs sets the mode geometry specs.
func WithModeSpecs(specs ...core.ModeSpec) func(o *Options) {
	return func(o *Options) {
		if len(specs) > 0 {
			o.ModeSpecs = specs
		}
	}
}

// WithRules sets the producer ordering rule chain.
func WithRules(rules ...routing.Rule) func(o *Options) {
	return func(o *Options) {
		if len(rules) > 0 {
			o.Rules = rules
		}
	}
}

// WithIncompatiblePolicy sets how incompatible contests resolve.
func WithIncompatiblePolicy(p routing.IncompatiblePolicy) func(o *Options) {
	return func(o *Options) { o.IncompatiblePolicy = p }
}

// WithSessionManager attaches a session manager.
func WithSessionManager(m *session.Manager) func(o *Options) {
	return func(o *Options) { o.SessionManager = m }
}

// WithClock sets the compositor clock.
func WithClock(c compositor.Clock) func(o *Options) {
	return func(o *Options) {
		if c != nil {
			o.Clock = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// Standing is a point-in-time snapshot of the pipeline for inspection.
type Standing struct {
	// Producers is the current roster in registration order.
	Producers []core.ProducerDescriptor `json:"producers"`

	// Devices is the device fleet as of the last routing pass.
	Devices []core.DeviceDescriptor `json:"devices"`

	// Assignment is the routing in effect.
	Assignment core.Assignment `json:"assignment"`

	// Stalled lists producers whose frames have gone quiet.
	Stalled []core.ProducerID `json:"stalled,omitempty"`

	// DownDevices lists devices currently held out after send failures.
	DownDevices []core.DeviceID `json:"down_devices,omitempty"`

	// Sessions lists joined session IDs.
	Sessions []core.SessionID `json:"sessions,omitempty"`

	// RoutePasses counts routing passes since start.
	RoutePasses uint64 `json:"route_passes"`

	// LastRouteAt is when the assignment was last recomputed.
	LastRouteAt time.Time `json:"last_route_at"`
}

// Engine wires the full pipeline: producers publish frames into a
// registry, a router maps them onto the device fleet, and a fixed-tick
// compositor blends and writes the result through a failure-isolating sink.
//
// Core responsibilities:
//   - Producer registry: registration, activity, pinning, frame intake
//   - Routing: debounced recomputation on producer and device churn
//   - Compositing: fixed cadence, one frame per device per tick
//   - Conditions: a single stream carrying every recoverable degradation
//   - Sessions: optional shared pattern state behind the same conditions
//
// Concurrency model:
//   - One goroutine watches churn signals and debounces routing passes
//   - The compositor runs its own tick loop
//   - Public methods are safe for concurrent use
//
// Conditions never stop the pipeline. An unroutable producer, a stalled
// peer, a dead device or a degraded journal each surface on the Conditions
// stream while everything else keeps rendering.
type Engine struct {
	registry   *producer.Registry
	sink       *device.Sink
	router     *routing.Router
	compositor *compositor.Compositor
	sessions   *session.Manager
	hooks      *Hooks
	logger     logging.Logger

	config Config
	driver device.Driver

	conditions chan core.Condition
	refreshCh  chan struct{}

	routePasses atomic.Uint64

	mu          sync.RWMutex
	lastResult  routing.Result
	lastDevices []core.DeviceDescriptor
	lastRouteAt time.Time

	// Only the watch goroutine touches these.
	prevUnrouted map[core.ProducerID]bool
	prevPairs    map[[2]core.ProducerID]bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an engine over a device driver with optional overrides.
func New(driver device.Driver, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Config:    DefaultConfig,
		Matrix:    core.DefaultMatrix(),
		ModeSpecs: core.BuiltinModeSpecs(),
		Clock:     compositor.SystemClock(),
		Logger:    logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config.RouteDebounce <= 0 {
		opts.Config.RouteDebounce = DefaultConfig.RouteDebounce
	}
	if opts.Config.ConditionBuffer <= 0 {
		opts.Config.ConditionBuffer = DefaultConfig.ConditionBuffer
	}

	routerOpts := []func(o *routing.Options){
		routing.WithIncompatiblePolicy(opts.IncompatiblePolicy),
	}
	if len(opts.Rules) > 0 {
		routerOpts = append(routerOpts, routing.WithRules(opts.Rules...))
	}
	router, err := routing.New(opts.Matrix, opts.ModeSpecs, routerOpts...)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	e := &Engine{
		registry:     producer.NewRegistry(producer.WithLogger(opts.Logger)),
		sink:         device.NewSink(driver, device.WithSinkLogger(opts.Logger)),
		router:       router,
		sessions:     opts.SessionManager,
		hooks:        NewHooks(),
		logger:       opts.Logger,
		config:       opts.Config,
		driver:       driver,
		conditions:   make(chan core.Condition, opts.Config.ConditionBuffer),
		refreshCh:    make(chan struct{}, 1),
		prevUnrouted: make(map[core.ProducerID]bool),
		prevPairs:    make(map[[2]core.ProducerID]bool),
	}

	compOpts := []func(o *compositor.Options){
		compositor.WithMatrix(opts.Matrix),
		compositor.WithClock(opts.Clock),
		compositor.WithLogger(opts.Logger),
		compositor.WithConditionFunc(e.emit),
		compositor.WithTickFunc(e.afterTick),
	}
	if opts.Config.TickInterval > 0 {
		compOpts = append(compOpts, compositor.WithTickInterval(opts.Config.TickInterval))
	}
	if opts.Config.StallTimeout > 0 {
		compOpts = append(compOpts, compositor.WithStallTimeout(opts.Config.StallTimeout))
	}
	e.compositor = compositor.New(e.registry, e.sink, compOpts...)

	return e, nil
}

// Registry returns the producer registry. Producers register and publish
// through it.
func (e *Engine) Registry() *producer.Registry { return e.registry }

// Sessions returns the session manager, or nil when the engine runs
// without sessions.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Hooks returns the lifecycle hook registry.
func (e *Engine) Hooks() *Hooks { return e.hooks }

// RegisterProducer registers a producer and returns its publish handle.
// Registration schedules a routing pass automatically.
func (e *Engine) RegisterProducer(id core.ProducerID, mode core.ModeID, optFns ...func(o *producer.RegisterOptions)) (*producer.Handle, error) {
	return e.registry.Register(id, mode, optFns...)
}

// Conditions returns the stream of recoverable degradations. The stream is
// never closed; when its buffer fills, the oldest condition is dropped.
func (e *Engine) Conditions() <-chan core.Condition { return e.conditions }

// Report surfaces a condition from an outside source, such as a session
// manager or an application, on the engine's stream.
func (e *Engine) Report(c core.Condition) { e.emit(c) }

// ApplyTiming applies the hot-reloadable subset of Config: routing
// debounce, tick cadence and stall timeout. Zero fields keep their current
// values. The condition buffer size is fixed at construction.
func (e *Engine) ApplyTiming(cfg Config) {
	e.mu.Lock()
	if cfg.RouteDebounce > 0 {
		e.config.RouteDebounce = cfg.RouteDebounce
	}
	if cfg.TickInterval > 0 {
		e.config.TickInterval = cfg.TickInterval
	}
	if cfg.StallTimeout > 0 {
		e.config.StallTimeout = cfg.StallTimeout
	}
	applied := e.config
	e.mu.Unlock()

	if cfg.TickInterval > 0 {
		e.compositor.SetTickInterval(cfg.TickInterval)
	}
	if cfg.StallTimeout > 0 {
		e.compositor.SetStallTimeout(cfg.StallTimeout)
	}
	e.logger.Info("Timing applied",
		"route_debounce", applied.RouteDebounce,
		"tick_interval", e.compositor.TickInterval(),
		"stall_timeout", applied.StallTimeout)
}

// Refresh schedules a routing pass outside the usual churn triggers, for
// example after reconfiguring the matrix.
func (e *Engine) Refresh() {
	select {
	case e.refreshCh <- struct{}{}:
	default:
	}
}

// Start routes once and begins ticking. It returns ErrAlreadyRunning on a
// running engine.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)

	e.route(runCtx)
	if err := e.compositor.Start(runCtx); err != nil {
		cancel()
		return err
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	go e.watch(runCtx, e.done)

	e.logger.Info("Engine started",
		"tick_interval", e.compositor.TickInterval(),
		"route_debounce", e.debounceInterval())
	return nil
}

// Stop halts the tick loop and the routing watcher. Idempotent.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.compositor.Stop()
	e.cancel = nil
	e.done = nil

	e.logger.Info("Engine stopped")
}

// Close stops the engine and releases the registry, the sessions and the
// driver.
func (e *Engine) Close() error {
	e.Stop()
	e.registry.Close()

	var firstErr error
	if e.sessions != nil {
		if err := e.sessions.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.sink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// watch debounces churn signals into routing passes. Registration changes,
// device fleet changes and manual refreshes all land on the same timer, so
// a burst of churn costs one pass after it settles.
func (e *Engine) watch(ctx context.Context, done chan struct{}) {
	defer close(done)

	var deviceCh <-chan struct{}
	if w, ok := e.driver.(device.Watcher); ok {
		deviceCh = w.Changes()
	}
	registryCh := e.registry.Changes()

	debounce := time.NewTimer(e.debounceInterval())
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-registryCh:
			debounce.Reset(e.debounceInterval())
		case <-deviceCh:
			debounce.Reset(e.debounceInterval())
		case <-e.refreshCh:
			debounce.Reset(e.debounceInterval())
		case <-debounce.C:
			e.route(ctx)
		}
	}
}

func (e *Engine) debounceInterval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.RouteDebounce
}

// route runs one routing pass and applies the result to the compositor.
func (e *Engine) route(ctx context.Context) {
	start := time.Now()
	e.hooks.run(HookContext{Type: HookBeforeRoute, At: start})

	devices, err := e.sink.Devices(ctx)
	if err != nil {
		e.logger.Error("Device enumeration failed, keeping last assignment", "error", err)
		return
	}
	roster := e.registry.Roster()
	result := e.router.Route(roster, devices)

	e.compositor.SetAssignment(result.Assignment, devices)
	e.routePasses.Add(1)

	e.mu.Lock()
	e.lastResult = result
	e.lastDevices = devices
	e.lastRouteAt = time.Now()
	e.mu.Unlock()

	e.reportRouteConditions(result)
	if unrouted := len(result.Assignment.Unrouted); unrouted > 0 {
		e.logger.Warn("Routing pass left producers unrouted",
			"producers", len(roster), "devices", len(devices),
			"unrouted", unrouted, "duration", time.Since(start))
	} else {
		e.logger.Info("Routing pass completed",
			"producers", len(roster), "devices", len(devices),
			"duration", time.Since(start))
	}
	e.hooks.run(HookContext{Type: HookAfterRoute, RouteResult: &result, At: time.Now()})
}

// reportRouteConditions emits conditions for producers newly unrouted and
// pairs newly found incompatible, edge triggered so a standing situation
// reports once per onset rather than once per pass.
func (e *Engine) reportRouteConditions(result routing.Result) {
	now := time.Now()

	unknown := make(map[core.ProducerID]bool, len(result.UnknownModes))
	for _, id := range result.UnknownModes {
		unknown[id] = true
	}

	currentUnrouted := make(map[core.ProducerID]bool, len(result.Assignment.Unrouted))
	for _, id := range result.Assignment.Unrouted {
		currentUnrouted[id] = true
		if e.prevUnrouted[id] {
			continue
		}
		detail := "no admissible device"
		if unknown[id] {
			detail = "mode has no registered spec"
		}
		e.emit(core.Condition{
			Kind:     core.ConditionUnrouted,
			Producer: id,
			Detail:   detail,
			At:       now,
		})
	}

	currentPairs := make(map[[2]core.ProducerID]bool, len(result.IncompatiblePairs))
	for _, pair := range result.IncompatiblePairs {
		currentPairs[pair] = true
		if e.prevPairs[pair] {
			continue
		}
		e.emit(core.Condition{
			Kind:     core.ConditionIncompatiblePair,
			Producer: pair[0],
			Detail:   fmt.Sprintf("may never share a device with %s", pair[1]),
			At:       now,
		})
	}

	e.prevUnrouted = currentUnrouted
	e.prevPairs = currentPairs
}

// afterTick forwards tick reports to the hooks.
func (e *Engine) afterTick(report compositor.TickReport) {
	e.hooks.run(HookContext{Type: HookAfterTick, TickReport: &report, At: time.Now()})
}

// emit delivers a condition to the stream, dropping the oldest entry when
// the buffer is full, and to the OnCondition hooks.
func (e *Engine) emit(c core.Condition) {
	e.hooks.run(HookContext{Type: HookOnCondition, Condition: &c, At: c.At})

	select {
	case e.conditions <- c:
		return
	default:
	}
	select {
	case <-e.conditions:
	default:
	}
	select {
	case e.conditions <- c:
	default:
	}
}

// Standing returns a snapshot of the pipeline.
func (e *Engine) Standing() Standing {
	e.mu.RLock()
	result := e.lastResult
	devices := append([]core.DeviceDescriptor(nil), e.lastDevices...)
	lastRouteAt := e.lastRouteAt
	e.mu.RUnlock()

	s := Standing{
		Producers:   e.registry.Roster(),
		Devices:     devices,
		Assignment:  result.Assignment.Clone(),
		Stalled:     e.compositor.StalledProducers(),
		DownDevices: e.sink.Down(),
		RoutePasses: e.routePasses.Load(),
		LastRouteAt: lastRouteAt,
	}
	if e.sessions != nil {
		s.Sessions = e.sessions.Sessions()
	}
	return s
}
