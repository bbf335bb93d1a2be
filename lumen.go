// Package lumen provides a high-level façade over the compositing Engine
// and its services (sessions, transport, journaling, metrics) enabling
// rapid construction of synchronized light performances. Most applications
// interact with this package by:
//  1. Creating a Lumen via New() with a device driver (optionally overriding
//     the default in-process transport and in-memory store)
//  2. Registering one or more frame producers
//  3. Joining shared sessions and mutating pattern state
//
// The façade delegates compositing to engine.Engine and synchronization to
// session.Manager while keeping setup ergonomics concise. All defaults are
// safe for local development and testing; production deployments typically
// supply an MQTT transport, a SQLite journal, and a structured logger.
package lumen

import (
	"context"
	"time"

	"github.com/audiolux/lumen/compositor"
	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/device"
	"github.com/audiolux/lumen/engine"
	"github.com/audiolux/lumen/logging"
	"github.com/audiolux/lumen/metrics"
	"github.com/audiolux/lumen/producer"
	"github.com/audiolux/lumen/routing"
	"github.com/audiolux/lumen/session"
	"github.com/audiolux/lumen/transport"
)

// Version is the library version.
const Version = "0.1.0"

// Options configures the Lumen instance.
type Options struct {
	// EngineConfig carries routing and compositing timing.
	EngineConfig engine.Config

	// Matrix declares which mode pairs may share a device. Defaults to the
	// built-in compatibility matrix.
	Matrix *core.CompatibilityMatrix

	// ModeSpecs declares the known visualization modes. Defaults to the
	// built-in set.
	ModeSpecs []core.ModeSpec

	// IncompatiblePolicy selects how routing treats producers whose modes
	// can never share a contested device. The zero value excludes the
	// contested device and reports the standing pair.
	IncompatiblePolicy routing.IncompatiblePolicy

	// Transport carries session envelopes between participants. Defaults
	// to an in-process loopback hub, which synchronizes sessions within
	// this process only.
	Transport session.Transport

	// Store persists session state across leave and join. Defaults to an
	// in-memory store.
	Store session.Store

	// Journal records session traffic durably. Nil disables journaling.
	Journal session.Journal

	// SessionBufferWindow is how long an out-of-order delta may wait
	// before a resync is requested. Zero keeps the manager default.
	SessionBufferWindow time.Duration

	// SessionCoalesceWindow is the sender's merge window for local op
	// bursts. Zero keeps the manager default.
	SessionCoalesceWindow time.Duration

	// SessionMaxPerSecond caps outgoing deltas per session. Zero keeps
	// the manager default.
	SessionMaxPerSecond int

	// Metrics receives pipeline instrumentation. Nil disables it.
	Metrics *metrics.Metrics

	// Origin tags everything this instance publishes so its own envelopes
	// can be recognized and skipped. Empty generates a random tag.
	Origin string

	// Clock drives the compositor. Defaults to the system clock.
	Clock compositor.Clock

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// WithEngineConfig overrides the engine timing configuration.
func WithEngineConfig(cfg engine.Config) func(o *Options) {
	return func(o *Options) { o.EngineConfig = cfg }
}

// WithMatrix overrides the compatibility matrix.
func WithMatrix(m *core.CompatibilityMatrix) func(o *Options) {
	return func(o *Options) {
		if m != nil {
			o.Matrix = m
		}
	}
}

// WithModeSpecs overrides the known mode specs.
func WithModeSpecs(specs ...core.ModeSpec) func(o *Options) {
	return func(o *Options) {
		if len(specs) > 0 {
			o.ModeSpecs = specs
		}
	}
}

// WithIncompatiblePolicy sets how incompatible contests resolve.
func WithIncompatiblePolicy(p routing.IncompatiblePolicy) func(o *Options) {
	return func(o *Options) { o.IncompatiblePolicy = p }
}

// WithTransport sets the session transport.
func WithTransport(t session.Transport) func(o *Options) {
	return func(o *Options) {
		if t != nil {
			o.Transport = t
		}
	}
}

// WithStore sets the session state store.
func WithStore(s session.Store) func(o *Options) {
	return func(o *Options) {
		if s != nil {
			o.Store = s
		}
	}
}

// WithJournal enables session journaling.
func WithJournal(j session.Journal) func(o *Options) {
	return func(o *Options) { o.Journal = j }
}

// WithSessionTuning overrides the sync timing knobs. Zero values keep the
// manager defaults.
func WithSessionTuning(bufferWindow, coalesceWindow time.Duration, maxPerSecond int) func(o *Options) {
	return func(o *Options) {
		o.SessionBufferWindow = bufferWindow
		o.SessionCoalesceWindow = coalesceWindow
		o.SessionMaxPerSecond = maxPerSecond
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) func(o *Options) {
	return func(o *Options) { o.Metrics = m }
}

// WithOrigin sets the origin tag.
func WithOrigin(origin string) func(o *Options) {
	return func(o *Options) {
		if origin != "" {
			o.Origin = origin
		}
	}
}

// WithClock sets the compositor clock.
func WithClock(c compositor.Clock) func(o *Options) {
	return func(o *Options) {
		if c != nil {
			o.Clock = c
		}
	}
}

// WithLogger sets the logger shared by the engine and session manager.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// Lumen is the high-level façade aggregating the engine and the session
// manager.
type Lumen struct {
	opts     Options
	engine   *engine.Engine
	sessions *session.Manager
	metrics  *metrics.Metrics
}

// New creates a Lumen instance driving the given device driver. Any unset
// service is initialized with an in-process implementation.
func New(driver device.Driver, optFns ...func(o *Options)) (*Lumen, error) {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Transport:    transport.NewLoopbackHub(),
		Store:        session.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	l := &Lumen{opts: opts, metrics: opts.Metrics}

	mgrOpts := []func(*session.ManagerOptions){
		session.WithStore(opts.Store),
		session.WithManagerLogger(opts.Logger),
		session.WithOnCondition(func(c core.Condition) {
			if l.engine != nil {
				l.engine.Report(c)
			}
		}),
	}
	if opts.Journal != nil {
		mgrOpts = append(mgrOpts, session.WithJournal(opts.Journal))
	}
	if opts.SessionBufferWindow > 0 {
		mgrOpts = append(mgrOpts, session.WithBufferWindow(opts.SessionBufferWindow))
	}
	if opts.SessionCoalesceWindow > 0 {
		mgrOpts = append(mgrOpts, session.WithManagerCoalesceWindow(opts.SessionCoalesceWindow))
	}
	if opts.SessionMaxPerSecond > 0 {
		mgrOpts = append(mgrOpts, session.WithManagerMaxPerSecond(opts.SessionMaxPerSecond))
	}
	if opts.Origin != "" {
		mgrOpts = append(mgrOpts, session.WithOrigin(opts.Origin))
	}
	if opts.Metrics != nil {
		m := opts.Metrics
		mgrOpts = append(mgrOpts, session.WithOnApply(func(core.SessionID, uint64, int) {
			m.IncDeltasApplied()
		}))
	}
	l.sessions = session.NewManager(opts.Transport, mgrOpts...)

	engOpts := []func(*engine.Options){
		engine.WithConfig(opts.EngineConfig),
		engine.WithIncompatiblePolicy(opts.IncompatiblePolicy),
		engine.WithSessionManager(l.sessions),
		engine.WithLogger(opts.Logger),
	}
	if opts.Matrix != nil {
		engOpts = append(engOpts, engine.WithMatrix(opts.Matrix))
	}
	if len(opts.ModeSpecs) > 0 {
		engOpts = append(engOpts, engine.WithModeSpecs(opts.ModeSpecs...))
	}
	if opts.Clock != nil {
		engOpts = append(engOpts, engine.WithClock(opts.Clock))
	}

	eng, err := engine.New(driver, engOpts...)
	if err != nil {
		return nil, err
	}
	l.engine = eng

	if opts.Metrics != nil {
		wireMetrics(eng, opts.Metrics)
	}
	return l, nil
}

// wireMetrics feeds the pipeline's lifecycle hooks into the collectors.
func wireMetrics(eng *engine.Engine, m *metrics.Metrics) {
	eng.Hooks().Register(engine.HookAfterTick, func(hctx engine.HookContext) {
		r := hctx.TickReport
		m.AddFramesComposited(r.Composed)
		m.AddDevicesWritten(r.DevicesWritten)
		m.AddFramesStalled(r.Stalled)
		m.AddDriverFailures(r.Failures)
		m.ObserveTickDuration(r.Duration)
	})
	eng.Hooks().Register(engine.HookAfterRoute, func(engine.HookContext) {
		m.IncRoutePasses()
	})
	eng.Hooks().Register(engine.HookOnCondition, func(hctx engine.HookContext) {
		m.IncCondition(string(hctx.Condition.Kind))
	})
}

// Engine exposes the underlying engine.
func (l *Lumen) Engine() *engine.Engine { return l.engine }

// Sessions exposes the session manager.
func (l *Lumen) Sessions() *session.Manager { return l.sessions }

// Metrics exposes the instrumentation, or nil when disabled.
func (l *Lumen) Metrics() *metrics.Metrics { return l.metrics }

// Start begins routing and compositing.
func (l *Lumen) Start(ctx context.Context) error { return l.engine.Start(ctx) }

// Stop halts the pipeline without releasing resources.
func (l *Lumen) Stop() { l.engine.Stop() }

// Close stops the pipeline and releases every held resource, including all
// joined sessions.
func (l *Lumen) Close() error { return l.engine.Close() }

// RegisterProducer adds a frame producer under the given mode.
func (l *Lumen) RegisterProducer(id core.ProducerID, mode core.ModeID, optFns ...func(o *producer.RegisterOptions)) (*producer.Handle, error) {
	return l.engine.RegisterProducer(id, mode, optFns...)
}

// Join binds a shared session and returns its replica.
func (l *Lumen) Join(ctx context.Context, id core.SessionID) (*session.Replica, error) {
	return l.sessions.Join(ctx, id)
}

// Leave releases a joined session, persisting its state.
func (l *Lumen) Leave(id core.SessionID) error {
	return l.sessions.Leave(id)
}

// Mutate applies ops to a joined session and queues the delta for peers.
func (l *Lumen) Mutate(id core.SessionID, ops ...session.PatternOp) error {
	return l.sessions.Mutate(id, ops...)
}

// Conditions exposes the engine's condition stream.
func (l *Lumen) Conditions() <-chan core.Condition { return l.engine.Conditions() }

// Standing reports the current state of the whole pipeline.
func (l *Lumen) Standing() engine.Standing { return l.engine.Standing() }
