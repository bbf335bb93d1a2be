// Package producer manages the roster of frame producers and the per
// producer frame slots the compositor reads from.
//
// Producers register a visualization mode and receive a Handle for
// publishing. Publishing is always non-blocking: each producer owns a single
// frame slot where the latest frame overwrites the previous one, so a slow
// consumer never applies backpressure to a renderer. Roster mutations
// (register, unregister, activity, pins) raise a coalesced change signal
// that the engine turns into a debounced routing pass.
package producer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/logging"
)

var (
	// ErrRegistryClosed indicates an operation on a closed registry.
	ErrRegistryClosed = errors.New("producer: registry closed")
	// ErrUnknownProducer indicates an operation for an unregistered producer ID.
	ErrUnknownProducer = errors.New("producer: unknown producer")
	// ErrStaleHandle indicates a handle that was invalidated by a later
	// registration of the same producer ID or by unregistration.
	ErrStaleHandle = errors.New("producer: stale handle")
	// ErrSeqRegression indicates a published frame whose sequence number did
	// not advance. The frame is discarded.
	ErrSeqRegression = errors.New("producer: sequence did not advance")
)

// Options configures a Registry.
type Options struct {
	// Logger receives registry lifecycle logs. Defaults to NoOpLogger.
	Logger logging.Logger
}

// RegisterOptions configures one producer registration.
type RegisterOptions struct {
	// Priority weights routing decisions; higher wins contested devices.
	Priority int
	// Pinned pins the producer to a device from the start.
	Pinned core.DeviceID
	// Active marks the producer as animating from the start.
	Active bool
}

// WithPriority sets the producer's routing priority.
func WithPriority(p int) func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.Priority = p }
}

// WithPin pins the producer to a device.
func WithPin(device core.DeviceID) func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.Pinned = device }
}

// WithActive marks the producer as animating.
func WithActive(active bool) func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.Active = active }
}

type entry struct {
	desc  core.ProducerDescriptor
	token string
	slot  *frameSlot
}

// Registry tracks registered producers and their frame slots.
type Registry struct {
	mu          sync.RWMutex
	producers   map[core.ProducerID]*entry
	nextOrdinal uint64
	closed      bool

	changes chan struct{}
	logger  logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Registry{
		producers: make(map[core.ProducerID]*entry),
		changes:   make(chan struct{}, 1),
		logger:    opts.Logger,
	}
}

// WithLogger sets the registry logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Register adds a producer with the given mode declaration and returns its
// publishing handle. Registering an ID that already exists replaces the
// previous declaration: the old handle goes stale, the frame slot resets and
// the producer receives a fresh registration ordinal.
func (r *Registry) Register(id core.ProducerID, mode core.ModeID, optFns ...func(o *RegisterOptions)) (*Handle, error) {
	if id == "" {
		return nil, fmt.Errorf("producer: registration requires an id")
	}
	if mode == "" {
		return nil, fmt.Errorf("producer: registration of %s requires a mode", id)
	}

	opts := RegisterOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	replaced := false
	if _, ok := r.producers[id]; ok {
		replaced = true
	}
	r.nextOrdinal++
	e := &entry{
		desc: core.ProducerDescriptor{
			ID:       id,
			Mode:     mode,
			Priority: opts.Priority,
			Pinned:   opts.Pinned,
			Active:   opts.Active,
			Ordinal:  r.nextOrdinal,
		},
		token: uuid.NewString(),
		slot:  &frameSlot{},
	}
	r.producers[id] = e
	token := e.token
	r.mu.Unlock()

	if replaced {
		r.logger.Info("Producer re-registered", "producer", id, "mode", mode)
	} else {
		r.logger.Info("Producer registered", "producer", id, "mode", mode)
	}
	r.signalChange()

	return &Handle{registry: r, id: id, token: token}, nil
}

// Unregister removes a producer by ID regardless of which handle owns it.
func (r *Registry) Unregister(id core.ProducerID) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, ok := r.producers[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProducer, id)
	}
	delete(r.producers, id)
	r.mu.Unlock()

	r.logger.Info("Producer unregistered", "producer", id)
	r.signalChange()
	return nil
}

// SetActive updates a producer's animating flag.
func (r *Registry) SetActive(id core.ProducerID, active bool) error {
	return r.update(id, func(e *entry) bool {
		if e.desc.Active == active {
			return false
		}
		e.desc.Active = active
		return true
	})
}

// Pin pins a producer to a device. An empty device ID clears the pin.
func (r *Registry) Pin(id core.ProducerID, device core.DeviceID) error {
	return r.update(id, func(e *entry) bool {
		if e.desc.Pinned == device {
			return false
		}
		e.desc.Pinned = device
		return true
	})
}

// SetPriority updates a producer's routing priority.
func (r *Registry) SetPriority(id core.ProducerID, priority int) error {
	return r.update(id, func(e *entry) bool {
		if e.desc.Priority == priority {
			return false
		}
		e.desc.Priority = priority
		return true
	})
}

func (r *Registry) update(id core.ProducerID, mutate func(e *entry) bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	e, ok := r.producers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProducer, id)
	}
	changed := mutate(e)
	r.mu.Unlock()

	if changed {
		r.signalChange()
	}
	return nil
}

// Roster returns a snapshot of all registered producers ordered by
// registration ordinal. The returned slice is the caller's to keep.
func (r *Registry) Roster() []core.ProducerDescriptor {
	r.mu.RLock()
	roster := make([]core.ProducerDescriptor, 0, len(r.producers))
	for _, e := range r.producers {
		roster = append(roster, e.desc)
	}
	r.mu.RUnlock()

	sort.Slice(roster, func(i, j int) bool { return roster[i].Ordinal < roster[j].Ordinal })
	return roster
}

// Latest returns the newest frame published by a producer, if any.
func (r *Registry) Latest(id core.ProducerID) (core.Frame, bool) {
	r.mu.RLock()
	e, ok := r.producers[id]
	r.mu.RUnlock()
	if !ok {
		return core.Frame{}, false
	}
	return e.slot.latest()
}

// Changes returns the coalesced roster change signal. The channel carries at
// most one pending notification; readers that fall behind see a single
// signal for any number of mutations.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

// Stats returns per-producer publish counters keyed by producer ID.
func (r *Registry) Stats() map[core.ProducerID]SlotStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[core.ProducerID]SlotStats, len(r.producers))
	for id, e := range r.producers {
		out[id] = e.slot.stats()
	}
	return out
}

// Close invalidates all handles and rejects further mutations. Close is
// idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.producers = make(map[core.ProducerID]*entry)
	r.mu.Unlock()
}

func (r *Registry) signalChange() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

func (r *Registry) publish(id core.ProducerID, token string, frame core.Frame) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRegistryClosed
	}
	e, ok := r.producers[id]
	if !ok || e.token != token {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrStaleHandle, id)
	}
	desc := e.desc
	slot := e.slot
	r.mu.RUnlock()

	frame.Producer = id
	frame.Mode = desc.Mode
	return slot.store(frame)
}

// Handle is a producer's capability to publish frames and adjust its own
// registration. A handle goes stale when its producer is unregistered or
// re-registered.
type Handle struct {
	registry *Registry
	id       core.ProducerID
	token    string
}

// ID returns the producer ID the handle publishes as.
func (h *Handle) ID() core.ProducerID { return h.id }

// Publish stores a frame in the producer's slot, overwriting any unread
// previous frame. The call never blocks on the compositor. The frame's
// Producer and Mode fields are stamped from the registration.
func (h *Handle) Publish(frame core.Frame) error {
	return h.registry.publish(h.id, h.token, frame)
}

// SetActive updates the producer's animating flag through the handle.
func (h *Handle) SetActive(active bool) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.registry.SetActive(h.id, active)
}

// Pin pins the producer to a device. An empty device ID clears the pin.
func (h *Handle) Pin(device core.DeviceID) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.registry.Pin(h.id, device)
}

// Close unregisters the producer if this handle still owns it.
func (h *Handle) Close() error {
	if err := h.check(); err != nil {
		return err
	}
	return h.registry.Unregister(h.id)
}

func (h *Handle) check() error {
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()

	if h.registry.closed {
		return ErrRegistryClosed
	}
	e, ok := h.registry.producers[h.id]
	if !ok || e.token != h.token {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h.id)
	}
	return nil
}
