package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/logging"
)

// SinkOptions configures a Sink.
type SinkOptions struct {
	// FailureThreshold is how many consecutive send failures take a device
	// out of rotation. Defaults to 3.
	FailureThreshold int
	// ProbeEvery is how many skipped sends pass between probe attempts on a
	// down device. Defaults to 30, roughly one probe per second at the
	// default tick rate.
	ProbeEvery int
	// Logger receives send failure and recovery logs.
	Logger logging.Logger
}

// Sink wraps a Driver with per-device availability tracking. A device that
// keeps failing is marked down and skipped; the sink then probes it on a
// fixed cadence and reports recovery so the engine can surface it.
type Sink struct {
	driver Driver
	logger logging.Logger

	threshold  int
	probeEvery int

	mu    sync.Mutex
	state map[core.DeviceID]*deviceState
}

type deviceState struct {
	consecutiveFailures int
	down                bool
	skippedSinceProbe   int
	lastError           error
	lastFailureAt       time.Time
}

// NewSink wraps a driver.
func NewSink(driver Driver, optFns ...func(o *SinkOptions)) *Sink {
	opts := SinkOptions{FailureThreshold: 3, ProbeEvery: 30, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.ProbeEvery <= 0 {
		opts.ProbeEvery = 30
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Sink{
		driver:     driver,
		logger:     opts.Logger,
		threshold:  opts.FailureThreshold,
		probeEvery: opts.ProbeEvery,
		state:      make(map[core.DeviceID]*deviceState),
	}
}

// WithFailureThreshold sets how many consecutive failures down a device.
func WithFailureThreshold(n int) func(o *SinkOptions) {
	return func(o *SinkOptions) { o.FailureThreshold = n }
}

// WithProbeEvery sets the probe cadence for down devices.
func WithProbeEvery(n int) func(o *SinkOptions) {
	return func(o *SinkOptions) { o.ProbeEvery = n }
}

// WithSinkLogger sets the sink logger.
func WithSinkLogger(l logging.Logger) func(o *SinkOptions) {
	return func(o *SinkOptions) { o.Logger = l }
}

// Devices enumerates the driver's devices.
func (s *Sink) Devices(ctx context.Context) ([]core.DeviceDescriptor, error) {
	return s.driver.Devices(ctx)
}

// Send writes one frame to a device through the driver, tracking
// availability. It returns recovered=true when the send brought a down
// device back. Sends to a down device outside of its probe cadence return
// ErrDeviceDown without touching the driver.
func (s *Sink) Send(ctx context.Context, device core.DeviceID, pixels []core.Pixel) (recovered bool, err error) {
	s.mu.Lock()
	st, ok := s.state[device]
	if !ok {
		st = &deviceState{}
		s.state[device] = st
	}
	if st.down {
		st.skippedSinceProbe++
		if st.skippedSinceProbe < s.probeEvery {
			s.mu.Unlock()
			return false, fmt.Errorf("%w: %s", ErrDeviceDown, device)
		}
		st.skippedSinceProbe = 0
	}
	wasDown := st.down
	s.mu.Unlock()

	start := time.Now()
	sendErr := s.driver.SendFrame(ctx, device, pixels)

	s.mu.Lock()
	defer s.mu.Unlock()

	if sendErr != nil {
		st.consecutiveFailures++
		st.lastError = sendErr
		st.lastFailureAt = time.Now()
		if !st.down && st.consecutiveFailures >= s.threshold {
			st.down = true
			st.skippedSinceProbe = 0
			s.logger.Warn("Device taken out of rotation", "device", device, "failures", st.consecutiveFailures, "error", sendErr)
		}
		return false, fmt.Errorf("device %s send: %w", device, sendErr)
	}

	st.consecutiveFailures = 0
	st.lastError = nil
	if wasDown {
		st.down = false
		s.logger.Info("Device recovered", "device", device, "duration", time.Since(start))
		return true, nil
	}
	return false, nil
}

// Available reports whether the device is currently in rotation.
func (s *Sink) Available(device core.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[device]
	return !ok || !st.down
}

// Down returns the IDs of devices currently out of rotation.
func (s *Sink) Down() []core.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.DeviceID
	for id, st := range s.state {
		if st.down {
			out = append(out, id)
		}
	}
	return out
}

// Close closes the underlying driver.
func (s *Sink) Close() error {
	return s.driver.Close()
}
