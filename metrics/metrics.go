// Package metrics exposes Prometheus instrumentation for the lumen
// pipeline. Counters are fed from engine hooks and session callbacks;
// gauges are refreshed just before each scrape.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one engine instance. A
// dedicated registry keeps lumen metrics separate from anything else the
// host process registers.
type Metrics struct {
	registry *prometheus.Registry

	framesComposited prometheus.Counter
	devicesWritten   prometheus.Counter
	framesStalled    prometheus.Counter
	driverFailures   prometheus.Counter
	routePasses      prometheus.Counter
	deltasApplied    prometheus.Counter
	tickDuration     prometheus.Histogram
	conditionsTotal  *prometheus.CounterVec
	httpRequests     prometheus.Counter
	httpErrors       prometheus.Counter

	activeProducers   prometheus.Gauge
	unroutedProducers prometheus.Gauge
	devicesDown       prometheus.Gauge
	activeSessions    prometheus.Gauge
}

// New creates and registers the lumen collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	framesComposited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_frames_composited_total",
		Help: "Total producer frames folded into device outputs",
	})
	devicesWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_devices_written_total",
		Help: "Total frames accepted by device drivers",
	})
	framesStalled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_frames_stalled_total",
		Help: "Total producer frames dropped as stale",
	})
	driverFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_driver_failures_total",
		Help: "Total device driver send failures",
	})
	routePasses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_route_passes_total",
		Help: "Total routing passes applied to the compositor",
	})
	deltasApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_deltas_applied_total",
		Help: "Total session deltas applied, local and remote",
	})
	tickDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lumen_tick_duration_seconds",
		Help:    "Compositor tick duration",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
	conditionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lumen_conditions_total",
		Help: "Total conditions reported, by kind",
	}, []string{"kind"})
	httpRequests := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_http_requests_total",
		Help: "Total HTTP requests received",
	})
	httpErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_http_errors_total",
		Help: "Total HTTP responses with error status (4xx or 5xx)",
	})

	activeProducers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lumen_active_producers",
		Help: "Producers currently registered and active",
	})
	unroutedProducers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lumen_unrouted_producers",
		Help: "Producers no device could host after the last routing pass",
	})
	devicesDown := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lumen_devices_down",
		Help: "Devices currently held out of rotation after repeated failures",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lumen_active_sessions",
		Help: "Sessions currently joined",
	})

	registry.MustRegister(
		framesComposited,
		devicesWritten,
		framesStalled,
		driverFailures,
		routePasses,
		deltasApplied,
		tickDuration,
		conditionsTotal,
		httpRequests,
		httpErrors,
		activeProducers,
		unroutedProducers,
		devicesDown,
		activeSessions,
	)

	return &Metrics{
		registry:          registry,
		framesComposited:  framesComposited,
		devicesWritten:    devicesWritten,
		framesStalled:     framesStalled,
		driverFailures:    driverFailures,
		routePasses:       routePasses,
		deltasApplied:     deltasApplied,
		tickDuration:      tickDuration,
		conditionsTotal:   conditionsTotal,
		httpRequests:      httpRequests,
		httpErrors:        httpErrors,
		activeProducers:   activeProducers,
		unroutedProducers: unroutedProducers,
		devicesDown:       devicesDown,
		activeSessions:    activeSessions,
	}
}

// AddFramesComposited adds to the composited frame counter.
func (m *Metrics) AddFramesComposited(n int) {
	m.framesComposited.Add(float64(n))
}

// AddDevicesWritten adds to the devices written counter.
func (m *Metrics) AddDevicesWritten(n int) {
	m.devicesWritten.Add(float64(n))
}

// AddFramesStalled adds to the stalled frame counter.
func (m *Metrics) AddFramesStalled(n int) {
	m.framesStalled.Add(float64(n))
}

// AddDriverFailures adds to the driver failure counter.
func (m *Metrics) AddDriverFailures(n int) {
	m.driverFailures.Add(float64(n))
}

// IncRoutePasses increments the routing pass counter.
func (m *Metrics) IncRoutePasses() {
	m.routePasses.Inc()
}

// IncDeltasApplied increments the applied delta counter.
func (m *Metrics) IncDeltasApplied() {
	m.deltasApplied.Inc()
}

// ObserveTickDuration records one compositor tick duration.
func (m *Metrics) ObserveTickDuration(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}

// IncCondition increments the condition counter for the given kind.
func (m *Metrics) IncCondition(kind string) {
	m.conditionsTotal.WithLabelValues(kind).Inc()
}

// IncHTTPRequests increments the HTTP request counter.
func (m *Metrics) IncHTTPRequests() {
	m.httpRequests.Inc()
}

// IncHTTPErrors increments the HTTP error response counter.
func (m *Metrics) IncHTTPErrors() {
	m.httpErrors.Inc()
}

// SetActiveProducers sets the active producer gauge.
func (m *Metrics) SetActiveProducers(n int) {
	m.activeProducers.Set(float64(n))
}

// SetUnroutedProducers sets the unrouted producer gauge.
func (m *Metrics) SetUnroutedProducers(n int) {
	m.unroutedProducers.Set(float64(n))
}

// SetDevicesDown sets the downed device gauge.
func (m *Metrics) SetDevicesDown(n int) {
	m.devicesDown.Set(float64(n))
}

// SetActiveSessions sets the joined session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler serving the registry. updateGauges runs
// before each scrape so gauge values reflect the moment of collection.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Registry exposes the underlying registry for embedders that gather
// lumen metrics alongside their own.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
