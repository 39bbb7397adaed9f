package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for stackhost.
type Metrics struct {
	registry                  *prometheus.Registry
	probeCycleDurationSeconds prometheus.Histogram
	probeInvocationsTotal     *prometheus.CounterVec
	probeFailuresTotal        *prometheus.CounterVec
	resourceHealth            *prometheus.GaugeVec
	readyEventsTotal          *prometheus.CounterVec
	activeMonitorsGauge       prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		probeCycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackhost_probe_cycle_duration_seconds",
			Help:    "Duration of health probe cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		probeInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackhost_probe_invocations_total",
			Help: "Total probe invocations by resource, check, and status.",
		}, []string{"resource", "check", "status"}),
		probeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackhost_probe_failures_total",
			Help: "Total probe invocations that returned an error, by resource and check.",
		}, []string{"resource", "check"}),
		resourceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackhost_resource_health",
			Help: "Current resource health, 1 for the active status label.",
		}, []string{"resource", "status"}),
		readyEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackhost_ready_events_total",
			Help: "Total ready events fired by resource.",
		}, []string{"resource"}),
		activeMonitorsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackhost_active_monitors",
			Help: "Number of resources with a live monitoring loop.",
		}),
	}

	registry.MustRegister(
		m.probeCycleDurationSeconds,
		m.probeInvocationsTotal,
		m.probeFailuresTotal,
		m.resourceHealth,
		m.readyEventsTotal,
		m.activeMonitorsGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProbeCycleDuration records the duration of a completed probe cycle.
func (m *Metrics) ObserveProbeCycleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.probeCycleDurationSeconds.Observe(duration.Seconds())
}

// IncProbeInvocations increments the probe invocation counter.
func (m *Metrics) IncProbeInvocations(resource, check, status string) {
	if m == nil {
		return
	}
	m.probeInvocationsTotal.WithLabelValues(resource, check, status).Inc()
}

// IncProbeFailures increments the probe failure counter.
func (m *Metrics) IncProbeFailures(resource, check string) {
	if m == nil {
		return
	}
	m.probeFailuresTotal.WithLabelValues(resource, check).Inc()
}

// SetResourceHealth sets the health gauge so exactly one status label carries 1.
func (m *Metrics) SetResourceHealth(resource string, status string, statuses []string) {
	if m == nil {
		return
	}
	for _, candidate := range statuses {
		value := 0.0
		if candidate == status {
			value = 1.0
		}
		m.resourceHealth.WithLabelValues(resource, candidate).Set(value)
	}
}

// IncReadyEvents increments the ready event counter for a resource.
func (m *Metrics) IncReadyEvents(resource string) {
	if m == nil {
		return
	}
	m.readyEventsTotal.WithLabelValues(resource).Inc()
}

// MonitorStarted increments the active monitor gauge.
func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.activeMonitorsGauge.Inc()
}

// MonitorStopped decrements the active monitor gauge.
func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.activeMonitorsGauge.Dec()
}
