// Package metrics exposes session lifecycle counters in the Prometheus
// format.
package metrics

import (
	"net/http"

	"github.com/aussiebroadwan/tabsession/internal/crosstab"
	"github.com/aussiebroadwan/tabsession/internal/refresh"
	"github.com/aussiebroadwan/tabsession/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabsession"

type Metrics struct {
	registry *prometheus.Registry

	sessionEvents      *prometheus.CounterVec
	refreshOutcomes    *prometheus.CounterVec
	abortedRequests    prometheus.Counter
	reconciliations    *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	authenticated      prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session changes by kind.",
		}, []string{"kind"}),
		refreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_checks_total",
			Help:      "Token refresh checks by outcome.",
		}, []string{"outcome"}),
		abortedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborted_requests_total",
			Help:      "In-flight requests cancelled by a session change.",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crosstab_reconciliations_total",
			Help:      "Changes adopted from other tabs by action.",
		}, []string{"action"}),
		cacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Derived data cache invalidations by scope.",
		}, []string{"scope"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authenticated",
			Help:      "1 while a user is signed in.",
		}),
	}

	m.registry.MustRegister(
		m.sessionEvents,
		m.refreshOutcomes,
		m.abortedRequests,
		m.reconciliations,
		m.cacheInvalidations,
		m.authenticated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveSessionEvent(ev session.Event) {
	m.sessionEvents.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Session.Authenticated() {
		m.authenticated.Set(1)
	} else {
		m.authenticated.Set(0)
	}
}

func (m *Metrics) ObserveRefresh(o refresh.Outcome) {
	m.refreshOutcomes.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) ObserveAborted(n int) {
	m.abortedRequests.Add(float64(n))
}

func (m *Metrics) ObserveReconcile(a crosstab.Action) {
	m.reconciliations.WithLabelValues(a.String()).Inc()
}

func (m *Metrics) ObserveInvalidation(scope string) {
	m.cacheInvalidations.WithLabelValues(scope).Inc()
}

// Collector accessors, for tests and for callers registering extra views.

func (m *Metrics) SessionEvents() *prometheus.CounterVec      { return m.sessionEvents }
func (m *Metrics) RefreshOutcomes() *prometheus.CounterVec    { return m.refreshOutcomes }
func (m *Metrics) AbortedRequests() prometheus.Counter        { return m.abortedRequests }
func (m *Metrics) Reconciliations() *prometheus.CounterVec    { return m.reconciliations }
func (m *Metrics) CacheInvalidations() *prometheus.CounterVec { return m.cacheInvalidations }
func (m *Metrics) Authenticated() prometheus.Gauge            { return m.authenticated }
