// Package metrics exposes bot counters to Prometheus. Counters owned by other
// packages are read through func collectors at scrape time, so the hot path
// never touches the registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"misskeybot/internal/dispatch"
)

const namespace = "misskeybot"

// Transport state values for the transport_state gauge.
var transportStates = []string{"idle", "starting", "push", "pull", "stopped"}

// Sources are read at scrape time. Nil funcs are skipped.
type Sources struct {
	Dispatch  func() dispatch.Stats
	Transport func() string
	Attempts  func() int
	CacheLen  func() int
}

type Metrics struct {
	reg *prometheus.Registry

	apiErrors *prometheus.CounterVec
	autoPosts *prometheus.CounterVec
	polls     *prometheus.CounterVec
}

func New(src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		reg: reg,
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Failed upstream calls by error kind.",
		}, []string{"kind"}),
		autoPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_posts_total",
			Help:      "Auto-post ticks by outcome.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.apiErrors, m.autoPosts, m.polls)

	if src.Dispatch != nil {
		m.registerDispatch(src.Dispatch)
	}
	if src.Transport != nil {
		for _, st := range transportStates {
			st := st
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "transport_state",
				Help:        "1 for the current transport state.",
				ConstLabels: prometheus.Labels{"state": st},
			}, func() float64 {
				if src.Transport() == st {
					return 1
				}
				return 0
			}))
		}
	}
	if src.Attempts != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connect_attempts_total",
			Help:      "Streaming connect attempts since start.",
		}, func() float64 { return float64(src.Attempts()) }))
	}
	if src.CacheLen != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_cache_entries",
			Help:      "Event ids held in the in-memory dedup cache.",
		}, func() float64 { return float64(src.CacheLen()) }))
	}
	return m
}

func (m *Metrics) registerDispatch(stats func() dispatch.Stats) {
	counter := func(name, help string, pick func(dispatch.Stats) uint64) {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) }))
	}
	counter("accepted_total", "Events handed to a handler.", func(s dispatch.Stats) uint64 { return s.Accepted })
	counter("duplicate_cache_total", "Events dropped by the in-memory cache.", func(s dispatch.Stats) uint64 { return s.DuplicateCache })
	counter("duplicate_ledger_total", "Events dropped by the persistent ledger.", func(s dispatch.Stats) uint64 { return s.DuplicateLedger })
	counter("gated_total", "Events older than startup marked without handling.", func(s dispatch.Stats) uint64 { return s.Gated })
	counter("malformed_total", "Events dropped as malformed.", func(s dispatch.Stats) uint64 { return s.Malformed })
	counter("handler_errors_total", "Handler invocations that returned an error.", func(s dispatch.Stats) uint64 { return s.HandlerErrors })
	counter("handler_panics_total", "Handler invocations that panicked.", func(s dispatch.Stats) uint64 { return s.HandlerPanics })
	counter("ledger_errors_total", "Ledger reads or writes that failed.", func(s dispatch.Stats) uint64 { return s.LedgerErrors })
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "in_flight",
		Help:      "Handler invocations currently running.",
	}, func() float64 { return float64(stats().InFlight) }))
}

// APIError counts a failed upstream call.
func (m *Metrics) APIError(kind string) {
	if m == nil {
		return
	}
	m.apiErrors.WithLabelValues(kind).Inc()
}

// AutoPost counts an auto-post tick by outcome.
func (m *Metrics) AutoPost(outcome string) {
	if m == nil {
		return
	}
	m.autoPosts.WithLabelValues(outcome).Inc()
}

// PollCycle counts a finished poll cycle.
func (m *Metrics) PollCycle(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(result).Inc()
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
